package flusher

import (
	"sync/atomic"
	"time"

	"github.com/stevelittle/ep-engine/core/kvstore"
	"github.com/stevelittle/ep-engine/core/mlog"
)

const commitRetryBackoff = time.Second

// transactionContext groups up to maxTxnSize successful submissions into
// one backing-store transaction, bracketed by COMMIT1/COMMIT2 mutation log
// records so recovery can tell a committed transaction from an interrupted
// one (spec §4.3). It is touched only from the flusher's own single
// dispatcher goroutine, except maxTxnSize, which a config listener may
// update concurrently — hence the atomic.
type transactionContext struct {
	store kvstore.KVStore
	mlog  MutationLog

	maxTxnSize atomic.Int64
	submitted  int
	open       bool
}

func newTransactionContext(store kvstore.KVStore, mlogFile MutationLog, maxTxnSize int) *transactionContext {
	tc := &transactionContext{store: store, mlog: mlogFile}
	tc.setMaxTxnSize(maxTxnSize)
	return tc
}

func (tc *transactionContext) setMaxTxnSize(n int) {
	if n < 1 {
		n = 1
	}
	tc.maxTxnSize.Store(int64(n))
}

// ensureOpen begins a backing-store transaction if one is not already open.
func (tc *transactionContext) ensureOpen() {
	if tc.open {
		return
	}
	if err := tc.store.Begin(); err != nil {
		log.Errorf("transaction begin failed: %v", err)
		return
	}
	tc.open = true
}

// noteSubmission records one KVStore submission, whether or not it
// succeeded, committing the transaction once maxTxnSize submissions have
// accumulated.
func (tc *transactionContext) noteSubmission() {
	tc.submitted++
	if int64(tc.submitted) >= tc.maxTxnSize.Load() {
		tc.commitNow()
	}
}

// commitNow commits the open transaction, retrying indefinitely with a
// fixed 1-second back-off (spec §4.3). A no-op if no transaction is open.
func (tc *transactionContext) commitNow() {
	if !tc.open {
		return
	}

	_ = tc.mlog.Append(mlog.Commit1Entry())
	for {
		if err := tc.store.Commit(); err != nil {
			log.Warningf("transaction commit failed, retrying: %v", err)
			time.Sleep(commitRetryBackoff)
			continue
		}
		break
	}
	_ = tc.mlog.Append(mlog.Commit2Entry())

	tc.submitted = 0
	tc.open = false
}

// flushRemaining commits any partially filled transaction at the end of a
// flusher pass (the completeFlush step) so work never waits indefinitely
// for maxTxnSize to be reached.
func (tc *transactionContext) flushRemaining() {
	if tc.submitted > 0 {
		tc.commitNow()
	}
}
