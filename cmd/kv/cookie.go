package kv

import (
	"context"
	"time"

	"github.com/stevelittle/ep-engine/core/ep"
)

// blockingCookie adapts ep.Store's async suspension/notify contract
// (spec §4.2/§5's EWOULDBLOCK-plus-later-notification model) into a
// synchronous wait, since this CLI has no wire protocol front-end of its
// own to suspend a connection on (spec.md §1 names that layer an explicit
// Non-goal) — it just blocks the invoking goroutine until Notify fires.
type blockingCookie struct {
	result chan ep.Status
}

func newBlockingCookie() *blockingCookie {
	return &blockingCookie{result: make(chan ep.Status, 1)}
}

func (c *blockingCookie) Notify(status ep.Status) {
	select {
	case c.result <- status:
	default:
	}
}

// await blocks until Notify fires or ctx is done, used to resolve an
// EWOULDBLOCK returned by an op that registered this cookie.
func (c *blockingCookie) await(ctx context.Context, timeout time.Duration) (ep.Status, bool) {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case st := <-c.result:
		return st, true
	case <-ctx.Done():
		return 0, false
	case <-t.C:
		return 0, false
	}
}
