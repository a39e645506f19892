package hashtable

import "github.com/stevelittle/ep-engine/core/item"

// StoredValue is the in-memory record for a single key: an Item plus the
// residency/durability bookkeeping the engine needs to decide what to do
// with it next.
//
// Invariants (enforced by the mutating methods on HashTable, never left to
// caller discipline):
//   - Deleted implies Item.Value is nil.
//   - Temp implies Deleted and a bounded Item.Expiry (the tmp-item expiry window).
//   - !Resident implies Item.RowID >= 0.
//   - PendingID true means a persistence submission for this key is already
//     in flight; callers must not enqueue a second one.
type StoredValue struct {
	Item item.Item

	Resident  bool
	Dirty     bool
	Deleted   bool
	Temp      bool
	PendingID bool

	// LockExpiry is the absolute unix-seconds time a getLocked-style
	// advisory lock on this key expires; zero means unlocked.
	LockExpiry uint32

	// DataAge is the unix-seconds time of the last mutation, used by the
	// flusher's min_data_age write coalescing check.
	DataAge uint32
}

// IsLocked reports whether the key is currently under an advisory lock as of now.
func (sv *StoredValue) IsLocked(now uint32) bool {
	return sv.LockExpiry != 0 && now < sv.LockExpiry
}

// markDeleted clears the value bytes and sets the Deleted flag, preserving
// all other metadata so the record can serve as a tombstone.
func (sv *StoredValue) markDeleted(cas uint64, seqno uint32) {
	sv.Item.Value = nil
	sv.Item.Cas = cas
	if seqno != 0 {
		sv.Item.Seqno = seqno
	}
	sv.Deleted = true
	sv.Dirty = true
}
