package vbucket

import (
	"testing"

	"github.com/stevelittle/ep-engine/core/item"
)

func alwaysOK() bool { return true }

func TestSetStateActiveNotifiesWaiters(t *testing.T) {
	vb := New(0, StatePending, &item.CasGenerator{}, alwaysOK)

	notified := false
	if !vb.RegisterWaiter(Waiter{Notify: func() { notified = true }}) {
		t.Fatalf("expected waiter to register on a pending vbucket")
	}

	vb.SetState(StateActive)
	if !notified {
		t.Fatalf("expected waiter to be notified on transition to active")
	}
}

func TestRegisterWaiterRejectedWhenAlreadyActive(t *testing.T) {
	vb := New(0, StateActive, &item.CasGenerator{}, alwaysOK)
	if vb.RegisterWaiter(Waiter{Notify: func() {}}) {
		t.Fatalf("expected registration on an already-active vbucket to be rejected")
	}
}

func TestResetBumpsVersionAndClearsHashTable(t *testing.T) {
	casGen := &item.CasGenerator{}
	vb := New(0, StateActive, casGen, alwaysOK)
	vb.HashTable.Set(item.Item{Key: "a", Value: []byte("1")}, 0, true, 100)

	if vb.Version() != 0 {
		t.Fatalf("expected initial version 0, got %d", vb.Version())
	}

	vb.Reset(casGen, alwaysOK)

	if vb.Version() != 1 {
		t.Fatalf("expected version bumped to 1, got %d", vb.Version())
	}
	if _, ok := vb.HashTable.Find("a", false); ok {
		t.Fatalf("expected hashtable cleared after reset")
	}
}

func TestTryBeginDeletionIsExclusive(t *testing.T) {
	vb := New(0, StateActive, &item.CasGenerator{}, alwaysOK)
	if !vb.TryBeginDeletion() {
		t.Fatalf("expected first TryBeginDeletion to succeed")
	}
	if vb.TryBeginDeletion() {
		t.Fatalf("expected second concurrent TryBeginDeletion to fail")
	}
	vb.FinishDeletion()
	if !vb.TryBeginDeletion() {
		t.Fatalf("expected TryBeginDeletion to succeed again after FinishDeletion")
	}
}

func TestRestoreDeleteSuppressesResurrection(t *testing.T) {
	vb := New(0, StateActive, &item.CasGenerator{}, alwaysOK)
	vb.SetDegraded(true)

	vb.RestoreDelete("a")
	if ok := vb.RestoreItem(item.Item{Key: "a", Value: []byte("stale")}); ok {
		t.Fatalf("expected restore insert for a tombstoned key to be suppressed")
	}

	items := vb.DrainRestoreItems()
	if len(items) != 0 {
		t.Fatalf("expected no restore items, got %d", len(items))
	}
}

func TestLeavingDegradedModeClearsRestoreDeleted(t *testing.T) {
	vb := New(0, StateActive, &item.CasGenerator{}, alwaysOK)
	vb.SetDegraded(true)
	vb.RestoreDelete("a")

	vb.SetDegraded(false)

	if ok := vb.RestoreItem(item.Item{Key: "a", Value: []byte("1")}); !ok {
		t.Fatalf("expected restore insert to succeed once restoreDeleted was cleared")
	}
}

func TestMapSetVBucketStateCreatesThenTransitions(t *testing.T) {
	m := NewMap()
	casGen := &item.CasGenerator{}

	vb := m.SetVBucketState(3, StatePending, casGen, alwaysOK)
	if vb.State() != StatePending {
		t.Fatalf("expected pending, got %s", vb.State())
	}

	again := m.SetVBucketState(3, StateActive, casGen, alwaysOK)
	if again != vb {
		t.Fatalf("expected the same VBucket instance to be reused")
	}
	if vb.State() != StateActive {
		t.Fatalf("expected active after transition, got %s", vb.State())
	}
}

func TestMapDeleteVBucketRemovesIt(t *testing.T) {
	m := NewMap()
	casGen := &item.CasGenerator{}
	m.SetVBucketState(1, StateActive, casGen, alwaysOK)

	m.DeleteVBucket(1)

	if _, ok := m.Get(1); ok {
		t.Fatalf("expected vbucket 1 to be gone")
	}
}
