package mlog

import (
	"os"
	"path/filepath"
	"testing"
)

func TestAppendAndReplayRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mlog.dat")
	cfg := Config{BlockSize: 256, Sync: SyncNever}

	l, err := Create(path, cfg)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	want := []Record{
		NewEntry(1, "a", 10),
		NewEntry(1, "b", 11),
		DelEntry(1, "a"),
		Commit1Entry(),
		Commit2Entry(),
		AdminEntry("compacted"),
	}
	for _, r := range want {
		if err := l.Append(r); err != nil {
			t.Fatalf("append %s: %v", r.Type, err)
		}
	}
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	result, err := Replay(path, cfg)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if result.Status != ReplayComplete {
		t.Fatalf("expected COMPLETE, got %s", result.Status)
	}
	if len(result.Records) != len(want) {
		t.Fatalf("expected %d records, got %d", len(want), len(result.Records))
	}
	for i, r := range result.Records {
		if r.Type != want[i].Type || r.Key != want[i].Key || r.VBID != want[i].VBID || r.RowID != want[i].RowID || r.Admin != want[i].Admin {
			t.Errorf("record %d mismatch: got %+v want %+v", i, r, want[i])
		}
	}
}

func TestReplayDetectsTruncation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mlog.dat")
	cfg := Config{BlockSize: 256, Sync: SyncNever}

	l, err := Create(path, cfg)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := l.Append(NewEntry(1, "a", 10)); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if err := os.Truncate(path, info.Size()-2); err != nil {
		t.Fatalf("truncate: %v", err)
	}

	result, err := Replay(path, cfg)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if result.Status != ReplayTruncated {
		t.Fatalf("expected TRUNCATED, got %s", result.Status)
	}
	if len(result.Records) != 0 {
		t.Fatalf("expected no validated records, got %d", len(result.Records))
	}
}

func TestReplayDetectsBadMagic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notalog.dat")
	if err := os.WriteFile(path, []byte("not a mutation log"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	result, err := Replay(path, Config{})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if result.Status != ReplayBadMagic {
		t.Fatalf("expected BAD_MAGIC, got %s", result.Status)
	}
}

func TestCommittedRecordsDropsInterruptedTrailingTransaction(t *testing.T) {
	records := []Record{
		NewEntry(1, "a", 1),
		NewEntry(1, "b", 2),
		Commit1Entry(),
		Commit2Entry(),
		NewEntry(1, "c", 3),
	}

	got := CommittedRecords(records)
	if len(got) != 2 {
		t.Fatalf("expected 2 committed records, got %d: %+v", len(got), got)
	}
	if got[0].Key != "a" || got[1].Key != "b" {
		t.Errorf("expected committed records for a and b, got %+v", got)
	}
}

func TestCommittedRecordsDropsCommit2WithoutCommit1(t *testing.T) {
	records := []Record{
		NewEntry(1, "a", 1),
		Commit2Entry(),
	}

	if got := CommittedRecords(records); len(got) != 0 {
		t.Fatalf("expected no committed records, got %d: %+v", len(got), got)
	}
}

func TestCommittedRecordsPassesAdminThroughUnbracketed(t *testing.T) {
	records := []Record{
		AdminEntry("checkpoint"),
		NewEntry(1, "a", 1),
	}

	got := CommittedRecords(records)
	if len(got) != 1 || got[0].Type != RecordAdmin {
		t.Fatalf("expected admin marker to pass through, got %+v", got)
	}
}

func TestCompactKeepsLatestPerKeyAndAdmins(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mlog.dat")
	cfg := Config{BlockSize: 256, Sync: SyncNever}

	l, err := Create(path, cfg)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	for _, r := range []Record{
		NewEntry(1, "a", 1),
		NewEntry(1, "a", 2),
		NewEntry(1, "b", 3),
		DelEntry(1, "b"),
		AdminEntry("checkpoint"),
	} {
		if err := l.Append(r); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if err := Compact(path, cfg); err != nil {
		t.Fatalf("compact: %v", err)
	}

	result, err := Replay(path, cfg)
	if err != nil {
		t.Fatalf("replay after compact: %v", err)
	}
	if result.Status != ReplayComplete {
		t.Fatalf("expected COMPLETE, got %s", result.Status)
	}
	if len(result.Records) != 3 {
		t.Fatalf("expected 3 records after compaction (latest a, latest b, admin), got %d: %+v", len(result.Records), result.Records)
	}
	if result.Records[0].Type != RecordNew || result.Records[0].RowID != 2 {
		t.Errorf("expected latest NEW for key a with rowid 2, got %+v", result.Records[0])
	}
	if result.Records[1].Type != RecordDel || result.Records[1].Key != "b" {
		t.Errorf("expected latest DEL for key b, got %+v", result.Records[1])
	}
	if result.Records[2].Type != RecordAdmin {
		t.Errorf("expected admin marker retained, got %+v", result.Records[2])
	}
}
