package journal

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestJournal_RecordList(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	j, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer j.Close()

	run := uuid.NewString()
	now := time.Now()
	entries := []Entry{
		{RunID: run, Key: "shard_0000.json", Items: 100, Bytes: 4096, Checksum: "ab12", CompletedAt: now},
		{RunID: run, Key: "shard_0001.json", Items: 37, Bytes: 1501, CompletedAt: now.Add(time.Second)},
	}
	for _, e := range entries {
		if err := j.Record(e); err != nil {
			t.Fatal(err)
		}
	}

	got, err := j.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(got))
	}
	if got[0].Key != "shard_0000.json" || got[0].Items != 100 || got[0].Bytes != 4096 {
		t.Errorf("first entry = %+v", got[0])
	}
	if got[0].Checksum != "ab12" || got[1].Checksum != "" {
		t.Errorf("checksums = %q, %q", got[0].Checksum, got[1].Checksum)
	}
	if got[1].CompletedAt.Sub(got[0].CompletedAt) < 500*time.Millisecond {
		t.Errorf("timestamps not preserved: %v, %v", got[0].CompletedAt, got[1].CompletedAt)
	}
}

func TestJournal_ListRunFilters(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	j, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer j.Close()

	runA := uuid.NewString()
	runB := uuid.NewString()
	for i, run := range []string{runA, runA, runB} {
		if err := j.Record(Entry{RunID: run, Key: "k", Items: i, CompletedAt: time.Now()}); err != nil {
			t.Fatal(err)
		}
	}

	got, err := j.ListRun(runA)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 entries for run A, got %d", len(got))
	}
	for _, e := range got {
		if e.RunID != runA {
			t.Errorf("entry from wrong run: %+v", e)
		}
	}
}

func TestJournal_ReopenSeesRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	j, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := j.Record(Entry{RunID: "r", Key: "k", Items: 1, CompletedAt: time.Now()}); err != nil {
		t.Fatal(err)
	}
	if err := j.Close(); err != nil {
		t.Fatal(err)
	}

	j2, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer j2.Close()
	got, err := j2.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 entry after reopen, got %d", len(got))
	}
}
