package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	logx "moodping/pkg/logx"
)

func logxNop() logx.Logger { return logx.Nop() }

func openTestFile(t *testing.T, path string) Store {
	t.Helper()
	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return st
}

func TestFileStore(t *testing.T) {
	t.Parallel()

	st := openTestFile(t, filepath.Join(t.TempDir(), "state.json"))
	defer st.Close()
	exerciseStore(t, st)
}

func TestFileStoreReplaysJournal(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "state.json")
	ctx := context.Background()
	now := time.Date(2025, time.May, 6, 12, 0, 0, 0, time.UTC)

	st := openTestFile(t, path)
	_ = st.SaveUser(ctx, sampleUser(7, now))
	if ok, _ := st.MarkDelivered(ctx, 7, "2025-05-06", "ping:09:00"); !ok {
		t.Fatalf("claim failed")
	}
	// Simulate a crash: drop the handle without compacting.
	fs := st.(*fileStore)
	fs.mu.Lock()
	_ = fs.journal.Close()
	fs.journal = nil
	fs.mu.Unlock()

	st = openTestFile(t, path)
	defer st.Close()
	if _, err := st.GetUser(ctx, 7); err != nil {
		t.Fatalf("user lost after replay: %v", err)
	}
	if ok, _ := st.MarkDelivered(ctx, 7, "2025-05-06", "ping:09:00"); ok {
		t.Fatalf("slot claimed twice across restart")
	}
}

func TestFileStoreCompactsOnClose(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "state.json")
	ctx := context.Background()
	st := openTestFile(t, path)
	_ = st.SaveUser(ctx, sampleUser(8, time.Now()))
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	fi, err := os.Stat(filepath.Join(filepath.Dir(path), "state.journal.jsonl"))
	if err != nil || fi.Size() != 0 {
		t.Fatalf("journal not truncated: %v", err)
	}

	st = openTestFile(t, path)
	defer st.Close()
	if _, err := st.GetUser(ctx, 8); err != nil {
		t.Fatalf("user lost after compaction: %v", err)
	}
}
