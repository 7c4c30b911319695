//go:build sqlite
// +build sqlite

package storage

import (
	"path/filepath"
	"testing"

	logx "moodping/pkg/logx"
)

func TestSQLiteStore(t *testing.T) {
	t.Parallel()

	st, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "moodping.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()
	exerciseStore(t, st)
}
