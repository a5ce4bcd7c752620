package testutil

import (
	"path/filepath"
	"testing"

	"github.com/coralane/drover/internal/eventlog"
)

// OpenTestLedger opens a fresh ledger in a temp directory.
func OpenTestLedger(t *testing.T, opts eventlog.Options) (*eventlog.Log, func()) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "test-ledger.db")
	db, err := eventlog.Open(path)
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	return eventlog.New(db, opts), func() {
		_ = db.Close()
	}
}
