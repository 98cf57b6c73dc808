package storage

import (
	"testing"

	"helphub/nearby"
)

var _ nearby.Archive = (*Store)(nil)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dataDir := t.TempDir()
	store, _, err := Open(dataDir)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close test store: %v", err)
		}
	})

	return store
}

func mustBeginSession(t *testing.T, store *Store, sessionID string, startedAt int64) {
	t.Helper()

	if err := store.BeginSession(sessionID, "Rescuer", startedAt); err != nil {
		t.Fatalf("begin session %q: %v", sessionID, err)
	}
}
