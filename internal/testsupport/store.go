package testsupport

import (
	"testing"

	"radiolink/internal/config"
	"radiolink/internal/procs"
)

// MustOpenStore opens a procs.Store for tests and registers cleanup.
func MustOpenStore(t testing.TB, cfg *config.Config) *procs.Store {
	t.Helper()

	store, err := procs.Open(cfg)
	if err != nil {
		t.Fatalf("procs.Open: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}
