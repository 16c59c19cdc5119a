// Package testutil provides the in-memory collaborators the engine tests run
// against: a temp database store, a scriptable IMAP session, and in-process
// IMAP/SMTP servers.
package testutil

import (
	"path/filepath"
	"testing"

	"github.com/tuksik/mailsync/internal/models"
	"github.com/tuksik/mailsync/internal/store"
)

// NewTestStore opens a store over a fresh temp database.
func NewTestStore(t *testing.T) *store.Store {
	t.Helper()

	path := filepath.Join(t.TempDir(), "test.db")
	s, err := store.Open(path)
	if err != nil {
		t.Fatalf("Failed to open test store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// OpenSharedStore opens another store over an existing database file, the
// way each worker owns its own store in production.
func OpenSharedStore(t *testing.T, path string) *store.Store {
	t.Helper()

	s, err := store.Open(path)
	if err != nil {
		t.Fatalf("Failed to open shared store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// NewTestStoreAt opens a store at the given path.
func NewTestStoreAt(t *testing.T, path string) *store.Store {
	return OpenSharedStore(t, path)
}

// TestAccount returns a minimal valid account.
func TestAccount() *models.Account {
	return &models.Account{
		ID:           "acct-1",
		EmailAddress: "user@example.com",
		IMAPHost:     "imap.example.com",
		IMAPPort:     993,
		IMAPUsername: "user@example.com",
		IMAPPassword: "hunter2",
		SMTPHost:     "smtp.example.com",
		SMTPPort:     587,
		SMTPUsername: "user@example.com",
		SMTPPassword: "hunter2",
	}
}

// DeltaRecorder collects emitted deltas for assertions.
type DeltaRecorder struct {
	Deltas []store.Delta
}

func (r *DeltaRecorder) EmitDelta(d store.Delta) {
	r.Deltas = append(r.Deltas, d)
}

// OfClass returns the recorded deltas for one object class.
func (r *DeltaRecorder) OfClass(class string) []store.Delta {
	var out []store.Delta
	for _, d := range r.Deltas {
		if d.ObjectClass == class {
			out = append(out, d)
		}
	}
	return out
}

// CountOf returns how many deltas of the given class and type were recorded.
func (r *DeltaRecorder) CountOf(class, typ string) int {
	n := 0
	for _, d := range r.Deltas {
		if d.ObjectClass == class && d.Type == typ {
			n++
		}
	}
	return n
}
