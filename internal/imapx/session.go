// Package imapx wraps the IMAP wire protocol behind the session surface the
// sync engine consumes: folder listing, UID-ranged fetch, CONDSTORE sync,
// IDLE, and message-body fetch.
package imapx

import (
	"strings"
	"time"
)

// RemoteFolder is one mailbox reported by LIST.
type RemoteFolder struct {
	Path       string
	Attributes []string
}

// NoSelect reports whether the folder cannot be selected and must be skipped.
func (f RemoteFolder) NoSelect() bool {
	for _, a := range f.Attributes {
		if strings.EqualFold(a, "\\Noselect") {
			return true
		}
	}
	return false
}

// FolderStatus is the STATUS snapshot of one folder.
type FolderStatus struct {
	UIDNext       uint32
	UIDValidity   uint32
	HighestModSeq uint64
	MessageCount  uint32
}

// Address is a message participant.
type Address struct {
	Name  string
	Email string
}

// RemoteMessage carries the observable attributes of one message: headers,
// flags, and Gmail extension fields when the server provides them.
type RemoteMessage struct {
	UID   uint32
	Flags []string

	GmailLabels    []string
	GmailMessageID uint64
	GmailThreadID  uint64

	Subject    string
	MessageID  string
	References []string
	Date       time.Time

	From []Address
	To   []Address
	CC   []Address
	BCC  []Address
}

// Unread reports the absence of \Seen.
func (m *RemoteMessage) Unread() bool { return !m.hasFlag("\\Seen") }

// Starred reports \Flagged.
func (m *RemoteMessage) Starred() bool { return m.hasFlag("\\Flagged") }

// Draft reports \Draft.
func (m *RemoteMessage) Draft() bool { return m.hasFlag("\\Draft") }

func (m *RemoteMessage) hasFlag(flag string) bool {
	for _, f := range m.Flags {
		if strings.EqualFold(f, flag) {
			return true
		}
	}
	return false
}

// SyncResult is the outcome of a CONDSTORE sync. VanishedReported is true
// only when the server enumerated deleted UIDs (QRESYNC); otherwise deletion
// detection falls to the caller's shallow scan.
type SyncResult struct {
	ModifiedOrAdded  []*RemoteMessage
	Vanished         []uint32
	VanishedReported bool
}

// Session is one IMAP connection. Each worker owns its own session; sessions
// are not shared across threads, except for InterruptIdle which may be called
// from any thread to break an Idle in progress.
type Session interface {
	Connect() error
	Close() error

	SupportsCondstore() bool
	SupportsQResync() bool
	IsGmail() bool

	ListFolders() ([]RemoteFolder, error)
	FolderStatus(path string) (FolderStatus, error)

	// FetchRange returns headers, flags and Gmail attributes for every
	// message with UID in [lo, hi).
	FetchRange(path string, lo, hi uint32) ([]*RemoteMessage, error)

	// SyncChanges returns every message changed or added since sinceModSeq.
	SyncChanges(path string, sinceModSeq uint64) (*SyncResult, error)

	// FetchBody returns the full RFC 822 source of one message.
	FetchBody(path string, uid uint32) ([]byte, error)

	// Idle blocks on the folder until the server notifies, the call times
	// out, or InterruptIdle is invoked from another thread.
	Idle(path string) error
	InterruptIdle()

	AddFlags(path string, uids []uint32, flags []string) error
	RemoveFlags(path string, uids []uint32, flags []string) error
	AddLabels(path string, uids []uint32, labels []string) error
	RemoveLabels(path string, uids []uint32, labels []string) error
	MoveMessages(path string, uids []uint32, destPath string) error
}
