package models

import "strings"

// Folder roles, in the order the background worker scans them.
const (
	RoleInbox   = "inbox"
	RoleSent    = "sent"
	RoleDrafts  = "drafts"
	RoleAll     = "all"
	RoleArchive = "archive"
	RoleTrash   = "trash"
	RoleSpam    = "spam"
	RoleNone    = "none"
)

// RoleOrder is the scan priority of folder roles; unknown roles sort last.
var RoleOrder = []string{RoleInbox, RoleSent, RoleDrafts, RoleAll, RoleArchive, RoleTrash, RoleSpam}

// RoleRank returns the scan priority of a role, lower scanning first.
func RoleRank(role string) int {
	for i, r := range RoleOrder {
		if r == role {
			return i
		}
	}
	return len(RoleOrder)
}

// RoleForPath guesses a role from special-use attributes and well-known path
// names reported by the server.
func RoleForPath(path string, attrs []string) string {
	for _, a := range attrs {
		switch strings.ToLower(a) {
		case "\\inbox":
			return RoleInbox
		case "\\sent":
			return RoleSent
		case "\\drafts":
			return RoleDrafts
		case "\\all":
			return RoleAll
		case "\\archive":
			return RoleArchive
		case "\\trash":
			return RoleTrash
		case "\\junk":
			return RoleSpam
		}
	}
	leaf := strings.ToLower(path)
	if i := strings.LastIndexAny(leaf, "/."); i >= 0 {
		leaf = leaf[i+1:]
	}
	switch leaf {
	case "inbox":
		return RoleInbox
	case "sent", "sent items", "sent mail":
		return RoleSent
	case "drafts":
		return RoleDrafts
	case "archive":
		return RoleArchive
	case "trash", "deleted items":
		return RoleTrash
	case "spam", "junk":
		return RoleSpam
	}
	return RoleNone
}

// LocalStatus is the per-folder sync cursor. A zero UIDValidity means the
// folder has never been seeded.
type LocalStatus struct {
	UIDValidity   uint32 `json:"uidvalidity"`
	UIDNext       uint32 `json:"uidnext"`
	HighestModSeq uint64 `json:"highestmodseq"`
	FullScanHead  uint32 `json:"fullScanHead"`
	FullScanTime  int64  `json:"fullScanTime"`
}

// Folder is a selectable remote mailbox.
type Folder struct {
	ID        string      `json:"id"`
	AID       string      `json:"aid"`
	Version   int         `json:"v"`
	Path      string      `json:"path"`
	Role      string      `json:"role"`
	Status    LocalStatus `json:"localStatus"`
}

func (f *Folder) ModelID() string       { return f.ID }
func (f *Folder) AccountID() string     { return f.AID }
func (f *Folder) TableName() string     { return "Folder" }
func (f *Folder) ObjectClass() string   { return "Folder" }
func (f *Folder) ModelVersion() int     { return f.Version }
func (f *Folder) SetModelVersion(v int) { f.Version = v }
func (f *Folder) Columns() []string     { return []string{"path", "role"} }
func (f *Folder) BindValues() []any     { return []any{f.Path, f.Role} }

// Label is a Gmail label: a remote mailbox demoted from folder status because
// the all-mail folder covers its messages. Same shape, separate table.
type Label struct {
	ID      string      `json:"id"`
	AID     string      `json:"aid"`
	Version int         `json:"v"`
	Path    string      `json:"path"`
	Role    string      `json:"role"`
	Status  LocalStatus `json:"localStatus"`
}

func (l *Label) ModelID() string       { return l.ID }
func (l *Label) AccountID() string     { return l.AID }
func (l *Label) TableName() string     { return "Label" }
func (l *Label) ObjectClass() string   { return "Label" }
func (l *Label) ModelVersion() int     { return l.Version }
func (l *Label) SetModelVersion(v int) { l.Version = v }
func (l *Label) Columns() []string     { return []string{"path", "role"} }
func (l *Label) BindValues() []any     { return []any{l.Path, l.Role} }
