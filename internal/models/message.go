package models

import (
	"encoding/json"
	"math"
)

// Sentinel remoteUID values marking a message as unlinked. A message carrying
// one of these has disappeared from its folder and will be deleted when the
// matching phase's delete pass runs, unless a scan re-observes it first.
const (
	UnlinkedUIDPhase1 = math.MaxUint32 - 1
	UnlinkedUIDPhase2 = math.MaxUint32 - 2
)

// UnlinkedUIDForPhase returns the sentinel remoteUID for an unlink phase.
func UnlinkedUIDForPhase(phase int) uint32 {
	if phase == 2 {
		return UnlinkedUIDPhase2
	}
	return UnlinkedUIDPhase1
}

// IsUnlinkedUID reports whether uid is one of the unlink sentinels.
func IsUnlinkedUID(uid uint32) bool {
	return uid == UnlinkedUIDPhase1 || uid == UnlinkedUIDPhase2
}

// Address is a single mailbox participant.
type Address struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email"`
}

// Message is one IMAP message pinned to exactly one folder at a time by
// (FolderID, FolderImapUID).
type Message struct {
	ID      string `json:"id"`
	AID     string `json:"aid"`
	Version int    `json:"v"`

	FolderID      string `json:"folderId"`
	FolderPath    string `json:"folderPath"`
	FolderImapUID uint32 `json:"folderImapUID"`
	RemoteUID     uint32 `json:"remoteUID"`

	ThreadID        string   `json:"threadId"`
	GmailMessageID  uint64   `json:"gMsgId,string,omitempty"`
	GmailThreadID   uint64   `json:"gThrId,string,omitempty"`
	HeaderMessageID string   `json:"headerMessageId"`
	Labels          []string `json:"labels,omitempty"`

	Subject string    `json:"subject"`
	Snippet string    `json:"snippet"`
	From    []Address `json:"from,omitempty"`
	To      []Address `json:"to,omitempty"`
	CC      []Address `json:"cc,omitempty"`
	BCC     []Address `json:"bcc,omitempty"`
	Date    int64     `json:"date"`

	Unread  bool `json:"unread"`
	Starred bool `json:"starred"`
	Draft   bool `json:"draft"`

	Files    []File `json:"files"`
	SyncedAt int64  `json:"syncedAt"`
}

func (m *Message) ModelID() string       { return m.ID }
func (m *Message) AccountID() string     { return m.AID }
func (m *Message) TableName() string     { return "Message" }
func (m *Message) ObjectClass() string   { return "Message" }
func (m *Message) ModelVersion() int     { return m.Version }
func (m *Message) SetModelVersion(v int) { m.Version = v }

func (m *Message) Columns() []string {
	return []string{"folderId", "folderImapUID", "remoteUID", "threadId", "gThrId", "headerMessageId", "date", "unread", "starred", "draft"}
}

func (m *Message) BindValues() []any {
	return []any{m.FolderID, m.FolderImapUID, m.RemoteUID, m.ThreadID, m.GmailThreadID, m.HeaderMessageID, m.Date, m.Unread, m.Starred, m.Draft}
}

// Unlinked reports whether this message is a deletion candidate.
func (m *Message) Unlinked() bool { return IsUnlinkedUID(m.RemoteUID) }

// LabelsJSON renders the label set for attribute comparison.
func (m *Message) LabelsJSON() string {
	b, _ := json.Marshal(m.Labels)
	return string(b)
}

// SentByUser reports whether the account owner authored this message.
func (m *Message) SentByUser(accountEmail string) bool {
	norm := NormalizeEmail(accountEmail)
	if norm == "" {
		return false
	}
	for _, a := range m.From {
		if NormalizeEmail(a.Email) == norm {
			return true
		}
	}
	return false
}
