package models

import "strings"

// Thread groups messages. It exists as long as it has at least one message;
// removing the last message deletes the thread. Counts are denormalized and
// recomputed inside the transaction that changes its messages.
type Thread struct {
	ID      string `json:"id"`
	AID     string `json:"aid"`
	Version int    `json:"v"`

	GmailThreadID uint64 `json:"gThrId,string,omitempty"`
	Subject       string `json:"subject"`

	Unread int `json:"unread"`
	Total  int `json:"total"`

	// Categories is the set of folder ids the thread's messages occupy; Gmail
	// labels are not included.
	Categories []string `json:"categories"`

	FirstMessageAt int64 `json:"firstMessageTimestamp"`
	LastMessageAt  int64 `json:"lastMessageTimestamp"`

	// SearchRowID is the rowid of this thread's ThreadSearch FTS row, or 0 if
	// the thread has not been indexed yet.
	SearchRowID int64 `json:"searchRowId,omitempty"`
}

func (t *Thread) ModelID() string       { return t.ID }
func (t *Thread) AccountID() string     { return t.AID }
func (t *Thread) TableName() string     { return "Thread" }
func (t *Thread) ObjectClass() string   { return "Thread" }
func (t *Thread) ModelVersion() int     { return t.Version }
func (t *Thread) SetModelVersion(v int) { t.Version = v }

func (t *Thread) Columns() []string {
	return []string{"gThrId", "subject", "unread", "lastMessageTimestamp"}
}

func (t *Thread) BindValues() []any {
	return []any{t.GmailThreadID, t.Subject, t.Unread, t.LastMessageAt}
}

// CategoriesSearchString renders the category ids for the FTS index.
func (t *Thread) CategoriesSearchString() string {
	return strings.Join(t.Categories, " ")
}

// ThreadReference maps one known Message-Id (a message's own, or any entry in
// its references chain) into its thread, so future arrivals reconcile.
type ThreadReference struct {
	ThreadID        string
	AccountID       string
	HeaderMessageID string
}
