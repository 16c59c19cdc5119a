// Package models defines the entities persisted by the sync engine and the
// deterministic identity scheme shared with the client.
package models

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// Model is the capability set every persisted entity implements. The store
// uses it to map an entity onto its table: id, accountId, version and a data
// JSON column are implicit; Columns/BindValues cover the extra indexed
// columns used by queries.
type Model interface {
	ModelID() string
	AccountID() string
	TableName() string
	ObjectClass() string

	// ModelVersion is 0 for entities that have never been saved. The store
	// increments it on every save; a zero version produces an INSERT and a
	// non-zero version an UPDATE.
	ModelVersion() int
	SetModelVersion(v int)

	// Columns returns the indexed column names beyond id/accountId/version/data.
	Columns() []string
	// BindValues returns values for Columns, in the same order.
	BindValues() []any
}

// DeterministicID hashes the given identity parts into a stable id. The same
// parts always produce the same id, so concurrent discovery of one entity by
// two workers collides on the primary key instead of duplicating rows.
func DeterministicID(parts ...string) string {
	h := sha256.Sum256([]byte(strings.Join(parts, "\x00")))
	return hex.EncodeToString(h[:20])
}

// IDForFolder derives the stable id of a folder or label from its account and
// remote path. Renames produce a new identity.
func IDForFolder(accountID, path string) string {
	return DeterministicID("folder", accountID, path)
}

// IDForMessage derives the stable id of a message. Identity prefers the Gmail
// message id, then the Message-Id header, so the id survives folder moves and
// the same message discovered in two folders maps to one row. Messages with
// neither fall back to their folder-scoped position.
func IDForMessage(accountID, folderPath string, gmailMessageID uint64, headerMessageID string, uid uint32) string {
	if gmailMessageID != 0 {
		return DeterministicID("msg", accountID, fmt.Sprintf("g-%d", gmailMessageID))
	}
	if headerMessageID != "" {
		return DeterministicID("msg", accountID, headerMessageID)
	}
	return DeterministicID("msg", accountID, folderPath, fmt.Sprintf("u-%d", uid))
}

// IDForContact derives the stable id of a contact from its normalized email.
func IDForContact(accountID, email string) string {
	return DeterministicID("contact", accountID, NormalizeEmail(email))
}

// IDForFile derives the stable id of an attachment from its message and MIME
// part, the unique key of the File table.
func IDForFile(messageID, partID string) string {
	return DeterministicID("file", messageID, partID)
}

// NormalizeEmail lowercases and trims an address for use as a contact key.
// Returns "" for addresses that cannot identify a contact.
func NormalizeEmail(email string) string {
	email = strings.ToLower(strings.TrimSpace(email))
	if !strings.Contains(email, "@") {
		return ""
	}
	return email
}
