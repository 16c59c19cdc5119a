package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tuksik/mailsync/internal/models"
)

// MessagesInUIDRange returns the folder's local messages with
// folderImapUID in [lo, hi), keyed by UID.
func (s *Store) MessagesInUIDRange(folderID string, lo, hi uint32) (map[uint32]*models.Message, error) {
	rows, err := s.execer().Queryx(
		"SELECT data, version FROM Message WHERE folderId = ? AND folderImapUID >= ? AND folderImapUID < ?",
		folderID, lo, hi)
	if err != nil {
		return nil, fmt.Errorf("querying messages in range: %w", err)
	}
	defer rows.Close()

	out := make(map[uint32]*models.Message)
	for rows.Next() {
		var data string
		var version int
		if err := rows.Scan(&data, &version); err != nil {
			return nil, fmt.Errorf("scanning message row: %w", err)
		}
		var m models.Message
		if err := json.Unmarshal([]byte(data), &m); err != nil {
			return nil, fmt.Errorf("hydrating message row: %w", err)
		}
		m.Version = version
		out[m.FolderImapUID] = &m
	}
	return out, rows.Err()
}

// MessageUIDAtDepth returns the UID of the folder's depth-th newest message
// below before, or 1 if the folder holds fewer messages. The shallow scan
// uses it as its bottom bound; UIDs are the only reliable head pointer since
// message counts lie on Gmail.
func (s *Store) MessageUIDAtDepth(folderID string, depth int, before uint32) (uint32, error) {
	var uid uint32
	err := s.execer().QueryRowx(
		"SELECT folderImapUID FROM Message WHERE folderId = ? AND folderImapUID < ? ORDER BY folderImapUID DESC LIMIT 1 OFFSET ?",
		folderID, before, depth).Scan(&uid)
	if errors.Is(err, sql.ErrNoRows) {
		return 1, nil
	}
	if err != nil {
		return 0, fmt.Errorf("querying uid at depth: %w", err)
	}
	return uid, nil
}

// SaveMessageBody writes the rendered HTML for a message, replacing any
// existing row.
func (s *Store) SaveMessageBody(messageID, html string) error {
	_, err := s.execer().Exec(
		"REPLACE INTO MessageBody (id, value, fetchedAt) VALUES (?, ?, datetime('now'))",
		messageID, html)
	if err != nil {
		return fmt.Errorf("saving message body: %w", err)
	}
	return nil
}

// MessageBody returns the stored HTML for a message, or ErrNotFound.
func (s *Store) MessageBody(messageID string) (string, error) {
	var value sql.NullString
	err := s.execer().QueryRowx("SELECT value FROM MessageBody WHERE id = ?", messageID).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && !value.Valid) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("querying message body: %w", err)
	}
	return value.String, nil
}

// RemoveMessageBody deletes the stored body for a message, if any.
func (s *Store) RemoveMessageBody(messageID string) error {
	_, err := s.execer().Exec("DELETE FROM MessageBody WHERE id = ?", messageID)
	if err != nil {
		return fmt.Errorf("removing message body: %w", err)
	}
	return nil
}

// MessagesNeedingBodies returns up to limit of the folder's newest messages
// that have no stored body and are either newer than since or drafts.
func (s *Store) MessagesNeedingBodies(folderID string, since int64, limit int) ([]*models.Message, error) {
	rows, err := s.execer().Queryx(`
		SELECT Message.data, Message.version FROM Message
		LEFT JOIN MessageBody ON MessageBody.id = Message.id
		WHERE Message.folderId = ? AND (Message.date > ? OR Message.draft = 1) AND MessageBody.value IS NULL
		ORDER BY Message.date DESC LIMIT ?`,
		folderID, since, limit)
	if err != nil {
		return nil, fmt.Errorf("querying messages needing bodies: %w", err)
	}
	defer rows.Close()

	var out []*models.Message
	for rows.Next() {
		var data string
		var version int
		if err := rows.Scan(&data, &version); err != nil {
			return nil, fmt.Errorf("scanning message row: %w", err)
		}
		var m models.Message
		if err := json.Unmarshal([]byte(data), &m); err != nil {
			return nil, fmt.Errorf("hydrating message row: %w", err)
		}
		m.Version = version
		out = append(out, &m)
	}
	return out, rows.Err()
}

// UpsertThreadReferences maps the message's own Message-Id plus its reference
// chain into threadID. One prepared statement serves the whole loop; every
// Exec rebinds all three parameters, so no reset-preserves-bindings subtlety
// applies here.
func (s *Store) UpsertThreadReferences(threadID, accountID, headerMessageID string, references []string) error {
	prepared, err := s.execer().Prepare(
		"INSERT OR IGNORE INTO ThreadReference (threadId, accountId, headerMessageId) VALUES (?, ?, ?)")
	if err != nil {
		return fmt.Errorf("preparing thread reference upsert: %w", err)
	}
	defer prepared.Close()

	if headerMessageID != "" {
		if _, err := prepared.Exec(threadID, accountID, headerMessageID); err != nil {
			return fmt.Errorf("upserting thread reference: %w", err)
		}
	}

	limit := len(references)
	if limit > 100 {
		limit = 100
	}
	for _, ref := range references[:limit] {
		if ref == "" {
			continue
		}
		if _, err := prepared.Exec(threadID, accountID, ref); err != nil {
			return fmt.Errorf("upserting thread reference: %w", err)
		}
	}
	return nil
}

// ThreadForReferences returns the thread already holding any of the given
// header Message-Ids, or ErrNotFound.
func (s *Store) ThreadForReferences(accountID string, headerMessageIDs []string) (*models.Thread, error) {
	if len(headerMessageIDs) == 0 {
		return nil, ErrNotFound
	}
	args := make([]any, 0, len(headerMessageIDs)+1)
	args = append(args, accountID)
	for _, id := range headerMessageIDs {
		args = append(args, id)
	}

	var data string
	var version int
	err := s.execer().QueryRowx(fmt.Sprintf(`
		SELECT Thread.data, Thread.version FROM Thread
		INNER JOIN ThreadReference ON ThreadReference.threadId = Thread.id
		WHERE ThreadReference.accountId = ? AND ThreadReference.headerMessageId IN (%s)
		LIMIT 1`, placeholders(len(headerMessageIDs))), args...).Scan(&data, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying thread by references: %w", err)
	}

	var t models.Thread
	if err := json.Unmarshal([]byte(data), &t); err != nil {
		return nil, fmt.Errorf("hydrating thread row: %w", err)
	}
	t.Version = version
	return &t, nil
}

// RemoveThreadReferences drops every reference row pointing at threadID.
func (s *Store) RemoveThreadReferences(threadID string) error {
	_, err := s.execer().Exec("DELETE FROM ThreadReference WHERE threadId = ?", threadID)
	if err != nil {
		return fmt.Errorf("removing thread references: %w", err)
	}
	return nil
}

// EnsureThreadCounts creates the counts row for a folder or label.
func (s *Store) EnsureThreadCounts(categoryID string) error {
	_, err := s.execer().Exec(
		"INSERT OR IGNORE INTO ThreadCounts (categoryId, unread, total) VALUES (?, 0, 0)", categoryID)
	if err != nil {
		return fmt.Errorf("ensuring thread counts: %w", err)
	}
	return nil
}

// RemoveThreadCounts drops the counts row of a deleted folder or label.
func (s *Store) RemoveThreadCounts(categoryID string) error {
	_, err := s.execer().Exec("DELETE FROM ThreadCounts WHERE categoryId = ?", categoryID)
	if err != nil {
		return fmt.Errorf("removing thread counts: %w", err)
	}
	return nil
}

// RecomputeThreadCounts rewrites the counts row of a category from the
// current message rows. Runs inside the caller's transaction.
func (s *Store) RecomputeThreadCounts(categoryID string) error {
	_, err := s.execer().Exec(`
		INSERT OR REPLACE INTO ThreadCounts (categoryId, unread, total)
		SELECT ?,
			COUNT(DISTINCT CASE WHEN unread = 1 THEN threadId END),
			COUNT(DISTINCT threadId)
		FROM Message WHERE folderId = ?`,
		categoryID, categoryID)
	if err != nil {
		return fmt.Errorf("recomputing thread counts: %w", err)
	}
	return nil
}

// ThreadCounts returns the (unread, total) pair for a category.
func (s *Store) ThreadCounts(categoryID string) (int, int, error) {
	var unread, total int
	err := s.execer().QueryRowx(
		"SELECT unread, total FROM ThreadCounts WHERE categoryId = ?", categoryID).Scan(&unread, &total)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, 0, ErrNotFound
	}
	if err != nil {
		return 0, 0, fmt.Errorf("querying thread counts: %w", err)
	}
	return unread, total, nil
}

// ThreadAggregates recomputes a thread's denormalized fields from its
// messages. Returns ErrNotFound when the thread has no messages left.
func (s *Store) ThreadAggregates(threadID string) (unread, total int, firstAt, lastAt int64, categories []string, err error) {
	row := s.execer().QueryRowx(`
		SELECT COUNT(*), COALESCE(SUM(unread), 0), COALESCE(MIN(date), 0), COALESCE(MAX(date), 0)
		FROM Message WHERE threadId = ?`, threadID)
	if err = row.Scan(&total, &unread, &firstAt, &lastAt); err != nil {
		err = fmt.Errorf("aggregating thread: %w", err)
		return
	}
	if total == 0 {
		err = ErrNotFound
		return
	}

	rows, qerr := s.execer().Queryx(
		"SELECT DISTINCT folderId FROM Message WHERE threadId = ?", threadID)
	if qerr != nil {
		err = fmt.Errorf("querying thread categories: %w", qerr)
		return
	}
	defer rows.Close()
	for rows.Next() {
		var cat string
		if err = rows.Scan(&cat); err != nil {
			err = fmt.Errorf("scanning thread category: %w", err)
			return
		}
		categories = append(categories, cat)
	}
	err = rows.Err()
	return
}
