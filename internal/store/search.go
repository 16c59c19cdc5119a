package store

import (
	"database/sql"
	"errors"
	"fmt"
)

// ThreadSearchRow returns the current FTS content of a thread's search row.
func (s *Store) ThreadSearchRow(rowID int64) (to, from, body string, err error) {
	err = s.execer().QueryRowx(
		"SELECT to_, from_, body FROM ThreadSearch WHERE rowid = ?", rowID).Scan(&to, &from, &body)
	if errors.Is(err, sql.ErrNoRows) {
		err = ErrNotFound
		return
	}
	if err != nil {
		err = fmt.Errorf("querying thread search row: %w", err)
	}
	return
}

// UpdateThreadSearch rewrites an existing thread search row.
func (s *Store) UpdateThreadSearch(rowID int64, to, from, body, categories string) error {
	_, err := s.execer().Exec(
		"UPDATE ThreadSearch SET to_ = ?, from_ = ?, body = ?, categories = ? WHERE rowid = ?",
		to, from, body, categories, rowID)
	if err != nil {
		return fmt.Errorf("updating thread search row: %w", err)
	}
	return nil
}

// InsertThreadSearch creates a thread search row and returns its rowid.
func (s *Store) InsertThreadSearch(to, from, body, categories, contentID string) (int64, error) {
	res, err := s.execer().Exec(
		"INSERT INTO ThreadSearch (to_, from_, body, categories, content_id) VALUES (?, ?, ?, ?, ?)",
		to, from, body, categories, contentID)
	if err != nil {
		return 0, fmt.Errorf("inserting thread search row: %w", err)
	}
	rowID, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("reading thread search rowid: %w", err)
	}
	return rowID, nil
}

// DeleteThreadSearch drops a thread's search row.
func (s *Store) DeleteThreadSearch(rowID int64) error {
	if rowID == 0 {
		return nil
	}
	_, err := s.execer().Exec("DELETE FROM ThreadSearch WHERE rowid = ?", rowID)
	if err != nil {
		return fmt.Errorf("deleting thread search row: %w", err)
	}
	return nil
}

// InsertContactSearch indexes a contact for autocomplete.
func (s *Store) InsertContactSearch(contentID, content string) error {
	_, err := s.execer().Exec(
		"INSERT INTO ContactSearch (content, content_id) VALUES (?, ?)", content, contentID)
	if err != nil {
		return fmt.Errorf("inserting contact search row: %w", err)
	}
	return nil
}
