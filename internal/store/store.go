// Package store maps the engine's entities onto a per-account SQLite
// database and fans committed change deltas out to the UI channel.
//
// Each worker owns its own Store over the same database file; cross-thread
// serialization is the database's job (WAL plus a busy timeout), so a Store
// itself is not safe for concurrent use.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/tuksik/mailsync/internal/models"
)

// ErrNotFound is returned by Find when no row matches the query.
var ErrNotFound = errors.New("model not found")

// Delta describes one committed mutation, in the shape the UI consumes.
type Delta struct {
	Type        string            `json:"type"` // "persist" or "unpersist"
	ObjectClass string            `json:"objectClass"`
	Objects     []json.RawMessage `json:"objects"`
}

// DeltaSink receives deltas after their transaction durably commits. There is
// exactly one sink in production, the UI channel.
type DeltaSink interface {
	EmitDelta(d Delta)
}

// Store is a transactional mapping between entities and SQL tables.
type Store struct {
	db        *sqlx.DB
	observers []DeltaSink

	tx      *sqlx.Tx
	txDepth int
	pending []Delta
}

// Open opens (or creates) the database at dbPath, enables WAL mode and a busy
// timeout, and runs any pending schema migrations.
func Open(dbPath string) (*Store, error) {
	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=10000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("applying %q: %w", pragma, err)
		}
	}

	s := &Store{db: db}
	if err := s.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the raw handle for statements the entity mapping cannot express
// (FTS tables, joins, chunked deletes).
func (s *Store) DB() *sqlx.DB {
	return s.db
}

// AddObserver registers a delta sink.
func (s *Store) AddObserver(sink DeltaSink) {
	s.observers = append(s.observers, sink)
}

// ext is the handle surface shared by *sqlx.DB and *sqlx.Tx.
type ext interface {
	sqlx.Ext
	Prepare(query string) (*sql.Stmt, error)
}

// execer returns the open transaction if there is one, the bare handle
// otherwise.
func (s *Store) execer() ext {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

// BeginTransaction opens a transaction, or increments the nesting refcount if
// one is already open. Delta emission is deferred to the outermost commit.
func (s *Store) BeginTransaction() error {
	if s.txDepth == 0 {
		tx, err := s.db.Beginx()
		if err != nil {
			return fmt.Errorf("beginning transaction: %w", err)
		}
		s.tx = tx
	}
	s.txDepth++
	return nil
}

// CommitTransaction decrements the nesting refcount and commits at depth
// zero. Buffered deltas are emitted only after the commit succeeds, so
// observers never see state the database later rolls back.
func (s *Store) CommitTransaction() error {
	if s.txDepth == 0 {
		return fmt.Errorf("commit without matching begin")
	}
	s.txDepth--
	if s.txDepth > 0 {
		return nil
	}

	tx := s.tx
	s.tx = nil
	if err := tx.Commit(); err != nil {
		s.pending = nil
		return fmt.Errorf("committing transaction: %w", err)
	}

	deltas := s.pending
	s.pending = nil
	for _, d := range deltas {
		for _, o := range s.observers {
			o.EmitDelta(d)
		}
	}
	return nil
}

// RollbackTransaction aborts the open transaction at any nesting depth and
// discards buffered deltas.
func (s *Store) RollbackTransaction() {
	if s.tx != nil {
		_ = s.tx.Rollback()
	}
	s.tx = nil
	s.txDepth = 0
	s.pending = nil
}

// queueDelta buffers a delta for emission at the outermost commit.
func (s *Store) queueDelta(typ string, m models.Model) error {
	if len(s.observers) == 0 {
		return nil
	}
	obj, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshaling %s delta: %w", m.ObjectClass(), err)
	}
	s.pending = append(s.pending, Delta{
		Type:        typ,
		ObjectClass: m.ObjectClass(),
		Objects:     []json.RawMessage{obj},
	})
	return nil
}

// Save inserts the model if it has never been saved (version 0) or updates it
// otherwise, and queues a persist delta when emit is set. The insert path
// surfaces unique-constraint violations to the caller; see IsUniqueConstraint.
func (s *Store) Save(m models.Model, emit bool) error {
	implicit := s.tx == nil
	if implicit {
		if err := s.BeginTransaction(); err != nil {
			return err
		}
	}

	err := s.saveInTx(m, emit)
	if err != nil {
		if implicit {
			s.RollbackTransaction()
		}
		return err
	}

	if implicit {
		return s.CommitTransaction()
	}
	return nil
}

func (s *Store) saveInTx(m models.Model, emit bool) error {
	insert := m.ModelVersion() == 0
	m.SetModelVersion(m.ModelVersion() + 1)

	data, err := json.Marshal(m)
	if err != nil {
		m.SetModelVersion(m.ModelVersion() - 1)
		return fmt.Errorf("marshaling %s %s: %w", m.ObjectClass(), m.ModelID(), err)
	}

	cols := m.Columns()
	vals := m.BindValues()

	if insert {
		names := append([]string{"id", "accountId", "version", "data"}, cols...)
		args := append([]any{m.ModelID(), m.AccountID(), m.ModelVersion(), string(data)}, vals...)
		q := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
			m.TableName(), strings.Join(names, ", "), placeholders(len(names)))
		if _, err := s.execer().Exec(q, args...); err != nil {
			m.SetModelVersion(m.ModelVersion() - 1)
			return err
		}
	} else {
		sets := []string{"version = ?", "data = ?"}
		args := []any{m.ModelVersion(), string(data)}
		for i, c := range cols {
			sets = append(sets, c+" = ?")
			args = append(args, vals[i])
		}
		args = append(args, m.ModelID())
		q := fmt.Sprintf("UPDATE %s SET %s WHERE id = ?", m.TableName(), strings.Join(sets, ", "))
		if _, err := s.execer().Exec(q, args...); err != nil {
			m.SetModelVersion(m.ModelVersion() - 1)
			return err
		}
	}

	if emit {
		return s.queueDelta("persist", m)
	}
	return nil
}

// Remove deletes the model and queues an unpersist delta.
func (s *Store) Remove(m models.Model) error {
	implicit := s.tx == nil
	if implicit {
		if err := s.BeginTransaction(); err != nil {
			return err
		}
	}

	q := fmt.Sprintf("DELETE FROM %s WHERE id = ?", m.TableName())
	_, err := s.execer().Exec(q, m.ModelID())
	if err == nil {
		err = s.queueDelta("unpersist", m)
	}
	if err != nil {
		if implicit {
			s.RollbackTransaction()
		}
		return fmt.Errorf("removing %s %s: %w", m.ObjectClass(), m.ModelID(), err)
	}

	if implicit {
		return s.CommitTransaction()
	}
	return nil
}

// ModelPtr constrains a pointer-to-entity type for the generic finders.
type ModelPtr[T any] interface {
	*T
	models.Model
}

// Find returns the single entity matching q, or ErrNotFound.
func Find[T any, P ModelPtr[T]](s *Store, q Query) (*T, error) {
	q = q.Limit(1)
	all, err := FindAll[T, P](s, q)
	if err != nil {
		return nil, err
	}
	if len(all) == 0 {
		return nil, ErrNotFound
	}
	return all[0], nil
}

// FindAll returns every entity matching q, hydrated from its data column.
func FindAll[T any, P ModelPtr[T]](s *Store, q Query) ([]*T, error) {
	var probe T
	table := P(&probe).TableName()

	where, args := q.build()
	stmt := fmt.Sprintf("SELECT data, version FROM %s%s", table, where)

	rows, err := s.execer().Queryx(stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("querying %s: %w", table, err)
	}
	defer rows.Close()

	var out []*T
	for rows.Next() {
		var data string
		var version int
		if err := rows.Scan(&data, &version); err != nil {
			return nil, fmt.Errorf("scanning %s row: %w", table, err)
		}
		item := new(T)
		if err := json.Unmarshal([]byte(data), item); err != nil {
			return nil, fmt.Errorf("hydrating %s row: %w", table, err)
		}
		P(item).SetModelVersion(version)
		out = append(out, item)
	}
	return out, rows.Err()
}

// FindAllMap returns the matching entities keyed by id.
func FindAllMap[T any, P ModelPtr[T]](s *Store, q Query) (map[string]*T, error) {
	all, err := FindAll[T, P](s, q)
	if err != nil {
		return nil, err
	}
	out := make(map[string]*T, len(all))
	for _, item := range all {
		out[P(item).ModelID()] = item
	}
	return out, nil
}

// IsUniqueConstraint reports whether err is a unique or primary-key
// constraint violation, the one DB error insertFallbackToUpdate suppresses.
// When the driver reports only the primary result code, the kind of
// constraint cannot be told apart and every constraint violation matches.
func IsUniqueConstraint(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	code := se.Code()
	if code&0xff != sqlite3.SQLITE_CONSTRAINT {
		return false
	}
	if code == sqlite3.SQLITE_CONSTRAINT {
		return true
	}
	return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
