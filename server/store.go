// Package server implements the table-controller side of the datasync
// wire contract: OData-filtered list queries with paging, conditional
// CRUD with strong ETags, and optional soft delete. It exists for
// self-hosted backends and for exercising the client engine end to end.
package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Storage errors.
var (
	ErrNotFound     = errors.New("row not found")
	ErrExists       = errors.New("row already exists")
	ErrInvalidTable = errors.New("invalid table name")
)

var validTable = regexp.MustCompile(`^[a-z][a-z0-9_]{0,63}$`)

// Row is one stored record with its system fields broken out of the
// document for conditional checks and delta filtering.
type Row struct {
	ID        string
	UpdatedAt time.Time
	Version   []byte
	Deleted   bool
	Fields    map[string]any
}

// newVersion mints an opaque version token; every server-side mutation
// gets a fresh one.
func newVersion() []byte {
	v := uuid.New()
	return v[:]
}

// Store persists table rows in SQLite, one physical table per logical
// table name, created lazily.
type Store struct {
	db *sql.DB

	mu      sync.Mutex
	tables  map[string]bool
	lastNow time.Time
}

// Now returns the current time at millisecond precision, strictly
// increasing across calls. updatedAt drives client delta filters, so
// two mutations must never share a timestamp.
func (s *Store) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := time.Now().UTC().Truncate(time.Millisecond)
	if !t.After(s.lastNow) {
		t = s.lastNow.Add(time.Millisecond)
	}
	s.lastNow = t
	return t
}

// OpenStore opens (creating if needed) the backing database. The path
// ":memory:" yields an ephemeral store for tests.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	// One connection: keeps ":memory:" databases coherent and leaves
	// write serialization to the pool instead of SQLITE_BUSY handling.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("execute %s: %w", pragma, err)
		}
	}
	return &Store{db: db, tables: make(map[string]bool)}, nil
}

// Close closes the backing database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) ensure(table string) error {
	if !validTable.MatchString(table) {
		return fmt.Errorf("%w: %q", ErrInvalidTable, table)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tables[table] {
		return nil
	}
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS tbl_` + table + ` (
			id         TEXT PRIMARY KEY,
			updated_at INTEGER NOT NULL,
			version    BLOB NOT NULL,
			deleted    INTEGER NOT NULL DEFAULT 0,
			data       TEXT NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("create table %s: %w", table, err)
	}
	s.tables[table] = true
	return nil
}

// List returns every row of table, soft-deleted ones included, ordered
// by updated_at then id for deterministic paging.
func (s *Store) List(ctx context.Context, table string) ([]Row, error) {
	if err := s.ensure(table); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, updated_at, version, deleted, data
		FROM tbl_`+table+`
		ORDER BY updated_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", table, err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		row, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// Get returns one row by id, soft-deleted or not.
func (s *Store) Get(ctx context.Context, table, id string) (*Row, error) {
	if err := s.ensure(table); err != nil {
		return nil, err
	}
	r := s.db.QueryRowContext(ctx, `
		SELECT id, updated_at, version, deleted, data
		FROM tbl_`+table+` WHERE id = ?`, id)
	row, err := scanRow(r)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, table, id)
		}
		return nil, err
	}
	return &row, nil
}

// Insert stores a new row; an existing id, soft-deleted or not, is a
// conflict.
func (s *Store) Insert(ctx context.Context, table string, row Row) error {
	if err := s.ensure(table); err != nil {
		return err
	}
	data, err := json.Marshal(row.Fields)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tbl_`+table+` (id, updated_at, version, deleted, data)
		VALUES (?, ?, ?, ?, ?)`,
		row.ID, row.UpdatedAt.UnixMilli(), row.Version, boolInt(row.Deleted), string(data))
	if err != nil {
		if isConstraintErr(err) {
			return fmt.Errorf("%w: %s/%s", ErrExists, table, row.ID)
		}
		return fmt.Errorf("insert %s/%s: %w", table, row.ID, err)
	}
	return nil
}

// Update overwrites an existing row.
func (s *Store) Update(ctx context.Context, table string, row Row) error {
	if err := s.ensure(table); err != nil {
		return err
	}
	data, err := json.Marshal(row.Fields)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE tbl_`+table+`
		SET updated_at = ?, version = ?, deleted = ?, data = ?
		WHERE id = ?`,
		row.UpdatedAt.UnixMilli(), row.Version, boolInt(row.Deleted), string(data), row.ID)
	if err != nil {
		return fmt.Errorf("update %s/%s: %w", table, row.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s/%s", ErrNotFound, table, row.ID)
	}
	return nil
}

// Delete removes a row outright.
func (s *Store) Delete(ctx context.Context, table, id string) error {
	if err := s.ensure(table); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM tbl_`+table+` WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", table, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s/%s", ErrNotFound, table, id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRow(r scannable) (Row, error) {
	var row Row
	var updatedMs int64
	var deleted int
	var data string
	if err := r.Scan(&row.ID, &updatedMs, &row.Version, &deleted, &data); err != nil {
		return Row{}, err
	}
	row.UpdatedAt = time.UnixMilli(updatedMs).UTC()
	row.Deleted = deleted != 0
	if err := json.Unmarshal([]byte(data), &row.Fields); err != nil {
		return Row{}, fmt.Errorf("decode row %s: %w", row.ID, err)
	}
	return row, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isConstraintErr(err error) bool {
	// modernc.org/sqlite reports constraint violations in the message;
	// matching on text avoids importing the driver's error types.
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint") ||
		strings.Contains(err.Error(), "constraint failed"))
}
