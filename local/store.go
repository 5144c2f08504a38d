// Package local owns the client-side persistent state of the datasync
// engine: the entity tables, the operations queue, the delta-token
// metadata and the change capture that feeds local edits into the
// queue. Everything lives in one SQLite database colocated with the
// application's data.
package local

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/marcus/datasync/entity"
	"github.com/marcus/datasync/migrations"
)

// Option configures a Store.
type Option func(*Store)

// WithIDGenerator overrides the id generator used for entities saved
// without an id.
func WithIDGenerator(gen entity.IDGenerator) Option {
	return func(s *Store) { s.idgen = gen }
}

// WithLogger attaches a logger; the default discards everything.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// trackedChange is one dirty entity awaiting commit.
type trackedChange struct {
	kind       Kind
	entityType string
	itemID     string
	version    []byte
	updatedAt  time.Time
	payload    []byte
}

// Store is the engine's local database handle. Save and Remove track
// changes in memory; Commit flushes rows and feeds the operations
// queue under the synchronization lock.
type Store struct {
	db       *sql.DB
	registry *entity.Registry
	idgen    entity.IDGenerator
	logger   zerolog.Logger
	lock     *Lock

	changes []trackedChange
}

// Open opens (creating if needed) the SQLite database at path, applies
// the engine migrations and ensures a table per registered entity
// type.
func Open(path string, registry *entity.Registry, opts ...Option) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// Single connection: sqlite allows one writer and the engine's
	// workers all funnel through this handle.
	db.SetMaxOpenConns(1)
	store, err := New(db, registry, opts...)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// New wraps an already-open database. The caller keeps ownership of db
// only until New returns successfully; Close closes it.
func New(db *sql.DB, registry *entity.Registry, opts ...Option) (*Store, error) {
	s := &Store{
		db:       db,
		registry: registry,
		idgen:    entity.DefaultIDGenerator,
		logger:   zerolog.Nop(),
		lock:     NewLock(),
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := enablePragmas(db); err != nil {
		return nil, err
	}
	if err := runMigrations(db); err != nil {
		return nil, err
	}
	if err := s.ensureEntityTables(); err != nil {
		return nil, err
	}
	return s, nil
}

func enablePragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA synchronous=NORMAL",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %s: %w", pragma, err)
		}
	}
	return nil
}

func runMigrations(db *sql.DB) error {
	goose.SetLogger(goose.NopLogger())
	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("sqlite"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}
	if err := goose.Up(db, "."); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

func (s *Store) ensureEntityTables() error {
	for _, name := range s.registry.Names() {
		table := tableName(name)
		_, err := s.db.Exec(`
			CREATE TABLE IF NOT EXISTS ` + table + ` (
				id         TEXT PRIMARY KEY,
				updated_at INTEGER NOT NULL DEFAULT 0,
				version    BLOB,
				data       TEXT NOT NULL
			)`)
		if err != nil {
			return fmt.Errorf("create table %s: %w", table, err)
		}
	}
	return nil
}

// tableName maps an entity type name to its local table.
func tableName(entityType string) string {
	var sb strings.Builder
	sb.WriteString("datasync_data_")
	for _, r := range strings.ToLower(entityType) {
		if r >= 'a' && r <= 'z' || r >= '0' && r <= '9' {
			sb.WriteRune(r)
		} else {
			sb.WriteByte('_')
		}
	}
	return sb.String()
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying connection for queue and delta-token
// helpers that join the store's state.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Lock returns the synchronization lock gating this store.
func (s *Store) Lock() *Lock {
	return s.lock
}

// Registry returns the entity type registry.
func (s *Store) Registry() *entity.Registry {
	return s.registry
}

// Get loads one entity by id. Returns ErrRowNotFound when absent.
func (s *Store) Get(ctx context.Context, entityType, id string) (entity.Accessor, error) {
	desc, err := s.registry.Lookup(entityType)
	if err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT updated_at, version, data FROM `+tableName(entityType)+` WHERE id = ?`, id)
	var updatedMs int64
	var version []byte
	var data string
	if err := row.Scan(&updatedMs, &version, &data); err != nil {
		if isNoRows(err) {
			return nil, fmt.Errorf("%w: %s/%s", ErrRowNotFound, entityType, id)
		}
		return nil, fmt.Errorf("get %s/%s: %w", entityType, id, err)
	}
	a, err := desc.Decode([]byte(data))
	if err != nil {
		return nil, err
	}
	props := a.Properties()
	props.ID = id
	props.UpdatedAt = entity.NewTimestamp(time.UnixMilli(updatedMs).UTC())
	props.Version = version
	return a, nil
}

// Save tracks a local create or update. The row and the queued
// operation materialize at Commit. Entities without an id get one from
// the configured generator.
func (s *Store) Save(ctx context.Context, entityType string, a entity.Accessor) error {
	desc, err := s.registry.Lookup(entityType)
	if err != nil {
		return err
	}
	props := a.Properties()
	if props.ID == "" {
		props.ID = s.idgen()
	}
	payload, err := desc.Encode(a)
	if err != nil {
		return err
	}

	change := trackedChange{
		entityType: entityType,
		itemID:     props.ID,
		version:    props.Version,
		updatedAt:  props.UpdatedAt.Time,
		payload:    payload,
	}

	if prev := s.findTracked(entityType, props.ID); prev != nil {
		switch prev.kind {
		case KindAdd:
			change.kind = KindAdd
		default:
			change.kind = KindReplace
		}
		*prev = change
		return nil
	}

	exists, err := s.rowExists(ctx, entityType, props.ID)
	if err != nil {
		return err
	}
	if exists {
		change.kind = KindReplace
	} else {
		change.kind = KindAdd
	}
	s.changes = append(s.changes, change)
	return nil
}

// Remove tracks a local deletion. The entity must exist locally or be
// tracked in the current batch.
func (s *Store) Remove(ctx context.Context, entityType, id string) error {
	if _, err := s.registry.Lookup(entityType); err != nil {
		return err
	}

	if prev := s.findTracked(entityType, id); prev != nil {
		if prev.kind == KindAdd {
			// Created and deleted in the same batch; nothing to do.
			s.dropTracked(entityType, id)
			return nil
		}
		prev.kind = KindDelete
		prev.payload = nil
		return nil
	}

	a, err := s.Get(ctx, entityType, id)
	if err != nil {
		return err
	}
	s.changes = append(s.changes, trackedChange{
		kind:       KindDelete,
		entityType: entityType,
		itemID:     id,
		version:    a.Properties().Version,
	})
	return nil
}

func (s *Store) findTracked(entityType, id string) *trackedChange {
	for i := range s.changes {
		if s.changes[i].entityType == entityType && s.changes[i].itemID == id {
			return &s.changes[i]
		}
	}
	return nil
}

func (s *Store) dropTracked(entityType, id string) {
	for i := range s.changes {
		if s.changes[i].entityType == entityType && s.changes[i].itemID == id {
			s.changes = append(s.changes[:i], s.changes[i+1:]...)
			return
		}
	}
}

func (s *Store) rowExists(ctx context.Context, entityType, id string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM `+tableName(entityType)+` WHERE id = ?`, id).Scan(&one)
	if err != nil {
		if isNoRows(err) {
			return false, nil
		}
		return false, fmt.Errorf("check %s/%s: %w", entityType, id, err)
	}
	return true, nil
}

// TrackedChanges reports how many dirty entities await commit.
func (s *Store) TrackedChanges() int {
	return len(s.changes)
}

// Commit flushes tracked changes to the entity tables and records each
// one in the operations queue, coalescing against pending operations.
// Runs under the synchronization lock.
func (s *Store) Commit(ctx context.Context) error {
	return s.commit(ctx, true)
}

// CommitServiceInitiated flushes tracked changes without touching the
// operations queue. The push engine uses this path to write back
// server-authoritative copies so they are not re-queued as local
// edits.
func (s *Store) CommitServiceInitiated(ctx context.Context) error {
	return s.commit(ctx, false)
}

func (s *Store) commit(ctx context.Context, updateQueue bool) error {
	if len(s.changes) == 0 {
		return nil
	}
	for _, c := range s.changes {
		if err := entity.ValidateID(c.itemID); err != nil {
			return err
		}
	}

	if err := s.lock.Acquire(ctx); err != nil {
		return err
	}
	defer s.lock.Release()
	return s.commitLocked(ctx, updateQueue)
}

// commitLocked performs the commit with the synchronization lock
// already held by the caller.
func (s *Store) commitLocked(ctx context.Context, updateQueue bool) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin commit tx: %w", err)
	}
	defer tx.Rollback()

	for _, c := range s.changes {
		if err := s.applyChange(ctx, tx, c); err != nil {
			return err
		}
		if !updateQueue {
			continue
		}
		var item []byte
		if c.kind != KindDelete {
			item = c.payload
		}
		if err := Enqueue(ctx, tx, c.kind, c.entityType, c.itemID, c.version, item); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit changes: %w", err)
	}
	s.logger.Debug().Int("changes", len(s.changes)).Bool("queued", updateQueue).Msg("committed batch")
	s.changes = s.changes[:0]
	return nil
}

func (s *Store) applyChange(ctx context.Context, tx DBTX, c trackedChange) error {
	if c.kind == KindDelete {
		_, err := tx.ExecContext(ctx,
			`DELETE FROM `+tableName(c.entityType)+` WHERE id = ?`, c.itemID)
		if err != nil {
			return fmt.Errorf("delete row %s/%s: %w", c.entityType, c.itemID, err)
		}
		return nil
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO `+tableName(c.entityType)+` (id, updated_at, version, data)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET updated_at = excluded.updated_at,
			version = excluded.version, data = excluded.data`,
		c.itemID, c.updatedAt.UnixMilli(), c.version, string(c.payload))
	if err != nil {
		return fmt.Errorf("upsert row %s/%s: %w", c.entityType, c.itemID, err)
	}
	return nil
}

// ApplyServerEntity replaces the local row with a server-authoritative
// payload, dropping any fields the local type does not declare. The
// caller must hold the synchronization lock.
func (s *Store) ApplyServerEntity(ctx context.Context, db DBTX, entityType string, payload []byte) (entity.Accessor, error) {
	desc, err := s.registry.Lookup(entityType)
	if err != nil {
		return nil, err
	}
	a, err := desc.Decode(payload)
	if err != nil {
		return nil, err
	}
	props := a.Properties()
	if props.ID == "" {
		return nil, fmt.Errorf("%w: server payload without id", entity.ErrInvalidID)
	}
	normalized, err := desc.Encode(a)
	if err != nil {
		return nil, err
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO `+tableName(entityType)+` (id, updated_at, version, data)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET updated_at = excluded.updated_at,
			version = excluded.version, data = excluded.data`,
		props.ID, props.UpdatedAt.UnixMilli(), props.Version, string(normalized))
	if err != nil {
		return nil, fmt.Errorf("apply server entity %s/%s: %w", entityType, props.ID, err)
	}
	return a, nil
}

// ApplyServerDelete removes the local row for a server-side deletion.
// Absent rows are a no-op. The caller must hold the synchronization
// lock.
func (s *Store) ApplyServerDelete(ctx context.Context, db DBTX, entityType, id string) error {
	if _, err := s.registry.Lookup(entityType); err != nil {
		return err
	}
	_, err := db.ExecContext(ctx,
		`DELETE FROM `+tableName(entityType)+` WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("apply server delete %s/%s: %w", entityType, id, err)
	}
	return nil
}
