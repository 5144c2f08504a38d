package local

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Kind is the mutation a queued operation replays against the server.
type Kind int

// Operation kinds.
const (
	KindAdd Kind = iota + 1
	KindDelete
	KindReplace
)

func (k Kind) String() string {
	switch k {
	case KindAdd:
		return "add"
	case KindDelete:
		return "delete"
	case KindReplace:
		return "replace"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// State is the lifecycle state of a queued operation.
type State int

// Operation states.
const (
	StatePending State = iota
	StateAttempted
	StateFailed
	StateCompleted
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateAttempted:
		return "attempted"
	case StateFailed:
		return "failed"
	case StateCompleted:
		return "completed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Operation is one pending local mutation awaiting push. At most one
// pending operation exists per (EntityType, ItemID); later changes to
// the same entity coalesce into the existing record.
type Operation struct {
	ID             string
	Kind           Kind
	State          State
	EntityType     string
	ItemID         string
	EntityVersion  []byte
	Item           []byte // serialized payload; empty for deletes
	Sequence       int64
	Version        int64 // bumped on every coalesce
	LastAttempt    time.Time
	HTTPStatusCode int
}

// DBTX is the subset of database/sql shared by *sql.DB and *sql.Tx, so
// queue operations can join a store transaction.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Enqueue inserts a new operation, coalescing against any existing
// operation for the same (entityType, itemID). Must run under the
// synchronization lock.
func Enqueue(ctx context.Context, db DBTX, kind Kind, entityType, itemID string, version []byte, item []byte) error {
	existing, err := findOperation(ctx, db, entityType, itemID)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("find queued operation: %w", err)
	}
	if err == sql.ErrNoRows {
		return insertOperation(ctx, db, kind, entityType, itemID, version, item)
	}
	return coalesce(ctx, db, existing, kind, version, item)
}

func findOperation(ctx context.Context, db DBTX, entityType, itemID string) (*Operation, error) {
	row := db.QueryRowContext(ctx, `
		SELECT id, kind, state, entity_type, item_id, entity_version, COALESCE(item, ''), sequence, version
		FROM datasync_operations
		WHERE entity_type = ? AND item_id = ?`, entityType, itemID)
	var op Operation
	var item string
	err := row.Scan(&op.ID, &op.Kind, &op.State, &op.EntityType, &op.ItemID, &op.EntityVersion, &item, &op.Sequence, &op.Version)
	if err != nil {
		return nil, err
	}
	op.Item = []byte(item)
	return &op, nil
}

func insertOperation(ctx context.Context, db DBTX, kind Kind, entityType, itemID string, version, item []byte) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO datasync_operations (id, kind, state, entity_type, item_id, entity_version, item, sequence, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, (SELECT COALESCE(MAX(sequence), 0) + 1 FROM datasync_operations), 0)`,
		uuid.NewString(), int(kind), int(StatePending), entityType, itemID, version, string(item))
	if err != nil {
		return fmt.Errorf("insert operation %s/%s: %w", entityType, itemID, err)
	}
	return nil
}

// coalesce applies the pairwise collapse rules. The sequence of the
// existing operation is preserved so cross-entity ordering stays
// stable; the entity version moves to the newer change's so replays
// carry the latest known precondition.
func coalesce(ctx context.Context, db DBTX, existing *Operation, kind Kind, version, item []byte) error {
	switch {
	case existing.Kind == KindAdd && kind == KindDelete:
		// The server never saw this entity; drop the whole thing.
		return deleteByID(ctx, db, existing.ID)

	case existing.Kind == KindAdd && kind == KindReplace:
		return updateOperation(ctx, db, existing, KindAdd, version, item)

	case existing.Kind == KindDelete && kind == KindAdd:
		return updateOperation(ctx, db, existing, KindReplace, version, item)

	case existing.Kind == KindReplace && kind == KindDelete:
		return updateOperation(ctx, db, existing, KindDelete, version, nil)

	case existing.Kind == KindReplace && kind == KindReplace:
		return updateOperation(ctx, db, existing, KindReplace, version, item)

	default:
		return fmt.Errorf("%w: %s then %s for %s/%s",
			ErrQueueIntegrity, existing.Kind, kind, existing.EntityType, existing.ItemID)
	}
}

func updateOperation(ctx context.Context, db DBTX, existing *Operation, kind Kind, version, item []byte) error {
	_, err := db.ExecContext(ctx, `
		UPDATE datasync_operations
		SET kind = ?, entity_version = ?, item = ?, state = ?, version = version + 1,
		    http_status_code = NULL, last_attempt = NULL
		WHERE id = ?`,
		int(kind), version, string(item), int(StatePending), existing.ID)
	if err != nil {
		return fmt.Errorf("coalesce operation %s: %w", existing.ID, err)
	}
	return nil
}

func deleteByID(ctx context.Context, db DBTX, id string) error {
	_, err := db.ExecContext(ctx, `DELETE FROM datasync_operations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete operation %s: %w", id, err)
	}
	return nil
}

// PendingOperations returns operations awaiting replay for the given
// entity types (all types when scope is empty), ordered by sequence.
func PendingOperations(ctx context.Context, db DBTX, scope []string) ([]Operation, error) {
	query := `
		SELECT id, kind, state, entity_type, item_id, entity_version, COALESCE(item, ''), sequence, version,
		       COALESCE(last_attempt, ''), COALESCE(http_status_code, 0)
		FROM datasync_operations
		WHERE state != ?`
	args := []any{int(StateCompleted)}
	if len(scope) > 0 {
		query += ` AND entity_type IN (?` + strings.Repeat(",?", len(scope)-1) + `)`
		for _, s := range scope {
			args = append(args, s)
		}
	}
	query += ` ORDER BY sequence ASC`

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query pending operations: %w", err)
	}
	defer rows.Close()

	var ops []Operation
	for rows.Next() {
		var op Operation
		var item, lastAttempt string
		if err := rows.Scan(&op.ID, &op.Kind, &op.State, &op.EntityType, &op.ItemID,
			&op.EntityVersion, &item, &op.Sequence, &op.Version, &lastAttempt, &op.HTTPStatusCode); err != nil {
			return nil, fmt.Errorf("scan operation: %w", err)
		}
		op.Item = []byte(item)
		if lastAttempt != "" {
			if t, err := time.Parse(time.RFC3339Nano, lastAttempt); err == nil {
				op.LastAttempt = t
			}
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

// CompleteOperation removes a successfully pushed operation.
func CompleteOperation(ctx context.Context, db DBTX, id string) error {
	return deleteByID(ctx, db, id)
}

// FailOperation marks an operation failed with the response status and
// attempt time, keeping it queued for later resolution.
func FailOperation(ctx context.Context, db DBTX, id string, statusCode int, at time.Time) error {
	var status any
	if statusCode > 0 {
		status = statusCode
	}
	_, err := db.ExecContext(ctx, `
		UPDATE datasync_operations
		SET state = ?, http_status_code = ?, last_attempt = ?
		WHERE id = ?`,
		int(StateFailed), status, at.UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("fail operation %s: %w", id, err)
	}
	return nil
}

// CountOperations returns the number of queued, non-completed
// operations.
func CountOperations(ctx context.Context, db DBTX) (int64, error) {
	var n int64
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM datasync_operations WHERE state != ?`, int(StateCompleted)).Scan(&n)
	return n, err
}

// FailedOperations returns operations in the failed state, oldest
// first, so callers can inspect or resolve conflicts.
func FailedOperations(ctx context.Context, db DBTX) ([]Operation, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, kind, state, entity_type, item_id, entity_version, COALESCE(item, ''), sequence, version,
		       COALESCE(last_attempt, ''), COALESCE(http_status_code, 0)
		FROM datasync_operations
		WHERE state = ?
		ORDER BY sequence ASC`, int(StateFailed))
	if err != nil {
		return nil, fmt.Errorf("query failed operations: %w", err)
	}
	defer rows.Close()

	var ops []Operation
	for rows.Next() {
		var op Operation
		var item, lastAttempt string
		if err := rows.Scan(&op.ID, &op.Kind, &op.State, &op.EntityType, &op.ItemID,
			&op.EntityVersion, &item, &op.Sequence, &op.Version, &lastAttempt, &op.HTTPStatusCode); err != nil {
			return nil, fmt.Errorf("scan operation: %w", err)
		}
		op.Item = []byte(item)
		if lastAttempt != "" {
			if t, err := time.Parse(time.RFC3339Nano, lastAttempt); err == nil {
				op.LastAttempt = t
			}
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

// PurgeOperations drops the entire queue. Used when re-pointing a
// client at a different server, together with resetting delta tokens.
func PurgeOperations(ctx context.Context, db DBTX) error {
	_, err := db.ExecContext(ctx, `DELETE FROM datasync_operations`)
	if err != nil {
		return fmt.Errorf("purge operations: %w", err)
	}
	return nil
}

// ResetFailedOperations returns failed operations to the pending state
// so a later push retries them. Returns the number reset.
func ResetFailedOperations(ctx context.Context, db DBTX) (int64, error) {
	res, err := db.ExecContext(ctx, `
		UPDATE datasync_operations
		SET state = ?, http_status_code = NULL, last_attempt = NULL
		WHERE state = ?`, int(StatePending), int(StateFailed))
	if err != nil {
		return 0, fmt.Errorf("reset failed operations: %w", err)
	}
	return res.RowsAffected()
}
