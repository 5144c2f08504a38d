package local

import (
	"context"
	"fmt"
	"time"
)

// Epoch is the delta token returned for queries that have never pulled.
var Epoch = time.Unix(0, 0).UTC()

// GetDeltaToken returns the high-water mark for queryID, or the epoch
// when the query has never completed a pull.
func GetDeltaToken(ctx context.Context, db DBTX, queryID string) (time.Time, error) {
	var ms int64
	err := db.QueryRowContext(ctx,
		`SELECT delta_token FROM datasync_metadata WHERE query_id = ?`, queryID).Scan(&ms)
	if err != nil {
		if isNoRows(err) {
			return Epoch, nil
		}
		return Epoch, fmt.Errorf("get delta token %s: %w", queryID, err)
	}
	return time.UnixMilli(ms).UTC(), nil
}

// SetDeltaToken advances the high-water mark for queryID to t, never
// backwards. Reports whether the stored value changed.
func SetDeltaToken(ctx context.Context, db DBTX, queryID string, t time.Time) (bool, error) {
	res, err := db.ExecContext(ctx, `
		INSERT INTO datasync_metadata (query_id, delta_token, last_pull_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(query_id) DO UPDATE
		SET delta_token = excluded.delta_token, last_pull_at = CURRENT_TIMESTAMP
		WHERE excluded.delta_token > datasync_metadata.delta_token`,
		queryID, t.UnixMilli())
	if err != nil {
		return false, fmt.Errorf("set delta token %s: %w", queryID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ResetDeltaToken removes the stored mark so the next pull starts from
// the epoch.
func ResetDeltaToken(ctx context.Context, db DBTX, queryID string) error {
	_, err := db.ExecContext(ctx,
		`DELETE FROM datasync_metadata WHERE query_id = ?`, queryID)
	if err != nil {
		return fmt.Errorf("reset delta token %s: %w", queryID, err)
	}
	return nil
}
