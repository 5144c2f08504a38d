package local

import (
	"database/sql"
	"errors"
)

// Sentinel errors for the local store and operations queue.
var (
	ErrRowNotFound    = errors.New("row not found")
	ErrQueueIntegrity = errors.New("operations queue integrity violation")
)

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
