package entity

import "errors"

// Sentinel errors for entity contract violations.
var (
	ErrInvalidID          = errors.New("invalid entity id")
	ErrMissingSystemField = errors.New("entity type missing system field")
	ErrUnknownType        = errors.New("unknown entity type")
	ErrDuplicateType      = errors.New("entity type already registered")
)
