package entity

import (
	"fmt"
	"regexp"

	"github.com/google/uuid"
)

// idPattern is the only shape accepted for entity ids: a leading
// alphanumeric followed by up to 126 characters from a restricted set.
var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.:|-]{0,126}$`)

// ValidateID reports whether id is acceptable as an entity primary key.
func ValidateID(id string) error {
	if !idPattern.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}

// IDGenerator produces a new entity id for records created without one.
type IDGenerator func() string

// DefaultIDGenerator returns a random 128-bit identifier.
func DefaultIDGenerator() string {
	return uuid.NewString()
}
