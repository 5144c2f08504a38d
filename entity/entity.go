// Package entity defines the contract every synchronizable record obeys:
// the four system fields, their wire encoding, and the per-type descriptor
// the engine uses to encode, decode and introspect entities without
// reflection on hot paths.
package entity

import (
	"fmt"
	"strings"
	"time"
)

// EDMDateTimeFormat is the wire format for updatedAt: ISO-8601 with
// millisecond precision and an explicit zone (Z for UTC).
const EDMDateTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// Timestamp wraps time.Time so that JSON encoding always uses the EDM
// wire format. Decoding is tolerant of common ISO-8601 variants.
type Timestamp struct {
	time.Time
}

// NewTimestamp truncates t to millisecond precision, matching what the
// wire can represent.
func NewTimestamp(t time.Time) Timestamp {
	return Timestamp{t.Truncate(time.Millisecond)}
}

// MarshalJSON encodes the timestamp in EDM form.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	return []byte(`"` + t.UTC().Format(EDMDateTimeFormat) + `"`), nil
}

// UnmarshalJSON decodes EDM timestamps, falling back to the ISO-8601
// variants servers are known to emit.
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		t.Time = time.Time{}
		return nil
	}
	parsed, err := ParseTimestamp(s)
	if err != nil {
		return err
	}
	t.Time = parsed
	return nil
}

// ParseTimestamp tries the EDM format first, then common ISO-8601 shapes.
func ParseTimestamp(s string) (time.Time, error) {
	formats := []string{
		EDMDateTimeFormat,
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02T15:04:05.999999999",
		"2006-01-02T15:04:05",
	}
	for _, f := range formats {
		if parsed, err := time.Parse(f, s); err == nil {
			return parsed, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp format: %q", s)
}

// SystemProperties carries the four system fields every synchronizable
// entity declares. Embed it (with its JSON tags intact) in application
// structs:
//
//	type Movie struct {
//		entity.SystemProperties
//		Title string `json:"title"`
//	}
//
// UpdatedAt and Version are server-authoritative: the engine overwrites
// them from server responses and never trusts local values on write.
type SystemProperties struct {
	ID        string    `json:"id"`
	UpdatedAt Timestamp `json:"updatedAt"`
	Version   []byte    `json:"version,omitempty"`
	Deleted   bool      `json:"deleted,omitempty"`
}

// Properties implements Accessor for any struct embedding SystemProperties.
func (p *SystemProperties) Properties() *SystemProperties {
	return p
}

// EntityID returns the primary key.
func (p *SystemProperties) EntityID() string {
	return p.ID
}

// Accessor is implemented by every synchronizable entity, normally for
// free by embedding SystemProperties.
type Accessor interface {
	Properties() *SystemProperties
}
