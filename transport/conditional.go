package transport

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrWeakETag is returned when a weak validator is offered where a
// strong one is required; weak ETags never match a stored version.
var ErrWeakETag = errors.New("weak etag")

// ETag renders a version as a strong, double-quoted entity tag.
func ETag(version []byte) string {
	return `"` + base64.StdEncoding.EncodeToString(version) + `"`
}

// ParseETag decodes a strong entity tag back into a version. Weak tags
// and unquoted values are rejected.
func ParseETag(header string) ([]byte, error) {
	if strings.HasPrefix(header, "W/") {
		return nil, ErrWeakETag
	}
	if len(header) < 2 || header[0] != '"' || header[len(header)-1] != '"' {
		return nil, fmt.Errorf("malformed etag %q", header)
	}
	version, err := base64.StdEncoding.DecodeString(header[1 : len(header)-1])
	if err != nil {
		return nil, fmt.Errorf("malformed etag %q: %w", header, err)
	}
	return version, nil
}

// SetIfMatch attaches an If-Match precondition for a write carrying a
// known version. Empty versions attach nothing.
func SetIfMatch(req *http.Request, version []byte) {
	if len(version) > 0 {
		req.Header.Set("If-Match", ETag(version))
	}
}

// SetIfNoneMatch attaches an If-None-Match validator for conditional
// reads.
func SetIfNoneMatch(req *http.Request, version []byte) {
	if len(version) > 0 {
		req.Header.Set("If-None-Match", ETag(version))
	}
}
