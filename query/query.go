// Package query models the OData v4 subset the datasync wire protocol
// speaks: a language-neutral expression AST, a bidirectional codec to
// query strings, a builder front-end for embedders, and an interpreter
// used server-side to evaluate filters against stored rows.
package query

import "errors"

// Sentinel errors for query construction and parsing.
var (
	ErrUnsupported    = errors.New("expression cannot be evaluated by the service")
	ErrReservedKey    = errors.New("reserved query parameter key")
	ErrUnknownOption  = errors.New("unknown $-prefixed query option")
	ErrInvalidFilter  = errors.New("invalid $filter expression")
	ErrInvalidOrderBy = errors.New("invalid $orderby clause")
)

// IncludeDeletedKey is the non-standard query option that asks the
// server to include soft-deleted records in list responses.
const IncludeDeletedKey = "__includedeleted"

// OrderClause is one $orderby term.
type OrderClause struct {
	Path       string
	Descending bool
}

// Description is the abstract description of an OData query: filter,
// ordering, projection, paging, count, soft-delete inclusion and free
// user parameters.
type Description struct {
	Filter            Node
	OrderBy           []OrderClause
	Selection         []string
	Skip              int
	Top               int // 0 means unbounded
	RequestTotalCount bool
	IncludeDeleted    bool
	Parameters        map[string]string
}

// Clone returns a shallow copy with its own OrderBy, Selection and
// Parameters containers. Filter nodes are immutable by convention and
// shared.
func (d *Description) Clone() *Description {
	out := &Description{
		Filter:            d.Filter,
		Skip:              d.Skip,
		Top:               d.Top,
		RequestTotalCount: d.RequestTotalCount,
		IncludeDeleted:    d.IncludeDeleted,
	}
	out.OrderBy = append(out.OrderBy, d.OrderBy...)
	out.Selection = append(out.Selection, d.Selection...)
	if d.Parameters != nil {
		out.Parameters = make(map[string]string, len(d.Parameters))
		for k, v := range d.Parameters {
			out.Parameters[k] = v
		}
	}
	return out
}

// WithParameter sets a user parameter, rejecting reserved keys.
func (d *Description) WithParameter(key, value string) error {
	if key == "" || key[0] == '$' || (len(key) >= 2 && key[:2] == "__") {
		return ErrReservedKey
	}
	if d.Parameters == nil {
		d.Parameters = make(map[string]string)
	}
	d.Parameters[key] = value
	return nil
}
