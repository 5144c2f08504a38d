package query

import (
	"fmt"
	"strings"
	"time"
	"unicode"
)

// F is a field (or field-derived expression) being composed into a
// predicate. Errors accumulate and surface at Build, before any HTTP
// call is made.
type F struct {
	n   Node
	err error
}

// Field starts a predicate from a dotted field path. Segment names are
// normalized to lowerCamelCase, which is how they travel on the wire.
func Field(path string) F {
	if path == "" {
		return F{err: fmt.Errorf("%w: empty field path", ErrInvalidFilter)}
	}
	return F{n: &Member{Path: lowerCamelPath(path)}}
}

func lowerCamelPath(path string) string {
	segments := strings.Split(path, ".")
	for i, seg := range segments {
		if seg == "" {
			continue
		}
		runes := []rune(seg)
		runes[0] = unicode.ToLower(runes[0])
		segments[i] = string(runes)
	}
	return strings.Join(segments, ".")
}

// Predicate is a boolean filter expression under construction.
type Predicate struct {
	n   Node
	err error
}

// Node returns the underlying AST node.
func (p Predicate) Node() Node { return p.n }

func (f F) compare(op BinaryOp, v any) Predicate {
	if f.err != nil {
		return Predicate{err: f.err}
	}
	c, err := toConstant(v)
	if err != nil {
		return Predicate{err: err}
	}
	return Predicate{n: &Binary{Op: op, Left: f.n, Right: c}}
}

// Eq compares the field for equality with a constant.
func (f F) Eq(v any) Predicate { return f.compare(OpEq, v) }

// Ne compares the field for inequality with a constant.
func (f F) Ne(v any) Predicate { return f.compare(OpNe, v) }

// Lt compares the field strictly-less-than a constant.
func (f F) Lt(v any) Predicate { return f.compare(OpLt, v) }

// Le compares the field less-or-equal a constant.
func (f F) Le(v any) Predicate { return f.compare(OpLe, v) }

// Gt compares the field strictly-greater-than a constant.
func (f F) Gt(v any) Predicate { return f.compare(OpGt, v) }

// Ge compares the field greater-or-equal a constant.
func (f F) Ge(v any) Predicate { return f.compare(OpGe, v) }

// In tests membership of the field in a literal set.
func (f F) In(values ...any) Predicate {
	if f.err != nil {
		return Predicate{err: f.err}
	}
	coll := &Collection{}
	for _, v := range values {
		c, err := toConstant(v)
		if err != nil {
			return Predicate{err: err}
		}
		coll.Items = append(coll.Items, c)
	}
	return Predicate{n: &Binary{Op: OpIn, Left: f.n, Right: coll}}
}

func (f F) strFunc(name, arg string) Predicate {
	if f.err != nil {
		return Predicate{err: f.err}
	}
	return Predicate{n: &Function{Name: name, Args: []Node{f.n, String(arg)}}}
}

// StartsWith tests a string-prefix match.
func (f F) StartsWith(prefix string) Predicate { return f.strFunc("startswith", prefix) }

// EndsWith tests a string-suffix match.
func (f F) EndsWith(suffix string) Predicate { return f.strFunc("endswith", suffix) }

// Contains tests a substring match.
func (f F) Contains(sub string) Predicate { return f.strFunc("contains", sub) }

func (f F) unaryFunc(name string) F {
	if f.err != nil {
		return f
	}
	return F{n: &Function{Name: name, Args: []Node{f.n}}}
}

// ToLower applies tolower to the field.
func (f F) ToLower() F { return f.unaryFunc("tolower") }

// ToUpper applies toupper to the field.
func (f F) ToUpper() F { return f.unaryFunc("toupper") }

// Trim applies trim to the field.
func (f F) Trim() F { return f.unaryFunc("trim") }

// Length applies length to the field.
func (f F) Length() F { return f.unaryFunc("length") }

// Floor applies floor to the field.
func (f F) Floor() F { return f.unaryFunc("floor") }

// Ceiling applies ceiling to the field.
func (f F) Ceiling() F { return f.unaryFunc("ceiling") }

// Round applies round to the field.
func (f F) Round() F { return f.unaryFunc("round") }

// Year extracts the year of a date field.
func (f F) Year() F { return f.unaryFunc("year") }

// Month extracts the month of a date field.
func (f F) Month() F { return f.unaryFunc("month") }

// Day extracts the day of a date field.
func (f F) Day() F { return f.unaryFunc("day") }

// Hour extracts the hour of a date field.
func (f F) Hour() F { return f.unaryFunc("hour") }

// Minute extracts the minute of a date field.
func (f F) Minute() F { return f.unaryFunc("minute") }

// Second extracts the second of a date field.
func (f F) Second() F { return f.unaryFunc("second") }

// And combines two predicates conjunctively.
func (p Predicate) And(q Predicate) Predicate {
	if p.err != nil {
		return p
	}
	if q.err != nil {
		return q
	}
	return Predicate{n: &Binary{Op: OpAnd, Left: p.n, Right: q.n}}
}

// Or combines two predicates disjunctively.
func (p Predicate) Or(q Predicate) Predicate {
	if p.err != nil {
		return p
	}
	if q.err != nil {
		return q
	}
	return Predicate{n: &Binary{Op: OpOr, Left: p.n, Right: q.n}}
}

// Not negates a predicate.
func Not(p Predicate) Predicate {
	if p.err != nil {
		return p
	}
	return Predicate{n: &Unary{Operand: p.n}}
}

// toConstant converts a Go value to a typed constant. Values the server
// cannot evaluate produce a client-side-evaluation error.
func toConstant(v any) (*Constant, error) {
	switch x := v.(type) {
	case bool:
		return Bool(x), nil
	case int:
		return Int(int64(x)), nil
	case int32:
		return Int(int64(x)), nil
	case int64:
		return Long(x), nil
	case float32:
		return Single(float64(x)), nil
	case float64:
		return Double(x), nil
	case string:
		return String(x), nil
	case time.Time:
		return DateTime(x), nil
	case *Constant:
		return x, nil
	default:
		return nil, fmt.Errorf("%w: constant of type %T", ErrUnsupported, v)
	}
}

// Builder assembles a Description fluently. The first error sticks and
// is returned from Build.
type Builder struct {
	d   Description
	err error
}

// NewBuilder returns an empty query builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// Where conjoins a predicate into the filter.
func (b *Builder) Where(p Predicate) *Builder {
	if b.err != nil {
		return b
	}
	if p.err != nil {
		b.err = p.err
		return b
	}
	if b.d.Filter == nil {
		b.d.Filter = p.n
	} else {
		b.d.Filter = &Binary{Op: OpAnd, Left: b.d.Filter, Right: p.n}
	}
	return b
}

// OrderBy appends an ascending ordering clause.
func (b *Builder) OrderBy(path string) *Builder {
	b.d.OrderBy = append(b.d.OrderBy, OrderClause{Path: lowerCamelPath(path)})
	return b
}

// OrderByDescending appends a descending ordering clause.
func (b *Builder) OrderByDescending(path string) *Builder {
	b.d.OrderBy = append(b.d.OrderBy, OrderClause{Path: lowerCamelPath(path), Descending: true})
	return b
}

// Select sets the projection list.
func (b *Builder) Select(paths ...string) *Builder {
	for _, p := range paths {
		b.d.Selection = append(b.d.Selection, lowerCamelPath(p))
	}
	return b
}

// Skip sets $skip.
func (b *Builder) Skip(n int) *Builder {
	b.d.Skip = n
	return b
}

// Top sets $top.
func (b *Builder) Top(n int) *Builder {
	b.d.Top = n
	return b
}

// WithTotalCount requests $count=true.
func (b *Builder) WithTotalCount() *Builder {
	b.d.RequestTotalCount = true
	return b
}

// IncludeDeleted asks the server to include soft-deleted records.
func (b *Builder) IncludeDeleted() *Builder {
	b.d.IncludeDeleted = true
	return b
}

// WithParameter adds a user query parameter.
func (b *Builder) WithParameter(key, value string) *Builder {
	if b.err != nil {
		return b
	}
	if err := b.d.WithParameter(key, value); err != nil {
		b.err = err
	}
	return b
}

// Build returns the description, or the first error recorded while
// composing it.
func (b *Builder) Build() (*Description, error) {
	if b.err != nil {
		return nil, b.err
	}
	return b.d.Clone(), nil
}
