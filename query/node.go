package query

import "time"

// Node is a node in a filter expression tree.
type Node interface {
	node()
}

// BinaryOp enumerates the binary operators of the supported grammar.
type BinaryOp string

// Binary operators, spelled as they appear on the wire.
const (
	OpEq  BinaryOp = "eq"
	OpNe  BinaryOp = "ne"
	OpLt  BinaryOp = "lt"
	OpLe  BinaryOp = "le"
	OpGt  BinaryOp = "gt"
	OpGe  BinaryOp = "ge"
	OpAnd BinaryOp = "and"
	OpOr  BinaryOp = "or"
	OpIn  BinaryOp = "in"
)

// Binary applies Op to Left and Right.
type Binary struct {
	Op    BinaryOp
	Left  Node
	Right Node
}

// Unary is logical negation; "not" is the only unary operator in the
// supported subset.
type Unary struct {
	Operand Node
}

// Member is a dotted field path, lowerCamelCase on the wire.
type Member struct {
	Path string
}

// Function is a call to one of the supported OData functions.
type Function struct {
	Name string
	Args []Node
}

// Collection is the literal list on the right side of an "in" operator.
type Collection struct {
	Items []Node
}

// ConstKind discriminates typed constants.
type ConstKind int

// Constant kinds. Long carries an L suffix on the wire, Single an f,
// Decimal an M; Double and Int are bare.
const (
	KindBool ConstKind = iota
	KindInt
	KindLong
	KindSingle
	KindDouble
	KindDecimal
	KindString
	KindDateTime
)

// Constant is a typed literal.
type Constant struct {
	Kind  ConstKind
	Bool  bool
	Int   int64
	Float float64
	Str   string // also carries Decimal digits verbatim
	Time  time.Time
}

func (*Binary) node()     {}
func (*Unary) node()      {}
func (*Member) node()     {}
func (*Function) node()   {}
func (*Collection) node() {}
func (*Constant) node()   {}

// Convenience constructors used by the builder and tests.

// Bool returns a boolean constant node.
func Bool(v bool) *Constant { return &Constant{Kind: KindBool, Bool: v} }

// Int returns a 32-bit integer constant node.
func Int(v int64) *Constant { return &Constant{Kind: KindInt, Int: v} }

// Long returns a 64-bit integer constant node (L suffix on the wire).
func Long(v int64) *Constant { return &Constant{Kind: KindLong, Int: v} }

// Single returns a float32 constant node (f suffix on the wire).
func Single(v float64) *Constant { return &Constant{Kind: KindSingle, Float: v} }

// Double returns a float64 constant node.
func Double(v float64) *Constant { return &Constant{Kind: KindDouble, Float: v} }

// Decimal returns a decimal constant node (M suffix on the wire); digits
// are carried verbatim to avoid binary-float rounding.
func Decimal(digits string) *Constant { return &Constant{Kind: KindDecimal, Str: digits} }

// String returns a string constant node.
func String(v string) *Constant { return &Constant{Kind: KindString, Str: v} }

// DateTime returns a datetimeoffset constant node.
func DateTime(t time.Time) *Constant { return &Constant{Kind: KindDateTime, Time: t} }

// supportedFunctions lists every function the grammar accepts, keyed by
// name with the expected argument count (-1 for variadic).
var supportedFunctions = map[string]int{
	"startswith": 2,
	"endswith":   2,
	"contains":   2,
	"indexof":    2,
	"substring":  -1, // 2 or 3
	"tolower":    1,
	"toupper":    1,
	"trim":       1,
	"concat":     -1, // 2+
	"length":     1,
	"floor":      1,
	"ceiling":    1,
	"round":      1,
	"year":       1,
	"month":      1,
	"day":        1,
	"hour":       1,
	"minute":     1,
	"second":     1,
}
