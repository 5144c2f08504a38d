package query

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Matches evaluates a filter tree against a decoded JSON row and reports
// whether the row satisfies it. The server-side table controller uses
// this to honour $filter.
func Matches(n Node, row map[string]any) (bool, error) {
	v, err := Eval(n, row)
	if err != nil {
		return false, err
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("%w: filter is not boolean", ErrInvalidFilter)
	}
	return b, nil
}

// Eval evaluates a filter expression against a row. Row values follow
// encoding/json conventions: string, float64, bool, nil and nested maps.
func Eval(n Node, row map[string]any) (any, error) {
	switch v := n.(type) {
	case *Constant:
		return constantValue(v), nil

	case *Member:
		return memberValue(v.Path, row), nil

	case *Unary:
		inner, err := Eval(v.Operand, row)
		if err != nil {
			return nil, err
		}
		b, ok := inner.(bool)
		if !ok {
			return nil, fmt.Errorf("%w: not applied to non-boolean", ErrInvalidFilter)
		}
		return !b, nil

	case *Binary:
		return evalBinary(v, row)

	case *Function:
		return evalFunction(v, row)

	case *Collection:
		items := make([]any, len(v.Items))
		for i, item := range v.Items {
			val, err := Eval(item, row)
			if err != nil {
				return nil, err
			}
			items[i] = val
		}
		return items, nil

	default:
		return nil, fmt.Errorf("%w: unknown node %T", ErrInvalidFilter, n)
	}
}

func constantValue(c *Constant) any {
	switch c.Kind {
	case KindBool:
		return c.Bool
	case KindInt, KindLong:
		return float64(c.Int)
	case KindSingle, KindDouble:
		return c.Float
	case KindDecimal:
		f, err := strconv.ParseFloat(c.Str, 64)
		if err != nil {
			return c.Str
		}
		return f
	case KindString:
		return c.Str
	case KindDateTime:
		return c.Time
	default:
		return nil
	}
}

func memberValue(path string, row map[string]any) any {
	segments := strings.Split(path, ".")
	var cur any = row
	for _, seg := range segments {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = m[seg]
	}
	return cur
}

func evalBinary(b *Binary, row map[string]any) (any, error) {
	switch b.Op {
	case OpAnd, OpOr:
		left, err := Eval(b.Left, row)
		if err != nil {
			return nil, err
		}
		lb, ok := left.(bool)
		if !ok {
			return nil, fmt.Errorf("%w: %s applied to non-boolean", ErrInvalidFilter, b.Op)
		}
		// short circuit
		if b.Op == OpAnd && !lb {
			return false, nil
		}
		if b.Op == OpOr && lb {
			return true, nil
		}
		right, err := Eval(b.Right, row)
		if err != nil {
			return nil, err
		}
		rb, ok := right.(bool)
		if !ok {
			return nil, fmt.Errorf("%w: %s applied to non-boolean", ErrInvalidFilter, b.Op)
		}
		return rb, nil

	case OpIn:
		left, err := Eval(b.Left, row)
		if err != nil {
			return nil, err
		}
		right, err := Eval(b.Right, row)
		if err != nil {
			return nil, err
		}
		items, ok := right.([]any)
		if !ok {
			return nil, fmt.Errorf("%w: in requires a literal list", ErrInvalidFilter)
		}
		for _, item := range items {
			cmp, err := compareValues(left, item)
			if err == nil && cmp == 0 {
				return true, nil
			}
		}
		return false, nil

	default:
		left, err := Eval(b.Left, row)
		if err != nil {
			return nil, err
		}
		right, err := Eval(b.Right, row)
		if err != nil {
			return nil, err
		}
		cmp, err := compareValues(left, right)
		if err != nil {
			// Incomparable values are unequal, matching how a missing
			// field behaves under eq/ne.
			if b.Op == OpNe {
				return true, nil
			}
			return false, nil
		}
		switch b.Op {
		case OpEq:
			return cmp == 0, nil
		case OpNe:
			return cmp != 0, nil
		case OpLt:
			return cmp < 0, nil
		case OpLe:
			return cmp <= 0, nil
		case OpGt:
			return cmp > 0, nil
		case OpGe:
			return cmp >= 0, nil
		}
		return nil, fmt.Errorf("%w: operator %s", ErrInvalidFilter, b.Op)
	}
}

// compareValues orders two row/constant values, coercing across the
// JSON and wire representations (numbers as float64, timestamps as
// strings).
func compareValues(a, b any) (int, error) {
	if a == nil || b == nil {
		if a == nil && b == nil {
			return 0, nil
		}
		return 0, fmt.Errorf("nil comparison")
	}

	if at, ok := a.(time.Time); ok {
		bt, err := coerceTime(b)
		if err != nil {
			return 0, err
		}
		return at.Compare(bt), nil
	}
	if bt, ok := b.(time.Time); ok {
		at, err := coerceTime(a)
		if err != nil {
			return 0, err
		}
		return at.Compare(bt), nil
	}

	if af, aok := toFloat(a); aok {
		bf, bok := toFloat(b)
		if !bok {
			return 0, fmt.Errorf("comparing number with %T", b)
		}
		switch {
		case af < bf:
			return -1, nil
		case af > bf:
			return 1, nil
		default:
			return 0, nil
		}
	}

	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		if !ok {
			return 0, fmt.Errorf("comparing string with %T", b)
		}
		return strings.Compare(av, bv), nil
	case bool:
		bv, ok := b.(bool)
		if !ok {
			return 0, fmt.Errorf("comparing bool with %T", b)
		}
		if av == bv {
			return 0, nil
		}
		if !av {
			return -1, nil
		}
		return 1, nil
	default:
		return 0, fmt.Errorf("uncomparable type %T", a)
	}
}

func coerceTime(v any) (time.Time, error) {
	switch x := v.(type) {
	case time.Time:
		return x, nil
	case string:
		for _, layout := range []string{dateTimeLayout, time.RFC3339Nano, time.RFC3339} {
			if t, err := time.Parse(layout, x); err == nil {
				return t, nil
			}
		}
		return time.Time{}, fmt.Errorf("not a timestamp: %q", x)
	default:
		return time.Time{}, fmt.Errorf("not a timestamp: %T", v)
	}
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	default:
		return 0, false
	}
}

func evalFunction(f *Function, row map[string]any) (any, error) {
	args := make([]any, len(f.Args))
	for i, arg := range f.Args {
		v, err := Eval(arg, row)
		if err != nil {
			return nil, err
		}
		args[i] = v
	}

	str := func(i int) (string, error) {
		s, ok := args[i].(string)
		if !ok {
			return "", fmt.Errorf("%w: %s argument %d is not a string", ErrInvalidFilter, f.Name, i)
		}
		return s, nil
	}
	num := func(i int) (float64, error) {
		n, ok := toFloat(args[i])
		if !ok {
			return 0, fmt.Errorf("%w: %s argument %d is not numeric", ErrInvalidFilter, f.Name, i)
		}
		return n, nil
	}
	datePart := func(extract func(time.Time) int) (any, error) {
		t, err := coerceTime(args[0])
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidFilter, f.Name, err)
		}
		return float64(extract(t.UTC())), nil
	}

	switch f.Name {
	case "startswith":
		s, err := str(0)
		if err != nil {
			return nil, err
		}
		p, err := str(1)
		if err != nil {
			return nil, err
		}
		return strings.HasPrefix(s, p), nil
	case "endswith":
		s, err := str(0)
		if err != nil {
			return nil, err
		}
		p, err := str(1)
		if err != nil {
			return nil, err
		}
		return strings.HasSuffix(s, p), nil
	case "contains":
		s, err := str(0)
		if err != nil {
			return nil, err
		}
		p, err := str(1)
		if err != nil {
			return nil, err
		}
		return strings.Contains(s, p), nil
	case "indexof":
		s, err := str(0)
		if err != nil {
			return nil, err
		}
		p, err := str(1)
		if err != nil {
			return nil, err
		}
		return float64(strings.Index(s, p)), nil
	case "substring":
		s, err := str(0)
		if err != nil {
			return nil, err
		}
		start, err := num(1)
		if err != nil {
			return nil, err
		}
		from := int(start)
		if from < 0 || from > len(s) {
			return "", nil
		}
		out := s[from:]
		if len(args) == 3 {
			n, err := num(2)
			if err != nil {
				return nil, err
			}
			if int(n) < len(out) {
				out = out[:int(n)]
			}
		}
		return out, nil
	case "tolower":
		s, err := str(0)
		if err != nil {
			return nil, err
		}
		return strings.ToLower(s), nil
	case "toupper":
		s, err := str(0)
		if err != nil {
			return nil, err
		}
		return strings.ToUpper(s), nil
	case "trim":
		s, err := str(0)
		if err != nil {
			return nil, err
		}
		return strings.TrimSpace(s), nil
	case "concat":
		var sb strings.Builder
		for i := range args {
			s, err := str(i)
			if err != nil {
				return nil, err
			}
			sb.WriteString(s)
		}
		return sb.String(), nil
	case "length":
		s, err := str(0)
		if err != nil {
			return nil, err
		}
		return float64(len([]rune(s))), nil
	case "floor":
		n, err := num(0)
		if err != nil {
			return nil, err
		}
		return math.Floor(n), nil
	case "ceiling":
		n, err := num(0)
		if err != nil {
			return nil, err
		}
		return math.Ceil(n), nil
	case "round":
		n, err := num(0)
		if err != nil {
			return nil, err
		}
		return math.Round(n), nil
	case "year":
		return datePart(func(t time.Time) int { return t.Year() })
	case "month":
		return datePart(func(t time.Time) int { return int(t.Month()) })
	case "day":
		return datePart(func(t time.Time) int { return t.Day() })
	case "hour":
		return datePart(func(t time.Time) int { return t.Hour() })
	case "minute":
		return datePart(func(t time.Time) int { return t.Minute() })
	case "second":
		return datePart(func(t time.Time) int { return t.Second() })
	default:
		return nil, fmt.Errorf("%w: function %q", ErrUnsupported, f.Name)
	}
}
