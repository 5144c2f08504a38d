package query

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// dateTimeLayout is the OData datetimeoffset literal shape used in
// $filter expressions, millisecond precision with explicit zone.
const dateTimeLayout = "2006-01-02T15:04:05.000Z07:00"

// Operator precedence, loosest first. Parenthesization on emit follows
// OData v4: or < and < comparison < not < primary.
const (
	precOr = iota + 1
	precAnd
	precCompare
	precNot
	precPrimary
)

func precedence(op BinaryOp) int {
	switch op {
	case OpOr:
		return precOr
	case OpAnd:
		return precAnd
	default:
		return precCompare
	}
}

// QueryString renders the description as an OData v4 query string. Keys
// are emitted lowercase and percent-encoded; user parameters must not
// use reserved prefixes.
func (d *Description) QueryString() (string, error) {
	values := url.Values{}

	if d.RequestTotalCount {
		values.Set("$count", "true")
	}
	if d.Filter != nil {
		f, err := serialize(d.Filter)
		if err != nil {
			return "", err
		}
		values.Set("$filter", f)
	}
	if len(d.OrderBy) > 0 {
		clauses := make([]string, len(d.OrderBy))
		for i, c := range d.OrderBy {
			if c.Path == "" {
				return "", ErrInvalidOrderBy
			}
			if c.Descending {
				clauses[i] = c.Path + " desc"
			} else {
				clauses[i] = c.Path
			}
		}
		values.Set("$orderby", strings.Join(clauses, ","))
	}
	if len(d.Selection) > 0 {
		values.Set("$select", strings.Join(d.Selection, ","))
	}
	if d.Skip > 0 {
		values.Set("$skip", strconv.Itoa(d.Skip))
	}
	if d.Top > 0 {
		values.Set("$top", strconv.Itoa(d.Top))
	}
	if d.IncludeDeleted {
		values.Set(IncludeDeletedKey, "true")
	}
	for k, v := range d.Parameters {
		if k == "" || k[0] == '$' || strings.HasPrefix(k, "__") {
			return "", fmt.Errorf("%w: %q", ErrReservedKey, k)
		}
		values.Set(strings.ToLower(k), v)
	}

	return values.Encode(), nil
}

// serialize renders a filter tree as an OData expression.
func serialize(n Node) (string, error) {
	var sb strings.Builder
	if err := writeNode(&sb, n, precOr); err != nil {
		return "", err
	}
	return sb.String(), nil
}

func writeNode(sb *strings.Builder, n Node, parent int) error {
	switch v := n.(type) {
	case *Binary:
		prec := precedence(v.Op)
		if prec < parent {
			sb.WriteByte('(')
		}
		if err := writeNode(sb, v.Left, prec); err != nil {
			return err
		}
		sb.WriteByte(' ')
		sb.WriteString(string(v.Op))
		sb.WriteByte(' ')
		// Right side of same-precedence operators needs parens to keep
		// left associativity through a reparse.
		if err := writeNode(sb, v.Right, prec+1); err != nil {
			return err
		}
		if prec < parent {
			sb.WriteByte(')')
		}
		return nil

	case *Unary:
		sb.WriteString("not ")
		return writeNode(sb, v.Operand, precNot)

	case *Member:
		if v.Path == "" {
			return fmt.Errorf("%w: empty member path", ErrInvalidFilter)
		}
		sb.WriteString(v.Path)
		return nil

	case *Function:
		if _, ok := supportedFunctions[v.Name]; !ok {
			return fmt.Errorf("%w: function %q", ErrUnsupported, v.Name)
		}
		sb.WriteString(v.Name)
		sb.WriteByte('(')
		for i, arg := range v.Args {
			if i > 0 {
				sb.WriteByte(',')
			}
			if err := writeNode(sb, arg, precOr); err != nil {
				return err
			}
		}
		sb.WriteByte(')')
		return nil

	case *Collection:
		sb.WriteByte('(')
		for i, item := range v.Items {
			if i > 0 {
				sb.WriteByte(',')
			}
			if err := writeNode(sb, item, precOr); err != nil {
				return err
			}
		}
		sb.WriteByte(')')
		return nil

	case *Constant:
		sb.WriteString(formatConstant(v))
		return nil

	default:
		return fmt.Errorf("%w: unknown node %T", ErrInvalidFilter, n)
	}
}

func formatConstant(c *Constant) string {
	switch c.Kind {
	case KindBool:
		if c.Bool {
			return "true"
		}
		return "false"
	case KindInt:
		return strconv.FormatInt(c.Int, 10)
	case KindLong:
		return strconv.FormatInt(c.Int, 10) + "L"
	case KindSingle:
		return ensureFloat(strconv.FormatFloat(c.Float, 'g', -1, 32)) + "f"
	case KindDouble:
		return ensureFloat(strconv.FormatFloat(c.Float, 'g', -1, 64))
	case KindDecimal:
		return c.Str + "M"
	case KindString:
		return "'" + strings.ReplaceAll(c.Str, "'", "''") + "'"
	case KindDateTime:
		return c.Time.UTC().Format(dateTimeLayout)
	default:
		return ""
	}
}

// ensureFloat guarantees a formatted float is distinguishable from an
// integer literal when reparsed.
func ensureFloat(s string) string {
	if strings.ContainsAny(s, ".eE") {
		return s
	}
	return s + ".0"
}
