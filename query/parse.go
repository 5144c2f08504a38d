package query

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Parse decodes an OData query string into a Description. Absent options
// are tolerated; unknown $-prefixed options are rejected; anything else
// is preserved as a user parameter.
func Parse(s string) (*Description, error) {
	values, err := url.ParseQuery(s)
	if err != nil {
		return nil, fmt.Errorf("parse query string: %w", err)
	}

	d := &Description{}
	for key := range values {
		value := values.Get(key)
		switch strings.ToLower(key) {
		case "$filter":
			node, err := ParseFilter(value)
			if err != nil {
				return nil, err
			}
			d.Filter = node
		case "$orderby":
			clauses, err := parseOrderBy(value)
			if err != nil {
				return nil, err
			}
			d.OrderBy = clauses
		case "$select":
			if value != "" {
				d.Selection = strings.Split(value, ",")
			}
		case "$skip":
			n, err := strconv.Atoi(value)
			if err != nil || n < 0 {
				return nil, fmt.Errorf("invalid $skip %q", value)
			}
			d.Skip = n
		case "$top":
			n, err := strconv.Atoi(value)
			if err != nil || n < 0 {
				return nil, fmt.Errorf("invalid $top %q", value)
			}
			d.Top = n
		case "$count":
			b, err := strconv.ParseBool(value)
			if err != nil {
				return nil, fmt.Errorf("invalid $count %q", value)
			}
			d.RequestTotalCount = b
		case IncludeDeletedKey:
			b, err := strconv.ParseBool(value)
			if err != nil {
				return nil, fmt.Errorf("invalid %s %q", IncludeDeletedKey, value)
			}
			d.IncludeDeleted = b
		default:
			if strings.HasPrefix(key, "$") {
				return nil, fmt.Errorf("%w: %s", ErrUnknownOption, key)
			}
			if d.Parameters == nil {
				d.Parameters = make(map[string]string)
			}
			d.Parameters[key] = value
		}
	}
	return d, nil
}

func parseOrderBy(s string) ([]OrderClause, error) {
	var clauses []OrderClause
	for _, part := range strings.Split(s, ",") {
		fields := strings.Fields(part)
		switch len(fields) {
		case 1:
			clauses = append(clauses, OrderClause{Path: fields[0]})
		case 2:
			switch strings.ToLower(fields[1]) {
			case "asc":
				clauses = append(clauses, OrderClause{Path: fields[0]})
			case "desc":
				clauses = append(clauses, OrderClause{Path: fields[0], Descending: true})
			default:
				return nil, fmt.Errorf("%w: %q", ErrInvalidOrderBy, part)
			}
		default:
			return nil, fmt.Errorf("%w: %q", ErrInvalidOrderBy, part)
		}
	}
	return clauses, nil
}

// --- filter lexer ---

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokNumber
	tokString
	tokDateTime
	tokLParen
	tokRParen
	tokComma
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

var dateTimeRe = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}T\d{2}:\d{2}(:\d{2}(\.\d+)?)?(Z|[+-]\d{2}:\d{2})?`)

type lexer struct {
	input string
	pos   int
}

func (l *lexer) next() (token, error) {
	for l.pos < len(l.input) && l.input[l.pos] == ' ' {
		l.pos++
	}
	if l.pos >= len(l.input) {
		return token{kind: tokEOF, pos: l.pos}, nil
	}

	start := l.pos
	c := l.input[l.pos]
	switch {
	case c == '(':
		l.pos++
		return token{kind: tokLParen, text: "(", pos: start}, nil
	case c == ')':
		l.pos++
		return token{kind: tokRParen, text: ")", pos: start}, nil
	case c == ',':
		l.pos++
		return token{kind: tokComma, text: ",", pos: start}, nil
	case c == '\'':
		return l.lexString()
	case c >= '0' && c <= '9', c == '-':
		if m := dateTimeRe.FindString(l.input[l.pos:]); m != "" {
			l.pos += len(m)
			return token{kind: tokDateTime, text: m, pos: start}, nil
		}
		return l.lexNumber()
	case isIdentStart(c):
		for l.pos < len(l.input) && isIdentPart(l.input[l.pos]) {
			l.pos++
		}
		return token{kind: tokIdent, text: l.input[start:l.pos], pos: start}, nil
	default:
		return token{}, fmt.Errorf("%w: unexpected character %q at %d", ErrInvalidFilter, c, start)
	}
}

func (l *lexer) lexString() (token, error) {
	start := l.pos
	l.pos++ // opening quote
	var sb strings.Builder
	for l.pos < len(l.input) {
		c := l.input[l.pos]
		if c == '\'' {
			if l.pos+1 < len(l.input) && l.input[l.pos+1] == '\'' {
				sb.WriteByte('\'')
				l.pos += 2
				continue
			}
			l.pos++
			return token{kind: tokString, text: sb.String(), pos: start}, nil
		}
		sb.WriteByte(c)
		l.pos++
	}
	return token{}, fmt.Errorf("%w: unterminated string at %d", ErrInvalidFilter, start)
}

func (l *lexer) lexNumber() (token, error) {
	start := l.pos
	if l.input[l.pos] == '-' {
		l.pos++
	}
	digits := false
	for l.pos < len(l.input) {
		c := l.input[l.pos]
		if c >= '0' && c <= '9' || c == '.' {
			digits = digits || c != '.'
			l.pos++
			continue
		}
		if c == 'e' || c == 'E' {
			l.pos++
			if l.pos < len(l.input) && (l.input[l.pos] == '+' || l.input[l.pos] == '-') {
				l.pos++
			}
			continue
		}
		break
	}
	if !digits {
		return token{}, fmt.Errorf("%w: malformed number at %d", ErrInvalidFilter, start)
	}
	// type suffix
	if l.pos < len(l.input) {
		switch l.input[l.pos] {
		case 'L', 'f', 'M', 'm', 'd':
			l.pos++
		}
	}
	return token{kind: tokNumber, text: l.input[start:l.pos], pos: start}, nil
}

func isIdentStart(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c == '_'
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || c >= '0' && c <= '9' || c == '.'
}

// --- filter parser ---

// ParseFilter parses a $filter expression with OData v4 precedence.
func ParseFilter(s string) (Node, error) {
	p := &parser{lex: &lexer{input: s}}
	if err := p.advance(); err != nil {
		return nil, err
	}
	node, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.cur.kind != tokEOF {
		return nil, fmt.Errorf("%w: trailing input at %d", ErrInvalidFilter, p.cur.pos)
	}
	return node, nil
}

type parser struct {
	lex *lexer
	cur token
}

func (p *parser) advance() error {
	tok, err := p.lex.next()
	if err != nil {
		return err
	}
	p.cur = tok
	return nil
}

func (p *parser) atKeyword(kw string) bool {
	return p.cur.kind == tokIdent && strings.EqualFold(p.cur.text, kw)
}

func (p *parser) parseOr() (Node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.atKeyword("or") {
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &Binary{Op: OpOr, Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (Node, error) {
	left, err := p.parseComparison()
	if err != nil {
		return nil, err
	}
	for p.atKeyword("and") {
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseComparison()
		if err != nil {
			return nil, err
		}
		left = &Binary{Op: OpAnd, Left: left, Right: right}
	}
	return left, nil
}

var comparisonOps = map[string]BinaryOp{
	"eq": OpEq, "ne": OpNe, "lt": OpLt, "le": OpLe, "gt": OpGt, "ge": OpGe,
}

func (p *parser) parseComparison() (Node, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	if p.cur.kind == tokIdent {
		if op, ok := comparisonOps[strings.ToLower(p.cur.text)]; ok {
			if err := p.advance(); err != nil {
				return nil, err
			}
			right, err := p.parseNot()
			if err != nil {
				return nil, err
			}
			return &Binary{Op: op, Left: left, Right: right}, nil
		}
		if strings.EqualFold(p.cur.text, "in") {
			if err := p.advance(); err != nil {
				return nil, err
			}
			coll, err := p.parseCollection()
			if err != nil {
				return nil, err
			}
			return &Binary{Op: OpIn, Left: left, Right: coll}, nil
		}
	}
	return left, nil
}

func (p *parser) parseNot() (Node, error) {
	if p.atKeyword("not") {
		if err := p.advance(); err != nil {
			return nil, err
		}
		operand, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return &Unary{Operand: operand}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (Node, error) {
	switch p.cur.kind {
	case tokLParen:
		if err := p.advance(); err != nil {
			return nil, err
		}
		node, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.cur.kind != tokRParen {
			return nil, fmt.Errorf("%w: expected ) at %d", ErrInvalidFilter, p.cur.pos)
		}
		if err := p.advance(); err != nil {
			return nil, err
		}
		return node, nil

	case tokString:
		node := String(p.cur.text)
		return node, p.advance()

	case tokDateTime:
		t, err := parseDateTimeLiteral(p.cur.text)
		if err != nil {
			return nil, err
		}
		node := DateTime(t)
		return node, p.advance()

	case tokNumber:
		node, err := parseNumber(p.cur.text)
		if err != nil {
			return nil, err
		}
		return node, p.advance()

	case tokIdent:
		text := p.cur.text
		switch strings.ToLower(text) {
		case "true":
			return Bool(true), p.advance()
		case "false":
			return Bool(false), p.advance()
		}
		if err := p.advance(); err != nil {
			return nil, err
		}
		if p.cur.kind == tokLParen {
			return p.parseFunctionCall(text)
		}
		return &Member{Path: text}, nil

	default:
		return nil, fmt.Errorf("%w: unexpected token at %d", ErrInvalidFilter, p.cur.pos)
	}
}

func (p *parser) parseFunctionCall(name string) (Node, error) {
	lower := strings.ToLower(name)
	arity, ok := supportedFunctions[lower]
	if !ok {
		return nil, fmt.Errorf("%w: function %q", ErrUnsupported, name)
	}
	if err := p.advance(); err != nil { // consume (
		return nil, err
	}
	var args []Node
	for p.cur.kind != tokRParen {
		arg, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
		if p.cur.kind == tokComma {
			if err := p.advance(); err != nil {
				return nil, err
			}
		}
	}
	if err := p.advance(); err != nil { // consume )
		return nil, err
	}
	if arity >= 0 && len(args) != arity {
		return nil, fmt.Errorf("%w: %s takes %d arguments, got %d", ErrInvalidFilter, lower, arity, len(args))
	}
	return &Function{Name: lower, Args: args}, nil
}

func (p *parser) parseCollection() (Node, error) {
	if p.cur.kind != tokLParen {
		return nil, fmt.Errorf("%w: expected ( after in at %d", ErrInvalidFilter, p.cur.pos)
	}
	if err := p.advance(); err != nil {
		return nil, err
	}
	coll := &Collection{}
	for p.cur.kind != tokRParen {
		item, err := p.parsePrimary()
		if err != nil {
			return nil, err
		}
		coll.Items = append(coll.Items, item)
		if p.cur.kind == tokComma {
			if err := p.advance(); err != nil {
				return nil, err
			}
		}
	}
	return coll, p.advance()
}

func parseDateTimeLiteral(s string) (time.Time, error) {
	layouts := []string{
		dateTimeLayout,
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02T15:04:05",
		"2006-01-02T15:04",
	}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: bad datetime literal %q", ErrInvalidFilter, s)
}

func parseNumber(s string) (Node, error) {
	suffix := byte(0)
	if len(s) > 0 {
		switch s[len(s)-1] {
		case 'L', 'f', 'M', 'm', 'd':
			suffix = s[len(s)-1]
			s = s[:len(s)-1]
		}
	}
	switch suffix {
	case 'L':
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: bad long literal %q", ErrInvalidFilter, s)
		}
		return Long(v), nil
	case 'f':
		v, err := strconv.ParseFloat(s, 32)
		if err != nil {
			return nil, fmt.Errorf("%w: bad single literal %q", ErrInvalidFilter, s)
		}
		return Single(v), nil
	case 'M', 'm':
		return Decimal(s), nil
	case 'd':
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: bad double literal %q", ErrInvalidFilter, s)
		}
		return Double(v), nil
	default:
		if strings.ContainsAny(s, ".eE") {
			v, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: bad double literal %q", ErrInvalidFilter, s)
			}
			return Double(v), nil
		}
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: bad integer literal %q", ErrInvalidFilter, s)
		}
		return Int(v), nil
	}
}
