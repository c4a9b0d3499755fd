// Package expression compiles user-facing session query expressions into
// Elasticsearch filter trees. The grammar is deliberately small: comparisons
// joined by && and || with parentheses; values may be literals or $shortcut
// references resolved against the lookups index.
package expression

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// Filter is an Elasticsearch query tree fragment.
type Filter map[string]interface{}

// LookupSource resolves shortcut names. Implemented by esstore.
type LookupSource interface {
	LookupValues(ctx context.Context, name string) ([]string, error)
}

// Compiler turns expression strings into filter trees.
type Compiler struct {
	lookups *lookupCache
}

// NewCompiler creates a Compiler backed by the given shortcut source.
func NewCompiler(src LookupSource) *Compiler {
	return &Compiler{lookups: newLookupCache(src)}
}

// fieldMap translates expression field names to session document fields.
var fieldMap = map[string]string{
	"ip.src":    "srcIp",
	"ip.dst":    "dstIp",
	"port.src":  "srcPort",
	"port.dst":  "dstPort",
	"node":      "node",
	"tags":      "tags",
	"protocols": "protocol",
	"id":        "_id",
}

// Compile parses expr into a filter tree. A compile error means the
// expression will never be runnable; background jobs latch unrunnable on it.
func (c *Compiler) Compile(ctx context.Context, expr string) (Filter, error) {
	p := &parser{ctx: ctx, compiler: c, tokens: tokenize(expr)}
	f, err := p.parseOr()
	if err != nil {
		return nil, fmt.Errorf("failed to compile expression %q: %w", expr, err)
	}
	if !p.done() {
		return nil, fmt.Errorf("failed to compile expression %q: unexpected %q", expr, p.peek())
	}
	return f, nil
}

// SessionQueryOpts are the pieces combined into one session search filter.
type SessionQueryOpts struct {
	Expression       string // user expression, may be empty
	ForcedExpression string // per-user forced expression, may be empty
	StartMs          int64  // lastPacket lower bound inclusive, 0 = unbounded
	StopMs           int64  // lastPacket upper bound, 0 = unbounded
	// StopExclusive excludes StopMs itself, for back-to-back windows where
	// a boundary session must belong to exactly one of them.
	StopExclusive bool
}

// BuildSessionFilter compiles the expressions and injects the lastPacket time
// range, returning the filter clause list for a bool query.
func (c *Compiler) BuildSessionFilter(ctx context.Context, opts SessionQueryOpts) ([]Filter, error) {
	var filters []Filter

	if opts.StartMs != 0 || opts.StopMs != 0 {
		rng := map[string]interface{}{}
		if opts.StartMs != 0 {
			rng["gte"] = opts.StartMs
		}
		if opts.StopMs != 0 {
			if opts.StopExclusive {
				rng["lt"] = opts.StopMs
			} else {
				rng["lte"] = opts.StopMs
			}
		}
		filters = append(filters, Filter{"range": map[string]interface{}{"lastPacket": rng}})
	}

	if opts.ForcedExpression != "" {
		f, err := c.Compile(ctx, opts.ForcedExpression)
		if err != nil {
			return nil, err
		}
		filters = append(filters, f)
	}

	if opts.Expression != "" {
		f, err := c.Compile(ctx, opts.Expression)
		if err != nil {
			return nil, err
		}
		filters = append(filters, f)
	}

	return filters, nil
}

type parser struct {
	ctx      context.Context
	compiler *Compiler
	tokens   []string
	pos      int
}

func (p *parser) peek() string {
	if p.pos >= len(p.tokens) {
		return ""
	}
	return p.tokens[p.pos]
}

func (p *parser) next() string {
	t := p.peek()
	p.pos++
	return t
}

func (p *parser) done() bool { return p.pos >= len(p.tokens) }

func (p *parser) parseOr() (Filter, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	clauses := []interface{}{left}
	for p.peek() == "||" {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		clauses = append(clauses, right)
	}
	if len(clauses) == 1 {
		return left, nil
	}
	return Filter{"bool": map[string]interface{}{
		"should":               clauses,
		"minimum_should_match": 1,
	}}, nil
}

func (p *parser) parseAnd() (Filter, error) {
	left, err := p.parseTerm()
	if err != nil {
		return nil, err
	}
	clauses := []interface{}{left}
	for p.peek() == "&&" {
		p.next()
		right, err := p.parseTerm()
		if err != nil {
			return nil, err
		}
		clauses = append(clauses, right)
	}
	if len(clauses) == 1 {
		return left, nil
	}
	return Filter{"bool": map[string]interface{}{"filter": clauses}}, nil
}

func (p *parser) parseTerm() (Filter, error) {
	tok := p.peek()
	if tok == "(" {
		p.next()
		f, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.next() != ")" {
			return nil, fmt.Errorf("missing closing parenthesis")
		}
		return f, nil
	}
	return p.parseComparison()
}

func (p *parser) parseComparison() (Filter, error) {
	field := p.next()
	if field == "" {
		return nil, fmt.Errorf("expected field name")
	}
	op := p.next()
	value := p.next()
	if value == "" {
		return nil, fmt.Errorf("field %q: expected operator and value", field)
	}

	esField := field
	if mapped, ok := fieldMap[field]; ok {
		esField = mapped
	}

	var f Filter
	switch {
	case field == "port":
		// Bare "port" matches either direction.
		inner, err := p.valueFilters(value, "srcPort", "dstPort")
		if err != nil {
			return nil, err
		}
		f = Filter{"bool": map[string]interface{}{
			"should":               inner,
			"minimum_should_match": 1,
		}}
	default:
		inner, err := p.valueFilters(value, esField)
		if err != nil {
			return nil, err
		}
		if len(inner) == 1 {
			f = inner[0].(Filter)
		} else {
			f = Filter{"bool": map[string]interface{}{
				"should":               inner,
				"minimum_should_match": 1,
			}}
		}
	}

	switch op {
	case "==":
		return f, nil
	case "!=":
		return Filter{"bool": map[string]interface{}{"must_not": []interface{}{f}}}, nil
	default:
		return nil, fmt.Errorf("field %q: unknown operator %q", field, op)
	}
}

// valueFilters expands one value (literal, wildcard or $shortcut) over the
// given document fields.
func (p *parser) valueFilters(value string, fields ...string) ([]interface{}, error) {
	values := []string{value}
	if strings.HasPrefix(value, "$") {
		resolved, err := p.compiler.lookups.values(p.ctx, strings.TrimPrefix(value, "$"))
		if err != nil {
			return nil, err
		}
		values = resolved
	}

	var out []interface{}
	for _, field := range fields {
		for _, v := range values {
			out = append(out, singleFilter(field, v))
		}
	}
	return out, nil
}

func singleFilter(field, value string) Filter {
	value = strings.Trim(value, `"`)
	if strings.ContainsAny(value, "*?") {
		return Filter{"wildcard": map[string]interface{}{field: value}}
	}
	if n, err := strconv.ParseInt(value, 10, 64); err == nil {
		return Filter{"term": map[string]interface{}{field: n}}
	}
	return Filter{"term": map[string]interface{}{field: value}}
}

// tokenize splits on whitespace but keeps parentheses as their own tokens and
// quoted strings whole.
func tokenize(expr string) []string {
	var tokens []string
	var cur strings.Builder
	inQuote := false

	flush := func() {
		if cur.Len() > 0 {
			tokens = append(tokens, cur.String())
			cur.Reset()
		}
	}

	for _, r := range expr {
		switch {
		case r == '"':
			inQuote = !inQuote
			cur.WriteRune(r)
		case inQuote:
			cur.WriteRune(r)
		case r == '(' || r == ')':
			flush()
			tokens = append(tokens, string(r))
		case r == ' ' || r == '\t' || r == '\n':
			flush()
		default:
			cur.WriteRune(r)
		}
	}
	flush()
	return tokens
}
