// Package cypher implements the pattern contract for the MATCH/WHERE/RETURN
// subset the engine's triggers use: node patterns with labels and inline
// properties, directed labeled relationship patterns, attribute comparisons,
// and a RETURN projection.
package cypher

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/factgraph/factgraph/pkg/fact"
	"github.com/factgraph/factgraph/pkg/pattern"
)

// Parser parses pattern text. It is stateless and safe for concurrent use.
type Parser struct{}

var _ pattern.Parser = (*Parser)(nil)

func NewParser() *Parser { return &Parser{} }

// Parse see [pattern.Parser].Parse.
func (p *Parser) Parse(text string) (pattern.Pattern, error) {
	q, err := parseQuery(text)
	if err != nil {
		return nil, fmt.Errorf("parse pattern %q: %w", text, err)
	}
	return q, nil
}

// query is the parsed form. It implements [pattern.Pattern].
type query struct {
	text  string
	nodes []*nodeNode
	rels  []*relNode
	preds []*predicateNode
	names []string
}

var _ pattern.Pattern = (*query)(nil)

func (q *query) Text() string { return q.text }

func (q *query) Walk() []pattern.Node {
	out := make([]pattern.Node, 0, len(q.nodes)+len(q.rels)+len(q.preds))
	for _, n := range q.nodes {
		out = append(out, n)
	}
	for _, r := range q.rels {
		out = append(out, r)
	}
	for _, p := range q.preds {
		out = append(out, p)
	}
	return out
}

func (q *query) ReturnClause() pattern.ReturnClause {
	return &returnClause{q: q}
}

type prop struct {
	key   string
	value fact.Value
}

// nodeNode is one `(var:Label {key: literal})` pattern.
type nodeNode struct {
	variable string
	labels   []string
	props    []prop
}

var _ pattern.ConstraintProvider = (*nodeNode)(nil)

func (n *nodeNode) Constraints() []fact.Constraint {
	var out []fact.Constraint
	for _, l := range n.labels {
		out = append(out, fact.NodeLabelConstraint(n.variable, l))
	}
	for _, p := range n.props {
		out = append(out, fact.NodeAttributeConstraint(n.variable, p.key, p.value))
	}
	// Any attribute fact on a candidate node can change what the pattern's
	// predicates or the trigger's function see, so every node variable also
	// listens for attribute facts at large. Without this a label-only
	// pattern would never re-fire when the attribute arrives after the
	// label.
	out = append(out, fact.AnyAttributeConstraint(n.variable))
	return out
}

// relNode is one `-[var:LABEL]->` pattern between two node variables.
type relNode struct {
	variable string
	label    string
	srcVar   string
	tgtVar   string
}

var _ pattern.ConstraintProvider = (*relNode)(nil)

func (r *relNode) Constraints() []fact.Constraint {
	return []fact.Constraint{
		fact.RelationshipLabelConstraint(r.variable, r.label),
		fact.RelationshipSourceConstraint(r.srcVar, r.variable),
		fact.RelationshipTargetConstraint(r.tgtVar, r.variable),
	}
}

// predicateNode is one WHERE comparison. Equality comparisons surface as
// attribute constraints so the matcher can trigger on the attribute fact;
// every other operator is wrapped as an is-true constraint.
type predicateNode struct {
	cmp *comparison
}

var _ pattern.ConstraintProvider = (*predicateNode)(nil)

func (p *predicateNode) Constraints() []fact.Constraint {
	if p.cmp.op == "=" {
		return []fact.Constraint{fact.NodeAttributeConstraint(p.cmp.variable, p.cmp.attribute, p.cmp.literal)}
	}
	return []fact.Constraint{fact.IsTrueConstraint(p.cmp)}
}

// --- lexer ---

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokNumber
	tokString
	tokPunct
)

type token struct {
	kind tokenKind
	text string
}

type lexer struct {
	src string
	pos int
}

func (l *lexer) peekByte() byte {
	if l.pos >= len(l.src) {
		return 0
	}
	return l.src[l.pos]
}

func (l *lexer) next() (token, error) {
	for l.pos < len(l.src) && unicode.IsSpace(rune(l.src[l.pos])) {
		l.pos++
	}
	if l.pos >= len(l.src) {
		return token{kind: tokEOF}, nil
	}

	c := l.src[l.pos]
	switch {
	case c == '\'' || c == '"':
		quote := c
		l.pos++
		start := l.pos
		for l.pos < len(l.src) && l.src[l.pos] != quote {
			l.pos++
		}
		if l.pos >= len(l.src) {
			return token{}, fmt.Errorf("unterminated string literal")
		}
		text := l.src[start:l.pos]
		l.pos++
		return token{kind: tokString, text: text}, nil

	case c == '_' || unicode.IsLetter(rune(c)):
		start := l.pos
		for l.pos < len(l.src) {
			r := rune(l.src[l.pos])
			if r != '_' && !unicode.IsLetter(r) && !unicode.IsDigit(r) {
				break
			}
			l.pos++
		}
		return token{kind: tokIdent, text: l.src[start:l.pos]}, nil

	case unicode.IsDigit(rune(c)):
		start := l.pos
		for l.pos < len(l.src) && (unicode.IsDigit(rune(l.src[l.pos])) || l.src[l.pos] == '.') {
			l.pos++
		}
		return token{kind: tokNumber, text: l.src[start:l.pos]}, nil

	case c == '<':
		l.pos++
		if l.peekByte() == '>' {
			l.pos++
			return token{kind: tokPunct, text: "<>"}, nil
		}
		if l.peekByte() == '=' {
			l.pos++
			return token{kind: tokPunct, text: "<="}, nil
		}
		return token{kind: tokPunct, text: "<"}, nil

	case c == '>':
		l.pos++
		if l.peekByte() == '=' {
			l.pos++
			return token{kind: tokPunct, text: ">="}, nil
		}
		return token{kind: tokPunct, text: ">"}, nil

	default:
		l.pos++
		return token{kind: tokPunct, text: string(c)}, nil
	}
}

// --- parser ---

type parser struct {
	lex     *lexer
	tok     token
	nodes   map[string]*nodeNode
	order   []string
	rels    []*relNode
	preds   []*predicateNode
	anonRel int
}

func parseQuery(text string) (*query, error) {
	p := &parser{
		lex:   &lexer{src: text},
		nodes: make(map[string]*nodeNode),
	}
	if err := p.advance(); err != nil {
		return nil, err
	}

	if err := p.expectKeyword("MATCH"); err != nil {
		return nil, err
	}
	for {
		if err := p.parsePatternPart(); err != nil {
			return nil, err
		}
		if !p.isPunct(",") {
			break
		}
		if err := p.advance(); err != nil {
			return nil, err
		}
	}

	if p.isKeyword("WHERE") {
		if err := p.advance(); err != nil {
			return nil, err
		}
		for {
			if err := p.parseComparison(); err != nil {
				return nil, err
			}
			if !p.isKeyword("AND") {
				break
			}
			if err := p.advance(); err != nil {
				return nil, err
			}
		}
	}

	if err := p.expectKeyword("RETURN"); err != nil {
		return nil, err
	}
	var names []string
	for {
		if p.tok.kind != tokIdent {
			return nil, fmt.Errorf("expected variable in RETURN clause, got %q", p.tok.text)
		}
		names = append(names, p.tok.text)
		if err := p.advance(); err != nil {
			return nil, err
		}
		if !p.isPunct(",") {
			break
		}
		if err := p.advance(); err != nil {
			return nil, err
		}
	}
	if p.tok.kind != tokEOF {
		return nil, fmt.Errorf("unexpected trailing input %q", p.tok.text)
	}

	q := &query{text: text, rels: p.rels, preds: p.preds, names: names}
	for _, v := range p.order {
		q.nodes = append(q.nodes, p.nodes[v])
	}
	return q, nil
}

func (p *parser) advance() error {
	tok, err := p.lex.next()
	if err != nil {
		return err
	}
	p.tok = tok
	return nil
}

func (p *parser) isPunct(s string) bool {
	return p.tok.kind == tokPunct && p.tok.text == s
}

func (p *parser) isKeyword(kw string) bool {
	return p.tok.kind == tokIdent && strings.EqualFold(p.tok.text, kw)
}

func (p *parser) expectKeyword(kw string) error {
	if !p.isKeyword(kw) {
		return fmt.Errorf("expected %s, got %q", kw, p.tok.text)
	}
	return p.advance()
}

func (p *parser) expectPunct(s string) error {
	if !p.isPunct(s) {
		return fmt.Errorf("expected %q, got %q", s, p.tok.text)
	}
	return p.advance()
}

// parsePatternPart parses node (rel node)* chains.
func (p *parser) parsePatternPart() error {
	left, err := p.parseNode()
	if err != nil {
		return err
	}

	for p.isPunct("-") || p.isPunct("<") {
		reversed := false
		if p.isPunct("<") {
			reversed = true
			if err := p.advance(); err != nil {
				return err
			}
		}
		if err := p.expectPunct("-"); err != nil {
			return err
		}
		if err := p.expectPunct("["); err != nil {
			return err
		}

		relVar := ""
		if p.tok.kind == tokIdent {
			relVar = p.tok.text
			if err := p.advance(); err != nil {
				return err
			}
		}
		if err := p.expectPunct(":"); err != nil {
			return fmt.Errorf("relationship pattern requires a label: %w", err)
		}
		if p.tok.kind != tokIdent {
			return fmt.Errorf("expected relationship label, got %q", p.tok.text)
		}
		relLabel := p.tok.text
		if err := p.advance(); err != nil {
			return err
		}
		if err := p.expectPunct("]"); err != nil {
			return err
		}
		if err := p.expectPunct("-"); err != nil {
			return err
		}
		if !reversed {
			if err := p.expectPunct(">"); err != nil {
				return err
			}
		}

		right, err := p.parseNode()
		if err != nil {
			return err
		}

		if relVar == "" {
			p.anonRel++
			relVar = fmt.Sprintf("_rel%d", p.anonRel)
		}

		src, tgt := left, right
		if reversed {
			src, tgt = right, left
		}
		p.rels = append(p.rels, &relNode{variable: relVar, label: relLabel, srcVar: src, tgtVar: tgt})

		left = right
	}
	return nil
}

// parseNode parses `(var[:Label][{props}])` and returns the node variable.
// A repeated variable merges into the earlier node pattern.
func (p *parser) parseNode() (string, error) {
	if err := p.expectPunct("("); err != nil {
		return "", err
	}
	if p.tok.kind != tokIdent {
		return "", fmt.Errorf("expected node variable, got %q", p.tok.text)
	}
	variable := p.tok.text
	if err := p.advance(); err != nil {
		return "", err
	}

	node, ok := p.nodes[variable]
	if !ok {
		node = &nodeNode{variable: variable}
		p.nodes[variable] = node
		p.order = append(p.order, variable)
	}

	if p.isPunct(":") {
		if err := p.advance(); err != nil {
			return "", err
		}
		if p.tok.kind != tokIdent {
			return "", fmt.Errorf("expected node label, got %q", p.tok.text)
		}
		node.labels = append(node.labels, p.tok.text)
		if err := p.advance(); err != nil {
			return "", err
		}
	}

	if p.isPunct("{") {
		if err := p.advance(); err != nil {
			return "", err
		}
		for {
			if p.tok.kind != tokIdent {
				return "", fmt.Errorf("expected property key, got %q", p.tok.text)
			}
			key := p.tok.text
			if err := p.advance(); err != nil {
				return "", err
			}
			if err := p.expectPunct(":"); err != nil {
				return "", err
			}
			value, err := p.parseLiteral()
			if err != nil {
				return "", err
			}
			node.props = append(node.props, prop{key: key, value: value})
			if !p.isPunct(",") {
				break
			}
			if err := p.advance(); err != nil {
				return "", err
			}
		}
		if err := p.expectPunct("}"); err != nil {
			return "", err
		}
	}

	if err := p.expectPunct(")"); err != nil {
		return "", err
	}
	return variable, nil
}

func (p *parser) parseComparison() error {
	if p.tok.kind != tokIdent {
		return fmt.Errorf("expected variable in WHERE clause, got %q", p.tok.text)
	}
	variable := p.tok.text
	if err := p.advance(); err != nil {
		return err
	}
	if err := p.expectPunct("."); err != nil {
		return err
	}
	if p.tok.kind != tokIdent {
		return fmt.Errorf("expected attribute name, got %q", p.tok.text)
	}
	attribute := p.tok.text
	if err := p.advance(); err != nil {
		return err
	}

	if p.tok.kind != tokPunct {
		return fmt.Errorf("expected comparison operator, got %q", p.tok.text)
	}
	op := p.tok.text
	switch op {
	case "=", "<>", "<", "<=", ">", ">=":
	default:
		return fmt.Errorf("unsupported comparison operator %q", op)
	}
	if err := p.advance(); err != nil {
		return err
	}

	literal, err := p.parseLiteral()
	if err != nil {
		return err
	}

	p.preds = append(p.preds, &predicateNode{cmp: &comparison{
		variable:  variable,
		attribute: attribute,
		op:        op,
		literal:   literal,
	}})
	return nil
}

func (p *parser) parseLiteral() (fact.Value, error) {
	switch p.tok.kind {
	case tokString:
		v := fact.ValueOf(p.tok.text)
		return v, p.advance()
	case tokNumber:
		if strings.Contains(p.tok.text, ".") {
			f, err := strconv.ParseFloat(p.tok.text, 64)
			if err != nil {
				return fact.Value{}, fmt.Errorf("bad number literal %q", p.tok.text)
			}
			return fact.ValueOf(f), p.advance()
		}
		i, err := strconv.ParseInt(p.tok.text, 10, 64)
		if err != nil {
			return fact.Value{}, fmt.Errorf("bad number literal %q", p.tok.text)
		}
		return fact.ValueOf(i), p.advance()
	case tokIdent:
		if strings.EqualFold(p.tok.text, "true") {
			return fact.ValueOf(true), p.advance()
		}
		if strings.EqualFold(p.tok.text, "false") {
			return fact.ValueOf(false), p.advance()
		}
	}
	return fact.Value{}, fmt.Errorf("expected literal, got %q", p.tok.text)
}
