package parser

import (
	"strconv"
	"unicode"

	"github.com/cockroachdb/errors"

	"drcgc/pkg/ast"
)

// Parser parses S-expressions into Nodes
type Parser struct {
	input string
	pos   int
	line  int
	col   int
}

// New creates a new parser for the given input
func New(input string) *Parser {
	return &Parser{input: input, line: 1, col: 1}
}

// Parse parses a single S-expression. It returns nil at end of input.
func (p *Parser) Parse() (*ast.Node, error) {
	p.skipWhitespace()
	if p.pos >= len(p.input) {
		return nil, nil
	}
	return p.parseExpr()
}

// ParseAll parses all S-expressions in the input
func (p *Parser) ParseAll() ([]*ast.Node, error) {
	var results []*ast.Node
	for {
		p.skipWhitespace()
		if p.pos >= len(p.input) {
			break
		}
		expr, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		results = append(results, expr)
	}
	return results, nil
}

func (p *Parser) here() ast.Pos {
	return ast.Pos{Line: p.line, Col: p.col}
}

func (p *Parser) errorf(pos ast.Pos, format string, args ...interface{}) error {
	return errors.Wrapf(errors.Newf(format, args...), "%s", pos)
}

func (p *Parser) skipWhitespace() {
	for p.pos < len(p.input) {
		ch := p.input[p.pos]
		if ch == ';' {
			// Skip comment to end of line
			for p.pos < len(p.input) && p.input[p.pos] != '\n' {
				p.advance()
			}
		} else if unicode.IsSpace(rune(ch)) {
			p.advance()
		} else {
			break
		}
	}
}

func (p *Parser) peek() byte {
	if p.pos >= len(p.input) {
		return 0
	}
	return p.input[p.pos]
}

func (p *Parser) advance() byte {
	ch := p.peek()
	if p.pos < len(p.input) {
		p.pos++
		if ch == '\n' {
			p.line++
			p.col = 1
		} else {
			p.col++
		}
	}
	return ch
}

func (p *Parser) parseExpr() (*ast.Node, error) {
	switch p.peek() {
	case '(':
		return p.parseList()
	case ')':
		return nil, p.errorf(p.here(), "unexpected ')'")
	default:
		return p.parseAtom()
	}
}

func (p *Parser) parseList() (*ast.Node, error) {
	start := p.here()
	p.advance() // consume '('
	items := []*ast.Node{}

	for {
		p.skipWhitespace()
		if p.pos >= len(p.input) {
			return nil, p.errorf(start, "unclosed list")
		}
		if p.peek() == ')' {
			p.advance()
			break
		}
		expr, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		items = append(items, expr)
	}

	return ast.NewList(items, start), nil
}

func isDelimiter(ch byte) bool {
	return unicode.IsSpace(rune(ch)) || ch == '(' || ch == ')' || ch == ';'
}

func (p *Parser) parseAtom() (*ast.Node, error) {
	start := p.here()
	from := p.pos
	for p.pos < len(p.input) && !isDelimiter(p.input[p.pos]) {
		p.advance()
	}
	text := p.input[from:p.pos]
	if text == "" {
		return nil, p.errorf(start, "unexpected character: %q", p.peek())
	}

	if isNumber(text) {
		// base 0 accepts 0x.. so addresses can be written as they print
		n, err := strconv.ParseInt(text, 0, 64)
		if err != nil {
			return nil, p.errorf(start, "invalid integer: %s", text)
		}
		return ast.NewInt(n, start), nil
	}

	if text[0] == ':' {
		if len(text) == 1 {
			return nil, p.errorf(start, "empty keyword")
		}
		return ast.NewKeyword(text[1:], start), nil
	}

	return ast.NewSym(text, start), nil
}

func isDigit(ch byte) bool {
	return ch >= '0' && ch <= '9'
}

func isNumber(text string) bool {
	if text[0] == '-' || text[0] == '+' {
		return len(text) > 1 && isDigit(text[1])
	}
	return isDigit(text[0])
}

// ParseString is a convenience function to parse a string
func ParseString(input string) (*ast.Node, error) {
	p := New(input)
	return p.Parse()
}

// ParseAllString parses all expressions in a string
func ParseAllString(input string) ([]*ast.Node, error) {
	p := New(input)
	return p.ParseAll()
}
