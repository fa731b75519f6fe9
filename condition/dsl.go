// Package condition implements the restricted condition DSL used by goal
// conditions, post-conditions, routing edges and runtime-policy triggers.
// Expressions are compiled to JSON-Logic once at ingress; the runtime only
// ever evaluates the compiled form against a run-context snapshot.
//
// Grammar:
//
//	expr       := or
//	or         := and ('||' and)*
//	and        := unary ('&&' unary)*
//	unary      := '!' unary | primary
//	primary    := '(' expr ')' | comparison
//	comparison := operand (('==' | '!=' | '>' | '>=' | '<' | '<=' | 'in') operand)?
//	operand    := literal | path
//	literal    := string | number | 'true' | 'false' | 'null' | '[' literal (',' literal)* ']'
//	path       := segment ('.' segment)*
//
// A path's first segment names a facet; an optional leading "facets." is
// accepted and stripped. A bare path or literal in boolean position is
// evaluated for truthiness.
package condition

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// SyntaxError reports where and why a DSL expression failed to parse.
type SyntaxError struct {
	Pos     int
	Message string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("invalid condition at offset %d: %s", e.Pos, e.Message)
}

type tokenKind int

const (
	tokenEOF tokenKind = iota
	tokenIdent
	tokenString
	tokenNumber
	tokenOp
	tokenLParen
	tokenRParen
	tokenLBracket
	tokenRBracket
	tokenComma
	tokenDot
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

func lex(input string) ([]token, error) {
	var tokens []token
	i := 0
	for i < len(input) {
		c := input[i]

		if c == ' ' || c == '\t' || c == '\n' || c == '\r' {
			i++
			continue
		}

		switch c {
		case '(':
			tokens = append(tokens, token{tokenLParen, "(", i})
			i++
			continue
		case ')':
			tokens = append(tokens, token{tokenRParen, ")", i})
			i++
			continue
		case '[':
			tokens = append(tokens, token{tokenLBracket, "[", i})
			i++
			continue
		case ']':
			tokens = append(tokens, token{tokenRBracket, "]", i})
			i++
			continue
		case ',':
			tokens = append(tokens, token{tokenComma, ",", i})
			i++
			continue
		case '.':
			tokens = append(tokens, token{tokenDot, ".", i})
			i++
			continue
		}

		if c == '&' || c == '|' {
			if i+1 < len(input) && input[i+1] == c {
				tokens = append(tokens, token{tokenOp, string(c) + string(c), i})
				i += 2
				continue
			}
			return nil, &SyntaxError{Pos: i, Message: fmt.Sprintf("unexpected %q", string(c))}
		}

		if c == '=' || c == '!' || c == '<' || c == '>' {
			if i+1 < len(input) && input[i+1] == '=' {
				tokens = append(tokens, token{tokenOp, string(c) + "=", i})
				i += 2
				continue
			}
			if c == '=' {
				return nil, &SyntaxError{Pos: i, Message: "single '=' is not a comparison, use '=='"}
			}
			tokens = append(tokens, token{tokenOp, string(c), i})
			i++
			continue
		}

		if c == '"' || c == '\'' {
			text, next, err := lexString(input, i)
			if err != nil {
				return nil, err
			}
			tokens = append(tokens, token{tokenString, text, i})
			i = next
			continue
		}

		if c >= '0' && c <= '9' || (c == '-' && i+1 < len(input) && input[i+1] >= '0' && input[i+1] <= '9') {
			start := i
			i++
			for i < len(input) && (input[i] >= '0' && input[i] <= '9' || input[i] == '.') {
				i++
			}
			tokens = append(tokens, token{tokenNumber, input[start:i], start})
			continue
		}

		if isIdentStart(rune(c)) {
			start := i
			for i < len(input) && isIdentPart(rune(input[i])) {
				i++
			}
			tokens = append(tokens, token{tokenIdent, input[start:i], start})
			continue
		}

		return nil, &SyntaxError{Pos: i, Message: fmt.Sprintf("unexpected character %q", string(c))}
	}

	tokens = append(tokens, token{tokenEOF, "", len(input)})
	return tokens, nil
}

func lexString(input string, start int) (string, int, error) {
	quote := input[start]
	var b strings.Builder
	i := start + 1
	for i < len(input) {
		c := input[i]
		if c == '\\' && i+1 < len(input) {
			next := input[i+1]
			switch next {
			case 'n':
				b.WriteByte('\n')
			case 't':
				b.WriteByte('\t')
			default:
				b.WriteByte(next)
			}
			i += 2
			continue
		}
		if c == quote {
			return b.String(), i + 1, nil
		}
		b.WriteByte(c)
		i++
	}
	return "", 0, &SyntaxError{Pos: start, Message: "unterminated string literal"}
}

func isIdentStart(r rune) bool {
	return unicode.IsLetter(r) || r == '_' || r == '$'
}

func isIdentPart(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || r == '$'
}

// AST nodes.

type exprNode interface{}

type logicalExpr struct {
	op       string // "and" | "or"
	operands []exprNode
}

type notExpr struct {
	operand exprNode
}

type compareExpr struct {
	op    string // "==" "!=" ">" ">=" "<" "<=" "in"
	left  exprNode
	right exprNode
}

type pathExpr struct {
	segments []string
}

type literalExpr struct {
	value interface{}
}

type parser struct {
	tokens []token
	pos    int
}

func parse(input string) (exprNode, error) {
	if strings.TrimSpace(input) == "" {
		return nil, &SyntaxError{Pos: 0, Message: "empty condition"}
	}
	tokens, err := lex(input)
	if err != nil {
		return nil, err
	}
	p := &parser{tokens: tokens}
	expr, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.peek().kind != tokenEOF {
		return nil, &SyntaxError{Pos: p.peek().pos, Message: fmt.Sprintf("unexpected trailing input %q", p.peek().text)}
	}
	return expr, nil
}

func (p *parser) peek() token {
	return p.tokens[p.pos]
}

func (p *parser) next() token {
	t := p.tokens[p.pos]
	if t.kind != tokenEOF {
		p.pos++
	}
	return t
}

func (p *parser) parseOr() (exprNode, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	operands := []exprNode{left}
	for p.peek().kind == tokenOp && p.peek().text == "||" {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		operands = append(operands, right)
	}
	if len(operands) == 1 {
		return left, nil
	}
	return &logicalExpr{op: "or", operands: operands}, nil
}

func (p *parser) parseAnd() (exprNode, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	operands := []exprNode{left}
	for p.peek().kind == tokenOp && p.peek().text == "&&" {
		p.next()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		operands = append(operands, right)
	}
	if len(operands) == 1 {
		return left, nil
	}
	return &logicalExpr{op: "and", operands: operands}, nil
}

func (p *parser) parseUnary() (exprNode, error) {
	if p.peek().kind == tokenOp && p.peek().text == "!" {
		p.next()
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &notExpr{operand: operand}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (exprNode, error) {
	if p.peek().kind == tokenLParen {
		p.next()
		expr, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.peek().kind != tokenRParen {
			return nil, &SyntaxError{Pos: p.peek().pos, Message: "expected ')'"}
		}
		p.next()
		return expr, nil
	}
	return p.parseComparison()
}

func (p *parser) parseComparison() (exprNode, error) {
	left, err := p.parseOperand()
	if err != nil {
		return nil, err
	}

	t := p.peek()
	isCmp := t.kind == tokenOp && t.text != "&&" && t.text != "||" && t.text != "!"
	isIn := t.kind == tokenIdent && t.text == "in"
	if !isCmp && !isIn {
		return left, nil
	}

	op := t.text
	p.next()
	right, err := p.parseOperand()
	if err != nil {
		return nil, err
	}
	return &compareExpr{op: op, left: left, right: right}, nil
}

func (p *parser) parseOperand() (exprNode, error) {
	t := p.peek()
	switch t.kind {
	case tokenString:
		p.next()
		return &literalExpr{value: t.text}, nil

	case tokenNumber:
		p.next()
		f, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return nil, &SyntaxError{Pos: t.pos, Message: fmt.Sprintf("invalid number %q", t.text)}
		}
		return &literalExpr{value: f}, nil

	case tokenLBracket:
		return p.parseArray()

	case tokenIdent:
		switch t.text {
		case "true":
			p.next()
			return &literalExpr{value: true}, nil
		case "false":
			p.next()
			return &literalExpr{value: false}, nil
		case "null":
			p.next()
			return &literalExpr{value: nil}, nil
		}
		return p.parsePath()

	case tokenEOF:
		return nil, &SyntaxError{Pos: t.pos, Message: "unexpected end of condition"}

	default:
		return nil, &SyntaxError{Pos: t.pos, Message: fmt.Sprintf("unexpected %q", t.text)}
	}
}

func (p *parser) parseArray() (exprNode, error) {
	open := p.next() // consume '['
	values := []interface{}{}

	if p.peek().kind == tokenRBracket {
		p.next()
		return &literalExpr{value: values}, nil
	}

	for {
		elem, err := p.parseOperand()
		if err != nil {
			return nil, err
		}
		lit, ok := elem.(*literalExpr)
		if !ok {
			return nil, &SyntaxError{Pos: open.pos, Message: "array literals may only contain literals"}
		}
		values = append(values, lit.value)

		switch p.peek().kind {
		case tokenComma:
			p.next()
		case tokenRBracket:
			p.next()
			return &literalExpr{value: values}, nil
		default:
			return nil, &SyntaxError{Pos: p.peek().pos, Message: "expected ',' or ']' in array literal"}
		}
	}
}

func (p *parser) parsePath() (exprNode, error) {
	first := p.next()
	segments := []string{first.text}

	for p.peek().kind == tokenDot {
		p.next()
		t := p.peek()
		if t.kind != tokenIdent && t.kind != tokenNumber {
			return nil, &SyntaxError{Pos: t.pos, Message: "expected path segment after '.'"}
		}
		p.next()
		segments = append(segments, t.text)
	}

	// The explicit "facets." prefix is accepted and normalized away.
	if segments[0] == "facets" {
		if len(segments) == 1 {
			return nil, &SyntaxError{Pos: first.pos, Message: "path \"facets\" needs a facet name"}
		}
		segments = segments[1:]
	}

	return &pathExpr{segments: segments}, nil
}
