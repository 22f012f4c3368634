package guard

import (
	"fmt"
	"strings"
)

type tokenKind int

const (
	tokenEOF tokenKind = iota
	tokenIdent
	tokenQuotedIdent
	tokenString
	tokenNumber
	tokenParam
	tokenLParen
	tokenRParen
	tokenComma
	tokenSemicolon
	tokenDot
	tokenStar
	tokenOperator
)

type token struct {
	kind  tokenKind
	text  string
	upper string
	pos   int
	end   int
	// depth is the parenthesis nesting level the token sits at; an opening
	// parenthesis carries the depth outside of it.
	depth int
	// query counts the subquery parentheses around the token. Call
	// arguments and expression groups do not count.
	query int
	// inCall is set when the innermost parenthesis around the token is not
	// a subquery.
	inCall bool
}

func (t token) is(keyword string) bool {
	return t.kind == tokenIdent && t.upper == keyword
}

// lexer splits DuckDB SQL into tokens. It understands comments, quoting
// and dollar-quoted strings well enough that keywords inside literals are
// never mistaken for structure.
type lexer struct {
	input   string
	pos     int
	readPos int
	ch      byte
}

func newLexer(input string) *lexer {
	l := &lexer{input: input}
	l.readChar()
	return l
}

func (l *lexer) readChar() {
	if l.readPos >= len(l.input) {
		l.ch = 0
	} else {
		l.ch = l.input[l.readPos]
	}
	l.pos = l.readPos
	l.readPos++
}

func (l *lexer) peekChar() byte {
	if l.readPos >= len(l.input) {
		return 0
	}
	return l.input[l.readPos]
}

func (l *lexer) atEOF() bool {
	return l.pos >= len(l.input)
}

func (l *lexer) skipWhitespaceAndComments() error {
	for !l.atEOF() {
		switch {
		case l.ch == ' ' || l.ch == '\t' || l.ch == '\n' || l.ch == '\r' || l.ch == '\f':
			l.readChar()
		case l.ch == '-' && l.peekChar() == '-':
			for !l.atEOF() && l.ch != '\n' {
				l.readChar()
			}
		case l.ch == '/' && l.peekChar() == '*':
			start := l.pos
			l.readChar()
			l.readChar()
			for {
				if l.atEOF() {
					return fmt.Errorf("unterminated block comment at offset %d", start)
				}
				if l.ch == '*' && l.peekChar() == '/' {
					l.readChar()
					l.readChar()
					break
				}
				l.readChar()
			}
		default:
			return nil
		}
	}
	return nil
}

func (l *lexer) next() (token, error) {
	if err := l.skipWhitespaceAndComments(); err != nil {
		return token{}, err
	}
	start := l.pos
	if l.atEOF() {
		return token{kind: tokenEOF, pos: start, end: start}, nil
	}

	simple := func(kind tokenKind) (token, error) {
		l.readChar()
		return token{kind: kind, text: l.input[start:l.pos], pos: start, end: l.pos}, nil
	}

	switch {
	case l.ch == '(':
		return simple(tokenLParen)
	case l.ch == ')':
		return simple(tokenRParen)
	case l.ch == ',':
		return simple(tokenComma)
	case l.ch == ';':
		return simple(tokenSemicolon)
	case l.ch == '*':
		return simple(tokenStar)
	case l.ch == '.' && !isDigit(l.peekChar()):
		return simple(tokenDot)
	case l.ch == '\'':
		return l.readString(start)
	case (l.ch == 'e' || l.ch == 'E' || l.ch == 'x' || l.ch == 'X' || l.ch == 'b' || l.ch == 'B') && l.peekChar() == '\'':
		l.readChar()
		return l.readString(start)
	case l.ch == '"':
		return l.readQuotedIdentifier(start)
	case l.ch == '$':
		return l.readDollar(start)
	case l.ch == '?':
		return simple(tokenParam)
	case isDigit(l.ch) || l.ch == '.':
		for isDigit(l.ch) || l.ch == '.' || l.ch == '_' || isLetter(l.ch) {
			if (l.ch == 'e' || l.ch == 'E') && (l.peekChar() == '+' || l.peekChar() == '-') {
				l.readChar()
			}
			l.readChar()
		}
		return token{kind: tokenNumber, text: l.input[start:l.pos], pos: start, end: l.pos}, nil
	case isLetter(l.ch) || l.ch >= 0x80:
		for isLetter(l.ch) || isDigit(l.ch) || l.ch == '$' || l.ch >= 0x80 {
			l.readChar()
		}
		text := l.input[start:l.pos]
		return token{kind: tokenIdent, text: text, upper: strings.ToUpper(text), pos: start, end: l.pos}, nil
	default:
		for strings.IndexByte("+-/<>=!~^&|%#@:[]{}", l.ch) >= 0 && !l.atEOF() {
			if (l.ch == '-' && l.peekChar() == '-') || (l.ch == '/' && l.peekChar() == '*') {
				break
			}
			l.readChar()
		}
		if l.pos == start {
			return token{}, fmt.Errorf("unexpected character %q at offset %d", l.ch, start)
		}
		return token{kind: tokenOperator, text: l.input[start:l.pos], pos: start, end: l.pos}, nil
	}
}

// readString consumes a single-quoted literal; ” escapes a quote.
func (l *lexer) readString(start int) (token, error) {
	l.readChar()
	for {
		if l.atEOF() {
			return token{}, fmt.Errorf("unterminated string literal at offset %d", start)
		}
		if l.ch == '\'' {
			if l.peekChar() == '\'' {
				l.readChar()
				l.readChar()
				continue
			}
			l.readChar()
			return token{kind: tokenString, text: l.input[start:l.pos], pos: start, end: l.pos}, nil
		}
		l.readChar()
	}
}

// readQuotedIdentifier consumes a double-quoted identifier; "" escapes a quote.
func (l *lexer) readQuotedIdentifier(start int) (token, error) {
	l.readChar()
	for {
		if l.atEOF() {
			return token{}, fmt.Errorf("unterminated quoted identifier at offset %d", start)
		}
		if l.ch == '"' {
			if l.peekChar() == '"' {
				l.readChar()
				l.readChar()
				continue
			}
			l.readChar()
			return token{kind: tokenQuotedIdent, text: l.input[start:l.pos], pos: start, end: l.pos}, nil
		}
		l.readChar()
	}
}

// readDollar handles positional parameters ($1) and dollar-quoted strings
// ($$...$$ or $tag$...$tag$).
func (l *lexer) readDollar(start int) (token, error) {
	l.readChar()
	if isDigit(l.ch) {
		for isDigit(l.ch) {
			l.readChar()
		}
		return token{kind: tokenParam, text: l.input[start:l.pos], pos: start, end: l.pos}, nil
	}
	for isLetter(l.ch) || isDigit(l.ch) {
		l.readChar()
	}
	if l.ch != '$' {
		return token{}, fmt.Errorf("unexpected character '$' at offset %d", start)
	}
	l.readChar()
	delimiter := l.input[start:l.pos]
	idx := strings.Index(l.input[l.pos:], delimiter)
	if idx < 0 {
		return token{}, fmt.Errorf("unterminated dollar-quoted string at offset %d", start)
	}
	end := l.pos + idx + len(delimiter)
	for l.pos < end {
		l.readChar()
	}
	return token{kind: tokenString, text: l.input[start:end], pos: start, end: end}, nil
}

// tokenize returns every token of input with parenthesis depths assigned.
// Unbalanced parentheses are an error.
func tokenize(input string) ([]token, error) {
	l := newLexer(input)
	var (
		tokens []token
		depth  int
	)
	for {
		tok, err := l.next()
		if err != nil {
			return nil, err
		}
		if tok.kind == tokenEOF {
			break
		}
		switch tok.kind {
		case tokenLParen:
			tok.depth = depth
			depth++
		case tokenRParen:
			depth--
			if depth < 0 {
				return nil, fmt.Errorf("unbalanced ')' at offset %d", tok.pos)
			}
			tok.depth = depth
		default:
			tok.depth = depth
		}
		tokens = append(tokens, tok)
	}
	if depth != 0 {
		return nil, fmt.Errorf("unbalanced '(': %d left open", depth)
	}
	assignQueryDepth(tokens)
	return tokens, nil
}

// opensSubquery reports whether a parenthesis followed by tok starts a
// nested query rather than a call argument list or an expression group.
func opensSubquery(tok token) bool {
	switch {
	case tok.is("SELECT"), tok.is("WITH"), tok.is("FROM"), tok.is("VALUES"), tok.is("TABLE"):
		return true
	}
	return false
}

func assignQueryDepth(tokens []token) {
	var (
		subquery []bool
		query    int
	)
	for i := range tokens {
		tok := &tokens[i]
		tok.query = query
		tok.inCall = len(subquery) > 0 && !subquery[len(subquery)-1]
		switch tok.kind {
		case tokenLParen:
			opens := i+1 < len(tokens) && opensSubquery(tokens[i+1])
			subquery = append(subquery, opens)
			if opens {
				query++
			}
		case tokenRParen:
			if opens := subquery[len(subquery)-1]; opens {
				query--
			}
			subquery = subquery[:len(subquery)-1]
			tok.query = query
			tok.inCall = len(subquery) > 0 && !subquery[len(subquery)-1]
		}
	}
}

func isLetter(ch byte) bool {
	return ch == '_' || (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z')
}

func isDigit(ch byte) bool {
	return ch >= '0' && ch <= '9'
}
