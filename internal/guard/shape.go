package guard

import (
	"fmt"
	"strings"
)

// aggregateFunctions collapse a whole relation into one row per group.
var aggregateFunctions = map[string]struct{}{
	"COUNT": {}, "SUM": {}, "AVG": {}, "MIN": {}, "MAX": {},
	"MEDIAN": {}, "MODE": {}, "STDDEV": {}, "STDDEV_SAMP": {}, "STDDEV_POP": {},
	"VARIANCE": {}, "VAR_SAMP": {}, "VAR_POP": {}, "APPROX_COUNT_DISTINCT": {},
	"QUANTILE_CONT": {}, "QUANTILE_DISC": {}, "CORR": {}, "COUNT_STAR": {},
}

// externalFunctions reach outside the session table: files, other
// databases, the environment or dynamic SQL.
var externalFunctions = map[string]struct{}{
	"READ_CSV": {}, "READ_CSV_AUTO": {}, "READ_PARQUET": {}, "PARQUET_SCAN": {},
	"PARQUET_METADATA": {}, "PARQUET_SCHEMA": {}, "READ_JSON": {}, "READ_JSON_AUTO": {},
	"READ_JSON_OBJECTS": {}, "READ_NDJSON": {}, "READ_TEXT": {}, "READ_BLOB": {},
	"READ_XLSX": {}, "GLOB": {}, "SNIFF_CSV": {}, "ICEBERG_SCAN": {}, "DELTA_SCAN": {},
	"SQLITE_SCAN": {}, "POSTGRES_SCAN": {}, "MYSQL_SCAN": {}, "GETENV": {},
	"QUERY": {}, "QUERY_TABLE": {},
}

var setOperators = map[string]struct{}{
	"UNION": {}, "INTERSECT": {}, "EXCEPT": {},
}

// statementShape is what the guard needs to know about one statement.
type statementShape struct {
	keyword   string
	forbidden string
	hasLimit  bool
	// openLimit is a top-level LIMIT ALL or LIMIT NULL, which no appended
	// LIMIT can follow.
	openLimit    bool
	aggregated   bool
	wildcardOnly bool
	// bodyEnd is the byte offset just past the last token that is not a
	// trailing semicolon.
	bodyEnd int
}

func analyze(sql string) (statementShape, error) {
	tokens, err := tokenize(sql)
	if err != nil {
		return statementShape{}, err
	}
	last := len(tokens) - 1
	for last >= 0 && tokens[last].kind == tokenSemicolon {
		last--
	}
	if last < 0 {
		return statementShape{}, fmt.Errorf("empty statement")
	}
	tokens = tokens[:last+1]
	for _, tok := range tokens {
		if tok.kind == tokenSemicolon {
			return statementShape{}, fmt.Errorf("multiple statements are not allowed")
		}
	}

	shape := statementShape{bodyEnd: tokens[last].end}
	shape.forbidden = findForbidden(tokens)

	first := tokens[0]
	if first.kind != tokenIdent {
		shape.keyword = first.text
		return shape, nil
	}
	bodyStart := 0
	shape.keyword = first.upper
	if first.upper == "WITH" {
		idx := mainStatementIndex(tokens)
		if idx < 0 {
			return statementShape{}, fmt.Errorf("WITH clause is not followed by a statement")
		}
		shape.keyword = tokens[idx].upper
		bodyStart = idx
	}
	if shape.keyword != "SELECT" {
		return shape, nil
	}

	body := tokens[bodyStart:]
	shape.hasLimit, shape.openLimit = topLevelLimit(body)
	branches := splitBranches(body)
	shape.aggregated = true
	for _, branch := range branches {
		if !isAggregated(branch) {
			shape.aggregated = false
		}
		if isWildcardOnly(branch) {
			shape.wildcardOnly = true
		}
	}
	return shape, nil
}

// findForbidden returns the first construct that reaches outside the
// session tables: an external table function, or a string or quoted name
// that DuckDB would resolve as a file path.
func findForbidden(tokens []token) string {
	// fromClause records per parenthesis depth whether a comma introduces
	// another table reference.
	fromClause := map[int]bool{}
	for i, tok := range tokens {
		switch tok.kind {
		case tokenIdent:
			if _, ok := externalFunctions[tok.upper]; ok && peek(tokens, i+1).kind == tokenLParen {
				return tok.upper + "()"
			}
			if tok.inCall {
				continue
			}
			switch tok.upper {
			case "FROM", "JOIN":
				fromClause[tok.depth] = true
			case "SELECT", "WHERE", "GROUP", "HAVING", "QUALIFY", "WINDOW", "ORDER", "LIMIT", "OFFSET",
				"UNION", "INTERSECT", "EXCEPT":
				fromClause[tok.depth] = false
			}
		case tokenString:
			if isTableReference(tokens, i, fromClause) {
				return "file scan " + tok.text
			}
		case tokenQuotedIdent:
			if isTableReference(tokens, i, fromClause) && strings.ContainsAny(tok.text, `/\.*?:~`) {
				return "file scan " + tok.text
			}
		}
	}
	return ""
}

func isTableReference(tokens []token, i int, fromClause map[int]bool) bool {
	tok := tokens[i]
	if tok.inCall {
		return false
	}
	prev := peek(tokens, i-1)
	switch {
	case prev.is("FROM"), prev.is("JOIN"):
		return !prev.inCall
	case prev.kind == tokenComma:
		return fromClause[tok.depth]
	}
	return false
}

// mainStatementIndex skips the common table expressions of a WITH
// statement and returns the index of the statement keyword that follows.
func mainStatementIndex(tokens []token) int {
	for i := 1; i < len(tokens); i++ {
		tok := tokens[i]
		if tok.depth != 0 || tok.kind != tokenIdent {
			continue
		}
		switch tok.upper {
		case "SELECT", "INSERT", "UPDATE", "DELETE", "MERGE", "VALUES", "FROM", "TABLE", "PIVOT", "UNPIVOT":
			return i
		}
	}
	return -1
}

func topLevelLimit(tokens []token) (bounded, open bool) {
	for i, tok := range tokens {
		if tok.depth != 0 {
			continue
		}
		switch {
		case tok.is("LIMIT"):
			next := peek(tokens, i+1)
			if next.is("ALL") || next.is("NULL") {
				open = true
				continue
			}
			return true, false
		case tok.is("FETCH"):
			return true, false
		}
	}
	return false, open
}

func splitBranches(tokens []token) [][]token {
	var (
		branches [][]token
		start    int
	)
	for i, tok := range tokens {
		if tok.depth != 0 || tok.kind != tokenIdent {
			continue
		}
		if _, ok := setOperators[tok.upper]; ok {
			branches = append(branches, tokens[start:i])
			start = i + 1
		}
	}
	return append(branches, tokens[start:])
}

// isAggregated looks for GROUP BY, HAVING or an aggregate call outside
// any subquery. Aggregates wrapped in scalar calls such as ROUND(AVG(x), 2)
// still count.
func isAggregated(branch []token) bool {
	for i, tok := range branch {
		if tok.query != 0 || tok.kind != tokenIdent {
			continue
		}
		if tok.upper == "GROUP" && peek(branch, i+1).is("BY") {
			return true
		}
		if tok.upper == "HAVING" {
			return true
		}
		if _, ok := aggregateFunctions[tok.upper]; ok && peek(branch, i+1).kind == tokenLParen {
			if !isWindowCall(branch, i+1) {
				return true
			}
		}
	}
	return false
}

// isWindowCall reports whether the call whose argument list opens at
// branch[open] is followed by OVER, optionally after a FILTER clause.
func isWindowCall(branch []token, open int) bool {
	after := closingParen(branch, open) + 1
	if peek(branch, after).is("FILTER") && peek(branch, after+1).kind == tokenLParen {
		after = closingParen(branch, after+1) + 1
	}
	return peek(branch, after).is("OVER")
}

func closingParen(tokens []token, open int) int {
	depth := tokens[open].depth
	for i := open + 1; i < len(tokens); i++ {
		if tokens[i].kind == tokenRParen && tokens[i].depth == depth {
			return i
		}
	}
	return len(tokens) - 1
}

// isWildcardOnly reports whether every projected item of the branch's
// SELECT list is * or qualifier.*, with or without EXCLUDE/REPLACE/RENAME.
func isWildcardOnly(branch []token) bool {
	start := -1
	for i, tok := range branch {
		if tok.depth == 0 && tok.is("SELECT") {
			start = i + 1
			break
		}
	}
	if start < 0 {
		return false
	}
	if tok := peek(branch, start); tok.is("DISTINCT") || tok.is("ALL") {
		start++
		if peek(branch, start).is("ON") && peek(branch, start+1).kind == tokenLParen {
			start = closingParen(branch, start+1) + 1
		}
	}

	var items [][]token
	itemStart := start
	end := len(branch)
	for i := start; i < len(branch); i++ {
		tok := branch[i]
		if tok.depth != 0 {
			continue
		}
		if tok.is("FROM") {
			end = i
			break
		}
		if tok.kind == tokenComma {
			items = append(items, branch[itemStart:i])
			itemStart = i + 1
		}
	}
	items = append(items, branch[itemStart:end])
	for _, item := range items {
		if !isWildcardItem(item) {
			return false
		}
	}
	return true
}

func isWildcardItem(item []token) bool {
	i := 0
	for i+1 < len(item) && (item[i].kind == tokenIdent || item[i].kind == tokenQuotedIdent) && item[i+1].kind == tokenDot {
		i += 2
	}
	if i >= len(item) || item[i].kind != tokenStar {
		return false
	}
	rest := item[i+1:]
	if len(rest) == 0 {
		return true
	}
	switch {
	case rest[0].is("EXCLUDE"), rest[0].is("REPLACE"), rest[0].is("RENAME"):
		return len(rest) > 1 && rest[1].kind == tokenLParen && closingParen(rest, 1) == len(rest)-1
	}
	return false
}

func peek(tokens []token, i int) token {
	if i < 0 || i >= len(tokens) {
		return token{kind: tokenEOF}
	}
	return tokens[i]
}
