package dataset

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// NullSet holds the tokens that count as missing values. Blank cells are
// always missing.
type NullSet map[string]struct{}

func NewNullSet(tokens []string) NullSet {
	set := make(NullSet, len(tokens))
	for _, token := range tokens {
		token = strings.TrimSpace(token)
		if token == "" {
			continue
		}
		set[token] = struct{}{}
	}
	return set
}

func (s NullSet) IsNull(value string) bool {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return true
	}
	_, ok := s[trimmed]
	return ok
}

var decimalPattern = regexp.MustCompile(`^[+-]?(\d+\.?\d*|\.\d+)([eE][+-]?\d+)?$`)

// Layouts the analytical engine can cast from text without a format string.
var datetimeLayouts = []string{
	"2006-01-02",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04",
	"2006-01-02T15:04",
}

// typeTracker narrows the candidate types of one column as values arrive.
type typeTracker struct {
	observed    int64
	nulls       int64
	canBool     bool
	canInt      bool
	canFloat    bool
	canDatetime bool
}

func newTypeTracker() *typeTracker {
	return &typeTracker{canBool: true, canInt: true, canFloat: true, canDatetime: true}
}

func (t *typeTracker) observe(value string, isNull bool) {
	t.observed++
	if isNull {
		t.nulls++
		return
	}
	value = strings.TrimSpace(value)
	if t.canBool && !isBoolLiteral(value) {
		t.canBool = false
	}
	if t.canInt {
		if _, err := strconv.ParseInt(value, 10, 64); err != nil {
			t.canInt = false
		}
	}
	if t.canFloat && !decimalPattern.MatchString(value) {
		t.canFloat = false
	}
	if t.canDatetime && !isDatetime(value) {
		t.canDatetime = false
	}
}

func (t *typeTracker) result() ColumnType {
	switch {
	case t.observed == t.nulls:
		return TypeUnknown
	case t.canBool:
		return TypeBoolean
	case t.canInt:
		return TypeInteger
	case t.canFloat:
		return TypeFloat
	case t.canDatetime:
		return TypeDatetime
	default:
		return TypeText
	}
}

func (t *typeTracker) nullRatio() float64 {
	if t.observed == 0 {
		return 0
	}
	return float64(t.nulls) / float64(t.observed)
}

func isBoolLiteral(value string) bool {
	return strings.EqualFold(value, "true") || strings.EqualFold(value, "false")
}

func isDatetime(value string) bool {
	if len(value) < len("2006-01-02") {
		return false
	}
	for _, layout := range datetimeLayouts {
		if _, err := time.Parse(layout, value); err == nil {
			return true
		}
	}
	return false
}
