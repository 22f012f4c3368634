// Package guard decides whether a candidate SQL statement may run against
// a session table, and rewrites it when a row limit is all that is missing.
package guard

import (
	"fmt"
	"strconv"

	"github.com/tabletalk/tabletalk/internal/dataset"
)

type Reason string

const (
	ReasonUnboundedScan           Reason = "unbounded_scan"
	ReasonMissingLimit            Reason = "missing_limit"
	ReasonDisallowedStatementType Reason = "disallowed_statement_type"
)

type Outcome string

const (
	OutcomeRejected  Outcome = "rejected"
	OutcomeAllowed   Outcome = "allowed"
	OutcomeRewritten Outcome = "rewritten"
)

// Decision is the verdict for one statement. It is never persisted.
type Decision struct {
	Allowed         bool   `json:"allowed"`
	RewrittenSQL    string `json:"rewritten_sql,omitempty"`
	ViolationReason Reason `json:"violation_reason,omitempty"`
	Detail          string `json:"detail,omitempty"`
}

func (d Decision) Outcome() Outcome {
	switch {
	case !d.Allowed:
		return OutcomeRejected
	case d.RewrittenSQL != "":
		return OutcomeRewritten
	default:
		return OutcomeAllowed
	}
}

// Statement returns the SQL to execute for an allowed decision.
func (d Decision) Statement(original string) string {
	if d.RewrittenSQL != "" {
		return d.RewrittenSQL
	}
	return original
}

// RejectionError carries a rejected decision to callers that work with errors.
type RejectionError struct {
	Decision Decision
}

func (e *RejectionError) Error() string {
	if e.Decision.Detail == "" {
		return fmt.Sprintf("query rejected: %s", e.Decision.ViolationReason)
	}
	return fmt.Sprintf("query rejected: %s: %s", e.Decision.ViolationReason, e.Decision.Detail)
}

type Options struct {
	DefaultLimit int
	// RewriteEnabled appends DefaultLimit to unbounded large-tier queries.
	// When false those queries are rejected with missing_limit instead.
	RewriteEnabled bool
}

type Guard struct {
	defaultLimit int
	rewrite      bool
}

func New(opts Options) (*Guard, error) {
	if opts.DefaultLimit <= 0 {
		return nil, &dataset.ConfigError{Setting: "guard_default_limit", Reason: "must be > 0"}
	}
	return &Guard{defaultLimit: opts.DefaultLimit, rewrite: opts.RewriteEnabled}, nil
}

func (g *Guard) DefaultLimit() int {
	return g.defaultLimit
}

// Evaluate applies the read-only check, then the large-tier shape rules.
// Tiers other than small are treated as large.
func (g *Guard) Evaluate(sql string, tier dataset.SizeTier) Decision {
	shape, err := analyze(sql)
	if err != nil {
		return reject(ReasonDisallowedStatementType, "unparseable statement: "+err.Error())
	}
	if shape.keyword != "SELECT" {
		return reject(ReasonDisallowedStatementType, fmt.Sprintf("only SELECT or WITH ... SELECT statements are allowed, got %s", shape.keyword))
	}
	if shape.forbidden != "" {
		return reject(ReasonDisallowedStatementType, fmt.Sprintf("%s is not allowed in a read-only query", shape.forbidden))
	}

	if tier == dataset.TierSmall {
		return Decision{Allowed: true}
	}

	if shape.hasLimit || shape.aggregated {
		return Decision{Allowed: true}
	}
	if shape.wildcardOnly {
		return reject(ReasonUnboundedScan, "SELECT * without LIMIT or aggregation on a large dataset; select specific columns, aggregate, or add a LIMIT")
	}
	if shape.openLimit {
		return reject(ReasonMissingLimit, "LIMIT ALL on a large dataset; use a numeric LIMIT or an aggregation")
	}
	if !g.rewrite {
		return reject(ReasonMissingLimit, "queries on a large dataset need a LIMIT or an aggregation")
	}
	return Decision{
		Allowed:      true,
		RewrittenSQL: sql[:shape.bodyEnd] + "\nLIMIT " + strconv.Itoa(g.defaultLimit),
		Detail:       fmt.Sprintf("row limit %d applied to large dataset", g.defaultLimit),
	}
}

func reject(reason Reason, detail string) Decision {
	return Decision{Allowed: false, ViolationReason: reason, Detail: detail}
}
