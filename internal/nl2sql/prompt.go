package nl2sql

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tabletalk/tabletalk/internal/dataset"
)

const systemPrompt = "You convert natural language questions about one uploaded table into a single DuckDB SQL query. " +
	"DuckDB uses PostgreSQL-like SQL syntax. " +
	"Only SELECT or WITH queries are allowed. " +
	"Return ONLY SQL. No markdown, no explanation."

func buildPrompt(req Request) (string, string, error) {
	tableJSON, err := json.Marshal(req.Table)
	if err != nil {
		return "", "", fmt.Errorf("marshal table context: %w", err)
	}
	limit := req.DefaultLimit
	if limit <= 0 {
		limit = 1000
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Table schema and sample rows (JSON):\n%s\n\n", tableJSON)
	if len(req.History) > 0 {
		b.WriteString("Earlier questions in this session:\n")
		for _, exchange := range req.History {
			fmt.Fprintf(&b, "- %s\n  %s\n", strings.TrimSpace(exchange.Question), strings.TrimSpace(exchange.SQL))
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "Question:\n%s\n\nRules:\n", strings.TrimSpace(req.Question))
	fmt.Fprintf(&b, "- Query only the table %q.\n", req.Table.TableName)
	b.WriteString("- Never guess column names; use only the listed columns.\n")
	b.WriteString("- Select only the columns the question needs.\n")
	if req.Tier == dataset.TierLarge {
		b.WriteString("- The table is LARGE. Never use SELECT * without LIMIT.\n")
		b.WriteString("- Prefer COUNT, SUM, AVG, MIN and MAX over returning raw rows.\n")
		b.WriteString("- Filter with WHERE before aggregating.\n")
		fmt.Fprintf(&b, "- Add LIMIT %d to any query that returns raw rows.\n", limit)
	} else {
		fmt.Fprintf(&b, "- Add LIMIT %d unless the question asks otherwise.\n", limit)
	}
	b.WriteString("- Output a single SQL query only.")
	return systemPrompt, b.String(), nil
}

// stripMarkdownSQL removes a surrounding code fence from model output.
func stripMarkdownSQL(value string) string {
	trimmed := strings.TrimSpace(value)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, "```")
	if newline := strings.IndexByte(trimmed, '\n'); newline >= 0 && !strings.ContainsAny(trimmed[:newline], " \t") {
		trimmed = trimmed[newline+1:]
	}
	if end := strings.Index(trimmed, "```"); end >= 0 {
		trimmed = trimmed[:end]
	}
	return strings.TrimSpace(trimmed)
}
