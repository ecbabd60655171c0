package mcp

import (
	"context"
	"fmt"
	"strings"

	"hoverreply/internal/mangle"
)

type QueryJournalTool struct {
	engine *mangle.Engine
}

func (t *QueryJournalTool) Name() string { return "query-journal" }
func (t *QueryJournalTool) Description() string {
	return `Run a Mangle query against the pipeline journal.

BASE FACTS:
- message_attached(Handle, At)
- message_extracted(Handle, MessageID, Author, IsBot, At)
- message_locked(Handle, At), message_unlocked(Handle, Reason, At)
- relay_attempt(MessageID, Attempt, Outcome, At)
- reply_batch(MessageID, Handle, Count, Source, Displayed, At)

DERIVED:
- fallback_batch(M, H), stale_batch(M, H), relay_failed(M, A)
- unreliable_message(M), bot_message(H), locked_bot(H)

EXAMPLE: stale_batch(M, H).   relay_attempt("m1", A, O, _).

Returns: {results: [{Var: value}, ...]}`
}
func (t *QueryJournalTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"query": map[string]interface{}{
				"type":        "string",
				"description": "Mangle query atom, e.g. stale_batch(M, H).",
			},
		},
		"required": []string{"query"},
	}
}
func (t *QueryJournalTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	if t.engine == nil {
		return nil, fmt.Errorf("journal disabled")
	}
	query := strings.TrimSpace(getStringArg(args, "query"))
	if query == "" {
		return nil, fmt.Errorf("query is required")
	}
	results, err := t.engine.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"query":   query,
		"count":   len(results),
		"results": results,
	}, nil
}

type SubmitRuleTool struct {
	engine *mangle.Engine
}

func (t *SubmitRuleTool) Name() string { return "submit-rule" }
func (t *SubmitRuleTool) Description() string {
	return `Add Mangle declarations and rules to the journal program at runtime.

The combined program is re-analyzed; a rule that does not analyze is rejected
and the program is left unchanged.

EXAMPLE:
Decl twice_failed(M).
twice_failed(M) :- relay_failed(M, 0), relay_failed(M, 1).`
}
func (t *SubmitRuleTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"rule": map[string]interface{}{
				"type":        "string",
				"description": "Mangle source with Decl statements and rules",
			},
		},
		"required": []string{"rule"},
	}
}
func (t *SubmitRuleTool) Execute(_ context.Context, args map[string]interface{}) (interface{}, error) {
	if t.engine == nil {
		return nil, fmt.Errorf("journal disabled")
	}
	rule := getStringArg(args, "rule")
	if strings.TrimSpace(rule) == "" {
		return nil, fmt.Errorf("rule is required")
	}
	if err := t.engine.AddRule(rule); err != nil {
		return nil, err
	}
	return map[string]interface{}{"success": true}, nil
}
