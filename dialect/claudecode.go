package dialect

import (
	"fmt"

	"github.com/statline/statline/ledger"
	"github.com/statline/statline/wire"
)

func init() {
	register(claudeCode())
}

// claudeTokenFields routes claude_code.token.usage by its `type`
// attribute. A data point missing the attribute, or carrying a value
// not listed here, updates nothing.
var claudeTokenFields = map[string]string{
	"input":         ledger.FieldInputTokens,
	"output":        ledger.FieldOutputTokens,
	"cacheRead":     ledger.FieldCacheReadTokens,
	"cacheCreation": ledger.FieldCacheCreationTokens,
}

var claudeLineFields = map[string]string{
	"added":    ledger.FieldLinesAdded,
	"modified": ledger.FieldLinesModified,
	"removed":  ledger.FieldLinesDeleted,
}

func claudeCode() *Dialect {
	return &Dialect{
		Tool:           "claude-code",
		SessionIDAttrs: []string{"session.id"},
		ModelAttr:      "model",
		ProjectAttr:    "project",
		Metrics: map[string]MetricRule{
			// Session attribution happens at correlation time, when the
			// first record referencing a new external session id creates
			// the row; counting this metric as well would double it.
			"claude_code.session.count": nothing,

			"claude_code.cost.usage": func(p Point) (Result, error) {
				return Result{Delta: ledger.Delta{ledger.FieldCostUSD: p.Value}}, nil
			},

			"claude_code.token.usage": func(p Point) (Result, error) {
				field, ok := claudeTokenFields[wire.AttrString(p.Attrs, "type")]
				if !ok {
					return Result{}, nil
				}
				return Result{Delta: ledger.Delta{field: p.Value}}, nil
			},

			// Reported in seconds; the ledger keeps minutes.
			"claude_code.active_time.total": func(p Point) (Result, error) {
				return Result{Delta: ledger.Delta{ledger.FieldActiveMinutes: p.Value / 60}}, nil
			},

			"claude_code.lines_of_code.count": func(p Point) (Result, error) {
				field, ok := claudeLineFields[wire.AttrString(p.Attrs, "type")]
				if !ok {
					return Result{}, nil
				}
				return Result{Delta: ledger.Delta{field: p.Value}}, nil
			},

			"claude_code.pull_request.count": func(p Point) (Result, error) {
				return Result{Delta: ledger.Delta{ledger.FieldPRsCreated: p.Value}}, nil
			},

			"claude_code.commit.count": nothing,

			"claude_code.code_edit_tool.decision": func(p Point) (Result, error) {
				switch wire.AttrString(p.Attrs, "decision") {
				case "accept":
					return Result{Delta: ledger.Delta{ledger.FieldEditsAccepted: p.Value}}, nil
				case "reject":
					return Result{Delta: ledger.Delta{ledger.FieldEditsRejected: p.Value}}, nil
				}
				return Result{}, nil
			},
		},
		Events: map[string]EventRule{
			// API requests and prompts are counted per session by the
			// dashboard collaborator, not accumulated on the day ledger.
			"claude_code.api_request": func(Event) (Result, error) { return Result{}, nil },
			"claude_code.user_prompt": func(Event) (Result, error) { return Result{}, nil },

			"claude_code.tool_result": func(e Event) (Result, error) {
				name := wire.AttrString(e.Attrs, "tool_name")
				if name == "" {
					return Result{}, fmt.Errorf("tool_result without tool_name")
				}
				success := wire.AttrBool(e.Attrs, "success")
				delta := ledger.Delta{ledger.FieldToolCalls: 1}
				if !success {
					delta[ledger.FieldToolFailures] = 1
				}
				return Result{
					Delta: delta,
					ToolCall: &ToolCallRecord{
						Name:       name,
						Success:    success,
						DurationMS: wire.AttrFloat(e.Attrs, "duration_ms"),
						Error:      wire.AttrString(e.Attrs, "error"),
					},
				}, nil
			},

			"claude_code.tool_decision": func(Event) (Result, error) { return Result{}, nil },

			"claude_code.session.ended": func(e Event) (Result, error) {
				return Result{SessionEnd: &SessionEnd{
					Status:  ledger.SessionCompleted,
					EndedAt: e.Time,
				}}, nil
			},
		},
	}
}
