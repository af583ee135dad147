package dialect

import (
	"fmt"

	"github.com/statline/statline/ledger"
	"github.com/statline/statline/wire"
)

func init() {
	register(codex())
}

var codexTokenFields = map[string]string{
	"input":  ledger.FieldInputTokens,
	"output": ledger.FieldOutputTokens,
	"cached": ledger.FieldCacheReadTokens,
}

var codexTaskFields = map[string]string{
	"feature":  ledger.FieldFeatureCount,
	"bug":      ledger.FieldBugCount,
	"refactor": ledger.FieldRefactorCount,
}

func codex() *Dialect {
	return &Dialect{
		Tool:           "codex",
		SessionIDAttrs: []string{"session.id", "conversation.id"},
		ModelAttr:      "model",
		ProjectAttr:    "repository",
		Metrics: map[string]MetricRule{
			"codex.session.count": nothing,

			"codex.token.usage": func(p Point) (Result, error) {
				field, ok := codexTokenFields[wire.AttrString(p.Attrs, "kind")]
				if !ok {
					return Result{}, nil
				}
				return Result{Delta: ledger.Delta{field: p.Value}}, nil
			},

			"codex.cost.estimate": func(p Point) (Result, error) {
				return Result{Delta: ledger.Delta{ledger.FieldCostUSD: p.Value}}, nil
			},

			// Histogram of per-turn wall time in seconds. Only the
			// running sum feeds the ledger; bucket boundaries are an
			// accepted loss.
			"codex.turn.duration": func(p Point) (Result, error) {
				if !p.Histogram {
					return Result{Delta: ledger.Delta{ledger.FieldActiveMinutes: p.Value / 60}}, nil
				}
				return Result{Delta: ledger.Delta{ledger.FieldActiveMinutes: p.Sum / 60}}, nil
			},
		},
		Events: map[string]EventRule{
			"codex.tool_result": func(e Event) (Result, error) {
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

			// Self-reported task outcome at turn end: category plus the
			// productivity estimates the dashboard charts.
			"codex.task.completed": func(e Event) (Result, error) {
				delta := ledger.Delta{}
				if field, ok := codexTaskFields[wire.AttrString(e.Attrs, "category")]; ok {
					delta[field] = 1
				}
				if files := wire.AttrFloat(e.Attrs, "files_changed"); files > 0 {
					delta[ledger.FieldFilesChanged] = files
				}
				if added := wire.AttrFloat(e.Attrs, "lines_added"); added > 0 {
					delta[ledger.FieldLinesAdded] = added
				}
				if deleted := wire.AttrFloat(e.Attrs, "lines_deleted"); deleted > 0 {
					delta[ledger.FieldLinesDeleted] = deleted
				}
				if hours := wire.AttrFloat(e.Attrs, "hours_saved"); hours > 0 {
					delta[ledger.FieldHoursSaved] = hours
				}
				if value := wire.AttrFloat(e.Attrs, "value_usd"); value > 0 {
					delta[ledger.FieldValueUSD] = value
				}
				return Result{Delta: delta}, nil
			},

			"codex.pr.opened": func(Event) (Result, error) {
				return Result{Delta: ledger.Delta{ledger.FieldPRsCreated: 1}}, nil
			},
			"codex.pr.merged": func(Event) (Result, error) {
				return Result{Delta: ledger.Delta{ledger.FieldPRsMerged: 1}}, nil
			},

			"codex.session.ended": func(e Event) (Result, error) {
				status := ledger.SessionCompleted
				if wire.AttrString(e.Attrs, "outcome") == "error" {
					status = ledger.SessionErrored
				}
				return Result{SessionEnd: &SessionEnd{Status: status, EndedAt: e.Time}}, nil
			},
		},
	}
}
