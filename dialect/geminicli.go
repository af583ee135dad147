package dialect

import (
	"fmt"

	"github.com/statline/statline/ledger"
	"github.com/statline/statline/wire"
)

func init() {
	register(geminiCLI())
}

// Gemini labels thought tokens separately; they have no ledger field,
// so that type intentionally updates nothing.
var geminiTokenFields = map[string]string{
	"input":  ledger.FieldInputTokens,
	"output": ledger.FieldOutputTokens,
	"cache":  ledger.FieldCacheReadTokens,
}

func geminiCLI() *Dialect {
	return &Dialect{
		Tool:           "gemini-cli",
		SessionIDAttrs: []string{"session.id", "sessionId"},
		ModelAttr:      "model",
		ProjectAttr:    "surface",
		Metrics: map[string]MetricRule{
			"gemini_cli.session.count": nothing,

			"gemini_cli.token.usage": func(p Point) (Result, error) {
				field, ok := geminiTokenFields[wire.AttrString(p.Attrs, "type")]
				if !ok {
					return Result{}, nil
				}
				return Result{Delta: ledger.Delta{field: p.Value}}, nil
			},

			"gemini_cli.tool.call.count": func(p Point) (Result, error) {
				name := wire.AttrString(p.Attrs, "function_name")
				if name == "" {
					return Result{}, fmt.Errorf("tool.call.count without function_name")
				}
				success := wire.AttrBool(p.Attrs, "success")
				delta := ledger.Delta{ledger.FieldToolCalls: p.Value}
				if !success {
					delta[ledger.FieldToolFailures] = p.Value
				}
				return Result{
					Delta:    delta,
					ToolCall: &ToolCallRecord{Name: name, Success: success},
				}, nil
			},

			// Latency histograms carry no ledger quantity; the sum/count
			// approximation is kept only where a field consumes it.
			"gemini_cli.tool.call.latency":   nothing,
			"gemini_cli.api.request.latency": nothing,
			"gemini_cli.api.request.count":   nothing,

			"gemini_cli.file.operation.count": func(p Point) (Result, error) {
				return Result{Delta: ledger.Delta{ledger.FieldFilesChanged: p.Value}}, nil
			},
		},
		Prefixes: []PrefixRule{
			// Context-compression internals: recognized, never aggregated.
			{Prefix: "gemini_cli.chat_compression", Rule: nothing},
		},
		Events: map[string]EventRule{
			"gemini_cli.api_response": func(Event) (Result, error) { return Result{}, nil },

			"gemini_cli.tool_call": func(e Event) (Result, error) {
				name := wire.AttrString(e.Attrs, "function_name")
				if name == "" {
					return Result{}, fmt.Errorf("tool_call without function_name")
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

			"gemini_cli.end_session": func(e Event) (Result, error) {
				return Result{SessionEnd: &SessionEnd{
					Status:  ledger.SessionCompleted,
					EndedAt: e.Time,
				}}, nil
			},
		},
	}
}
