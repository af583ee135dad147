package dialect

import (
	"testing"

	"github.com/statline/statline/ledger"
)

func TestForTool(t *testing.T) {
	for _, tool := range []string{"claude-code", "gemini-cli", "codex"} {
		d, ok := ForTool(tool)
		if !ok {
			t.Fatalf("expected dialect for %s", tool)
		}
		if d.Tool != tool {
			t.Errorf("expected tool %s, got %s", tool, d.Tool)
		}
	}

	if _, ok := ForTool("vim"); ok {
		t.Error("expected no dialect for unregistered tool")
	}
}

func TestMetricRuleLookup(t *testing.T) {
	claude, _ := ForTool("claude-code")

	if _, ok := claude.MetricRule("claude_code.token.usage"); !ok {
		t.Error("expected exact-name rule")
	}
	if _, ok := claude.MetricRule("claude_code.some.future.metric"); ok {
		t.Error("expected unknown name to miss the table")
	}

	gemini, _ := ForTool("gemini-cli")
	if _, ok := gemini.MetricRule("gemini_cli.chat_compression.token_count"); !ok {
		t.Error("expected prefix rule to match")
	}
}

func TestClaudeTokenTypeRouting(t *testing.T) {
	claude, _ := ForTool("claude-code")
	rule, _ := claude.MetricRule("claude_code.token.usage")

	cases := []struct {
		tokenType string
		field     string
	}{
		{"input", ledger.FieldInputTokens},
		{"output", ledger.FieldOutputTokens},
		{"cacheRead", ledger.FieldCacheReadTokens},
		{"cacheCreation", ledger.FieldCacheCreationTokens},
	}

	for _, tc := range cases {
		res, err := rule(Point{Value: 100, Attrs: map[string]any{"type": tc.tokenType}})
		if err != nil {
			t.Fatalf("type %s: unexpected error: %v", tc.tokenType, err)
		}
		if len(res.Delta) != 1 || res.Delta[tc.field] != 100 {
			t.Errorf("type %s: expected only %s=100, got %#v", tc.tokenType, tc.field, res.Delta)
		}
	}

	// A point missing the disambiguating attribute updates nothing.
	res, err := rule(Point{Value: 100, Attrs: map[string]any{}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Delta) != 0 {
		t.Errorf("expected empty delta without type attribute, got %#v", res.Delta)
	}
}

func TestClaudeActiveTimeConvertsToMinutes(t *testing.T) {
	claude, _ := ForTool("claude-code")
	rule, _ := claude.MetricRule("claude_code.active_time.total")

	res, err := rule(Point{Value: 90})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Delta[ledger.FieldActiveMinutes] != 1.5 {
		t.Errorf("expected 1.5 minutes from 90 seconds, got %v", res.Delta[ledger.FieldActiveMinutes])
	}
}

func TestClaudeEditDecision(t *testing.T) {
	claude, _ := ForTool("claude-code")
	rule, _ := claude.MetricRule("claude_code.code_edit_tool.decision")

	res, _ := rule(Point{Value: 1, Attrs: map[string]any{"decision": "accept"}})
	if res.Delta[ledger.FieldEditsAccepted] != 1 {
		t.Errorf("expected edits_accepted=1, got %#v", res.Delta)
	}
	res, _ = rule(Point{Value: 1, Attrs: map[string]any{"decision": "reject"}})
	if res.Delta[ledger.FieldEditsRejected] != 1 {
		t.Errorf("expected edits_rejected=1, got %#v", res.Delta)
	}
	res, _ = rule(Point{Value: 1, Attrs: map[string]any{"decision": "defer"}})
	if len(res.Delta) != 0 {
		t.Errorf("expected no delta for unknown decision, got %#v", res.Delta)
	}
}

func TestClaudeToolResultEvent(t *testing.T) {
	claude, _ := ForTool("claude-code")
	rule, _ := claude.EventRule("claude_code.tool_result")

	res, err := rule(Event{Attrs: map[string]any{
		"tool_name":   "Bash",
		"success":     "false",
		"duration_ms": 120.0,
		"error":       "exit 1",
	}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Delta[ledger.FieldToolCalls] != 1 || res.Delta[ledger.FieldToolFailures] != 1 {
		t.Errorf("expected tool_calls=1 tool_failures=1, got %#v", res.Delta)
	}
	if res.ToolCall == nil || res.ToolCall.Name != "Bash" || res.ToolCall.Success {
		t.Errorf("expected failed Bash tool call record, got %#v", res.ToolCall)
	}
	if res.ToolCall.DurationMS != 120 || res.ToolCall.Error != "exit 1" {
		t.Errorf("expected duration and error carried through, got %#v", res.ToolCall)
	}

	// A result without a tool name is an unexpected attribute shape and
	// rejects only this record.
	if _, err := rule(Event{Attrs: map[string]any{"success": true}}); err == nil {
		t.Error("expected error for tool_result without tool_name")
	}
}

func TestCodexTurnDurationHistogram(t *testing.T) {
	cdx, _ := ForTool("codex")
	rule, _ := cdx.MetricRule("codex.turn.duration")

	// Sum/count approximation: 600 seconds across 4 turns → 10 minutes.
	res, err := rule(Point{Histogram: true, Sum: 600, Count: 4})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Delta[ledger.FieldActiveMinutes] != 10 {
		t.Errorf("expected 10 active minutes, got %v", res.Delta[ledger.FieldActiveMinutes])
	}
}

func TestCodexTaskCompleted(t *testing.T) {
	cdx, _ := ForTool("codex")
	rule, _ := cdx.EventRule("codex.task.completed")

	res, err := rule(Event{Attrs: map[string]any{
		"category":      "feature",
		"files_changed": 3.0,
		"lines_added":   "120",
		"hours_saved":   0.5,
	}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Delta[ledger.FieldFeatureCount] != 1 {
		t.Errorf("expected feature_count=1, got %#v", res.Delta)
	}
	if res.Delta[ledger.FieldFilesChanged] != 3 || res.Delta[ledger.FieldLinesAdded] != 120 {
		t.Errorf("expected files/lines carried, got %#v", res.Delta)
	}
	if res.Delta[ledger.FieldHoursSaved] != 0.5 {
		t.Errorf("expected hours_saved=0.5, got %#v", res.Delta)
	}
}

func TestGeminiThoughtTokensUnmapped(t *testing.T) {
	gemini, _ := ForTool("gemini-cli")
	rule, _ := gemini.MetricRule("gemini_cli.token.usage")

	res, err := rule(Point{Value: 50, Attrs: map[string]any{"type": "thought"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Delta) != 0 {
		t.Errorf("expected thought tokens to update nothing, got %#v", res.Delta)
	}
}
