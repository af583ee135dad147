package ledger

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "test.db"), Options{})
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestAccumulateSeedsAndAdds(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	delta := Delta{FieldInputTokens: 1500, FieldCostUSD: 0.25}
	if err := store.Accumulate(ctx, "u1", "2024-01-01", delta); err != nil {
		t.Fatalf("first accumulate: %v", err)
	}

	agg, err := store.GetDailyAggregate(ctx, "u1", "2024-01-01")
	if err != nil {
		t.Fatalf("get aggregate: %v", err)
	}
	if agg.InputTokens != 1500 {
		t.Errorf("expected input_tokens 1500, got %d", agg.InputTokens)
	}
	if agg.CostUSD != 0.25 {
		t.Errorf("expected cost_usd 0.25, got %v", agg.CostUSD)
	}
	if agg.OutputTokens != 0 {
		t.Errorf("expected untouched field zero, got %d", agg.OutputTokens)
	}

	if err := store.Accumulate(ctx, "u1", "2024-01-01", Delta{FieldInputTokens: 500}); err != nil {
		t.Fatalf("second accumulate: %v", err)
	}
	agg, _ = store.GetDailyAggregate(ctx, "u1", "2024-01-01")
	if agg.InputTokens != 2000 {
		t.Errorf("expected input_tokens 2000 after second delta, got %d", agg.InputTokens)
	}
	if agg.CostUSD != 0.25 {
		t.Errorf("expected cost_usd unchanged by sparse delta, got %v", agg.CostUSD)
	}
}

func TestAccumulateOrderIndependent(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	deltas := []Delta{
		{FieldInputTokens: 100, FieldToolCalls: 1},
		{FieldOutputTokens: 40},
		{FieldInputTokens: 50, FieldCostUSD: 0.1},
	}

	for _, d := range deltas {
		if err := store.Accumulate(ctx, "fwd", "2024-01-01", d); err != nil {
			t.Fatalf("accumulate: %v", err)
		}
	}
	for i := len(deltas) - 1; i >= 0; i-- {
		if err := store.Accumulate(ctx, "rev", "2024-01-01", deltas[i]); err != nil {
			t.Fatalf("accumulate: %v", err)
		}
	}

	fwd, err := store.GetDailyAggregate(ctx, "fwd", "2024-01-01")
	if err != nil {
		t.Fatalf("get fwd: %v", err)
	}
	rev, err := store.GetDailyAggregate(ctx, "rev", "2024-01-01")
	if err != nil {
		t.Fatalf("get rev: %v", err)
	}

	if fwd.InputTokens != rev.InputTokens || fwd.OutputTokens != rev.OutputTokens ||
		fwd.ToolCalls != rev.ToolCalls || fwd.CostUSD != rev.CostUSD {
		t.Errorf("delivery order changed the totals: fwd=%+v rev=%+v", fwd, rev)
	}
	if fwd.InputTokens != 150 || fwd.OutputTokens != 40 || fwd.ToolCalls != 1 {
		t.Errorf("unexpected totals: %+v", fwd)
	}
}

func TestAccumulateRejectsUnknownField(t *testing.T) {
	store := testStore(t)

	err := store.Accumulate(context.Background(), "u1", "2024-01-01", Delta{"drop_table": 1})
	if err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestAccumulateEmptyDeltaIsNoop(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	if err := store.Accumulate(ctx, "u1", "2024-01-01", Delta{}); err != nil {
		t.Fatalf("empty delta: %v", err)
	}
	if _, err := store.GetDailyAggregate(ctx, "u1", "2024-01-01"); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("expected no row after empty delta, got %v", err)
	}
}

func TestFindOrCreateSession(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	id1, created, err := store.FindOrCreateSession(ctx, "u1", "claude-code", "ext-1", "opus", "proj")
	if err != nil {
		t.Fatalf("first call: %v", err)
	}
	if !created {
		t.Error("expected first reference to create the session")
	}

	id2, created, err := store.FindOrCreateSession(ctx, "u1", "claude-code", "ext-1", "opus", "proj")
	if err != nil {
		t.Fatalf("second call: %v", err)
	}
	if created {
		t.Error("expected second reference to find the existing session")
	}
	if id1 != id2 {
		t.Errorf("expected stable session id, got %s then %s", id1, id2)
	}

	// Same external id under a different tool is a distinct session.
	id3, created, err := store.FindOrCreateSession(ctx, "u1", "codex", "ext-1", "", "")
	if err != nil {
		t.Fatalf("other tool: %v", err)
	}
	if !created || id3 == id1 {
		t.Error("expected a separate session per tool")
	}

	sess, err := store.GetSession(ctx, id1)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if sess.Status != SessionActive || sess.Model != "opus" || sess.Project != "proj" {
		t.Errorf("unexpected session row: %+v", sess)
	}
}

func TestFindOrCreateSessionConcurrent(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	const workers = 8
	ids := make([]string, workers)
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ids[i], _, errs[i] = store.FindOrCreateSession(ctx, "u1", "claude-code", "race-1", "", "")
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("worker %d: %v", i, err)
		}
	}
	for i := 1; i < workers; i++ {
		if ids[i] != ids[0] {
			t.Fatalf("workers resolved different ids: %s vs %s", ids[0], ids[i])
		}
	}

	n, err := store.CountSessions(ctx, "u1", "claude-code", "race-1")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Errorf("expected exactly one session row, got %d", n)
	}
}

func TestCompleteSession(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	id, _, err := store.FindOrCreateSession(ctx, "u1", "gemini-cli", "ext-9", "", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	ended := time.Now().Add(-time.Minute)
	if err := store.CompleteSession(ctx, id, SessionCompleted, ended); err != nil {
		t.Fatalf("complete: %v", err)
	}

	sess, err := store.GetSession(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if sess.Status != SessionCompleted {
		t.Errorf("expected status completed, got %s", sess.Status)
	}
	if sess.EndedAt.Unix() != ended.Unix() {
		t.Errorf("expected ended_at %v, got %v", ended.Unix(), sess.EndedAt.Unix())
	}

	// A completed session no longer matches the correlator scan.
	id2, created, err := store.FindOrCreateSession(ctx, "u1", "gemini-cli", "ext-9", "", "")
	if err == nil && created {
		t.Error("expected the unique constraint to surface the existing row, not a new one")
	}
	if err != nil {
		t.Fatalf("re-reference completed session: %v", err)
	}
	if id2 != id {
		t.Errorf("expected conflict re-query to return the original id, got %s", id2)
	}
}

func TestInsertToolCall(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	call := &ToolCall{
		UserID:     "u1",
		ToolName:   "Bash",
		Success:    false,
		DurationMS: 42,
		Error:      "exit 1",
	}
	if err := store.InsertToolCall(ctx, call); err != nil {
		t.Fatalf("insert without session: %v", err)
	}
	if call.ID == "" {
		t.Error("expected insert to assign an id")
	}

	id, _, err := store.FindOrCreateSession(ctx, "u1", "claude-code", "ext-1", "", "")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if err := store.InsertToolCall(ctx, &ToolCall{
		UserID: "u1", SessionID: id, ToolName: "Edit", Success: true,
	}); err != nil {
		t.Fatalf("insert with session: %v", err)
	}

	n, err := store.CountToolCalls(ctx, "u1")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 tool calls, got %d", n)
	}
}

func TestUserDirectory(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	ok, err := store.UserExists(ctx, "nobody")
	if err != nil {
		t.Fatalf("exists: %v", err)
	}
	if ok {
		t.Error("expected unknown user to not exist")
	}

	if err := store.InsertUser(ctx, "u1", "u1@example.com", "User One"); err != nil {
		t.Fatalf("insert user: %v", err)
	}
	ok, err = store.UserExists(ctx, "u1")
	if err != nil {
		t.Fatalf("exists: %v", err)
	}
	if !ok {
		t.Error("expected inserted user to exist")
	}
}

func TestGetUserSessions(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	for _, ext := range []string{"a", "b", "c"} {
		if _, _, err := store.FindOrCreateSession(ctx, "u1", "codex", ext, "", ""); err != nil {
			t.Fatalf("create %s: %v", ext, err)
		}
	}

	sessions, err := store.GetUserSessions(ctx, "u1", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(sessions) != 3 {
		t.Errorf("expected 3 sessions, got %d", len(sessions))
	}
}

func TestDayOf(t *testing.T) {
	// A late-evening local instant still keys on the UTC date.
	loc := time.FixedZone("UTC-8", -8*3600)
	ts := time.Date(2024, 1, 1, 18, 0, 0, 0, loc)
	if got := DayOf(ts); got != "2024-01-02" {
		t.Errorf("expected 2024-01-02, got %s", got)
	}
}
