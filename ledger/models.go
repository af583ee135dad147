package ledger

import "time"

// Aggregate field names. These are the only columns Accumulate will
// touch; dispatch tables build Delta maps keyed by them.
const (
	FieldSessions            = "sessions"
	FieldActiveMinutes       = "active_minutes"
	FieldInputTokens         = "input_tokens"
	FieldOutputTokens        = "output_tokens"
	FieldCacheReadTokens     = "cache_read_tokens"
	FieldCacheCreationTokens = "cache_creation_tokens"
	FieldCostUSD             = "cost_usd"
	FieldLinesAdded          = "lines_added"
	FieldLinesModified       = "lines_modified"
	FieldLinesDeleted        = "lines_deleted"
	FieldFilesChanged        = "files_changed"
	FieldFeatureCount        = "feature_count"
	FieldBugCount            = "bug_count"
	FieldRefactorCount       = "refactor_count"
	FieldPRsCreated          = "prs_created"
	FieldPRsMerged           = "prs_merged"
	FieldHoursSaved          = "hours_saved"
	FieldValueUSD            = "value_usd"
	FieldToolCalls           = "tool_calls"
	FieldToolFailures        = "tool_failures"
	FieldEditsAccepted       = "edits_accepted"
	FieldEditsRejected       = "edits_rejected"
)

// aggregateFields is the accumulate whitelist. A Delta naming any other
// column is rejected before it reaches SQL.
var aggregateFields = map[string]bool{
	FieldSessions:            true,
	FieldActiveMinutes:       true,
	FieldInputTokens:         true,
	FieldOutputTokens:        true,
	FieldCacheReadTokens:     true,
	FieldCacheCreationTokens: true,
	FieldCostUSD:             true,
	FieldLinesAdded:          true,
	FieldLinesModified:       true,
	FieldLinesDeleted:        true,
	FieldFilesChanged:        true,
	FieldFeatureCount:        true,
	FieldBugCount:            true,
	FieldRefactorCount:       true,
	FieldPRsCreated:          true,
	FieldPRsMerged:           true,
	FieldHoursSaved:          true,
	FieldValueUSD:            true,
	FieldToolCalls:           true,
	FieldToolFailures:        true,
	FieldEditsAccepted:       true,
	FieldEditsRejected:       true,
}

// Delta is a sparse field-to-increment map. Absent fields default to
// zero; every entry is added server-side onto the stored row.
type Delta map[string]float64

// Add folds other into d field-wise.
func (d Delta) Add(other Delta) {
	for field, v := range other {
		d[field] += v
	}
}

// DailyAggregate is the per-user-per-day usage ledger row. Every field
// is a monotonic counter equal to the field-wise sum of all deltas ever
// accumulated onto the (UserID, Day) key.
type DailyAggregate struct {
	UserID string
	Day    string // YYYY-MM-DD

	Sessions            float64
	ActiveMinutes       float64
	InputTokens         int64
	OutputTokens        int64
	CacheReadTokens     int64
	CacheCreationTokens int64
	CostUSD             float64
	LinesAdded          int64
	LinesModified       int64
	LinesDeleted        int64
	FilesChanged        int64
	FeatureCount        int64
	BugCount            int64
	RefactorCount       int64
	PRsCreated          int64
	PRsMerged           int64
	HoursSaved          float64
	ValueUSD            float64
	ToolCalls           int64
	ToolFailures        int64
	EditsAccepted       int64
	EditsRejected       int64

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Session statuses.
const (
	SessionActive    = "active"
	SessionCompleted = "completed"
	SessionErrored   = "errored"
)

// Session correlates the records of one CLI invocation. The external id
// is the vendor-supplied session identifier carried in telemetry
// attributes; (UserID, Tool, ExternalID) is unique.
type Session struct {
	ID         string
	UserID     string
	Tool       string
	ExternalID string
	Model      string
	Project    string
	Status     string
	StartedAt  time.Time
	EndedAt    time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// ToolCall is one tool invocation, append-only. SessionID may be empty
// when the record arrived without a correlatable session.
type ToolCall struct {
	ID         string
	UserID     string
	SessionID  string
	ToolName   string
	Success    bool
	DurationMS float64
	Error      string
	CreatedAt  time.Time
}

// DayOf formats a wall-clock instant as a ledger day key.
func DayOf(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
