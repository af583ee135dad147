package ingest

// RejectedAll is the sentinel rejected count meaning the entire request
// failed before any record could be counted (transport-level failure).
const RejectedAll = -1

// Signal distinguishes the two export flavors for response field names.
type Signal int

const (
	SignalMetrics Signal = iota
	SignalLogs
)

// Summary is the per-request outcome handed back to the route layer.
// Processed counts records that were handled (including names unknown
// to the vendor's table); Rejected counts records whose transform
// failed, or RejectedAll for an unparseable request.
type Summary struct {
	Processed int
	Rejected  int
	Err       string
}

// PartialSuccess renders the OTLP partial-success response body. An
// empty inner object means full success; a non-empty one carries the
// rejected count and message. Callers must treat a 200 carrying a
// non-empty partialSuccess as a soft failure, not a hard error.
func (s *Summary) PartialSuccess(signal Signal) map[string]any {
	inner := map[string]any{}
	if s.Rejected != 0 {
		field := "rejectedDataPoints"
		if signal == SignalLogs {
			field = "rejectedLogRecords"
		}
		inner[field] = s.Rejected
		if s.Err != "" {
			inner["errorMessage"] = s.Err
		}
	}
	return map[string]any{"partialSuccess": inner}
}
