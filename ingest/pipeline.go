// Package ingest runs the telemetry normalization pipeline: decode the
// export request, dispatch every record through the vendor's table, and
// persist the resulting ledger deltas, sessions, and tool calls.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.uber.org/multierr"

	"github.com/statline/statline/dialect"
	"github.com/statline/statline/ledger"
	"github.com/statline/statline/wire"
)

// ErrUnauthorized reports a missing or unknown user id. Nothing is
// persisted for an unauthorized request.
var ErrUnauthorized = errors.New("unknown user")

// Ledger is the persistence surface the pipeline writes through.
// *ledger.Store satisfies it.
type Ledger interface {
	Accumulate(ctx context.Context, userID, day string, delta ledger.Delta) error
	FindOrCreateSession(ctx context.Context, userID, tool, externalID, model, project string) (id string, created bool, err error)
	CompleteSession(ctx context.Context, id, status string, endedAt time.Time) error
	InsertToolCall(ctx context.Context, call *ledger.ToolCall) error
}

// UserDirectory resolves user ids. The real directory lives outside
// this pipeline; only existence is consulted here.
type UserDirectory interface {
	UserExists(ctx context.Context, id string) (bool, error)
}

type Pipeline struct {
	store  Ledger
	users  UserDirectory
	logger *slog.Logger
	now    func() time.Time
}

func NewPipeline(store Ledger, users UserDirectory, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		store:  store,
		users:  users,
		logger: logger,
		now:    time.Now,
	}
}

// IngestMetrics processes one metrics export request for a user. The
// returned summary is valid whenever the error is nil or a ParseError;
// other errors are internal and void the request.
func (p *Pipeline) IngestMetrics(ctx context.Context, userID, tool, contentType string, body []byte) (*Summary, error) {
	dlg, ok := dialect.ForTool(tool)
	if !ok {
		return nil, fmt.Errorf("no dialect registered for tool %q", tool)
	}
	if err := p.authorize(ctx, userID); err != nil {
		return nil, err
	}

	req, err := wire.DecodeMetrics(contentType, body)
	if err != nil {
		return &Summary{Rejected: RejectedAll, Err: err.Error()}, err
	}

	summary := &Summary{}
	var recordErrs error

	for _, rm := range asSlice(req["resourceMetrics"]) {
		rmMap, ok := rm.(map[string]any)
		if !ok {
			continue
		}
		resourceAttrs := resourceAttributes(rmMap)
		for _, sm := range asSlice(rmMap["scopeMetrics"]) {
			smMap, ok := sm.(map[string]any)
			if !ok {
				continue
			}
			for _, m := range asSlice(smMap["metrics"]) {
				mMap, ok := m.(map[string]any)
				if !ok {
					continue
				}
				name, _ := mMap["name"].(string)
				if name == "" {
					continue
				}
				for _, point := range metricPoints(mMap, resourceAttrs) {
					if err := p.handleMetricPoint(ctx, userID, dlg, name, point, summary); err != nil {
						if isRecordError(err) {
							summary.Rejected++
							recordErrs = multierr.Append(recordErrs, err)
							continue
						}
						return nil, err
					}
				}
			}
		}
	}

	p.finish(userID, tool, "metrics", summary, recordErrs)
	return summary, nil
}

// IngestLogs processes one logs export request for a user.
func (p *Pipeline) IngestLogs(ctx context.Context, userID, tool, contentType string, body []byte) (*Summary, error) {
	dlg, ok := dialect.ForTool(tool)
	if !ok {
		return nil, fmt.Errorf("no dialect registered for tool %q", tool)
	}
	if err := p.authorize(ctx, userID); err != nil {
		return nil, err
	}

	req, err := wire.DecodeLogs(contentType, body)
	if err != nil {
		return &Summary{Rejected: RejectedAll, Err: err.Error()}, err
	}

	summary := &Summary{}
	var recordErrs error

	for _, rl := range asSlice(req["resourceLogs"]) {
		rlMap, ok := rl.(map[string]any)
		if !ok {
			continue
		}
		resourceAttrs := resourceAttributes(rlMap)
		for _, sl := range asSlice(rlMap["scopeLogs"]) {
			slMap, ok := sl.(map[string]any)
			if !ok {
				continue
			}
			for _, lr := range asSlice(slMap["logRecords"]) {
				lrMap, ok := lr.(map[string]any)
				if !ok {
					continue
				}
				event := logEvent(lrMap, resourceAttrs)
				if err := p.handleLogRecord(ctx, userID, dlg, event, summary); err != nil {
					if isRecordError(err) {
						summary.Rejected++
						recordErrs = multierr.Append(recordErrs, err)
						continue
					}
					return nil, err
				}
			}
		}
	}

	p.finish(userID, tool, "logs", summary, recordErrs)
	return summary, nil
}

func (p *Pipeline) authorize(ctx context.Context, userID string) error {
	if userID == "" {
		return ErrUnauthorized
	}
	exists, err := p.users.UserExists(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to resolve user: %w", err)
	}
	if !exists {
		return ErrUnauthorized
	}
	return nil
}

func (p *Pipeline) handleMetricPoint(ctx context.Context, userID string, dlg *dialect.Dialect, name string, point dialect.Point, summary *Summary) error {
	rule, known := dlg.MetricRule(name)
	if !known {
		// Deliberate forward compatibility: names outside the table are
		// counted as processed, never rejected.
		p.logger.Debug("unknown metric name", "tool", dlg.Tool, "metric", name)
		summary.Processed++
		return nil
	}

	result, err := applyMetricRule(rule, point)
	if err != nil {
		return recordError(fmt.Errorf("metric %s: %w", name, err))
	}

	if err := p.persist(ctx, userID, dlg, result, point.Attrs, point.Time); err != nil {
		return err
	}
	summary.Processed++
	return nil
}

func (p *Pipeline) handleLogRecord(ctx context.Context, userID string, dlg *dialect.Dialect, event dialect.Event, summary *Summary) error {
	rule, known := dlg.EventRule(event.Name)
	if !known {
		p.logger.Debug("unknown log event", "tool", dlg.Tool, "event", event.Name)
		summary.Processed++
		return nil
	}

	result, err := applyEventRule(rule, event)
	if err != nil {
		return recordError(fmt.Errorf("event %s: %w", event.Name, err))
	}

	if err := p.persist(ctx, userID, dlg, result, event.Attrs, event.Time); err != nil {
		return err
	}
	summary.Processed++
	return nil
}

// persist applies one record's result: correlate the session, add the
// delta onto the record's own day, and append any tool call. Storage
// failures here are internal errors that void the whole request.
func (p *Pipeline) persist(ctx context.Context, userID string, dlg *dialect.Dialect, result dialect.Result, attrs map[string]any, eventTime time.Time) error {
	sessionID, err := p.correlate(ctx, userID, dlg, attrs)
	if err != nil {
		return err
	}

	if len(result.Delta) > 0 {
		day := ledger.DayOf(eventTime)
		if eventTime.IsZero() {
			day = ledger.DayOf(p.now())
		}
		if err := p.store.Accumulate(ctx, userID, day, result.Delta); err != nil {
			return fmt.Errorf("failed to accumulate aggregate: %w", err)
		}
	}

	if result.ToolCall != nil {
		call := &ledger.ToolCall{
			UserID:     userID,
			SessionID:  sessionID,
			ToolName:   result.ToolCall.Name,
			Success:    result.ToolCall.Success,
			DurationMS: result.ToolCall.DurationMS,
			Error:      result.ToolCall.Error,
		}
		if err := p.store.InsertToolCall(ctx, call); err != nil {
			return fmt.Errorf("failed to insert tool call: %w", err)
		}
	}

	if result.SessionEnd != nil && sessionID != "" {
		endedAt := result.SessionEnd.EndedAt
		if endedAt.IsZero() {
			endedAt = p.now()
		}
		if err := p.store.CompleteSession(ctx, sessionID, result.SessionEnd.Status, endedAt); err != nil {
			return fmt.Errorf("failed to complete session: %w", err)
		}
	}

	return nil
}

// correlate resolves the record's external session id, if present. A
// genuine first touch also counts the session on the ledger for the
// ingestion wall-clock date, not the event's own timestamp: sessions
// are attributed to the day the server learned about them.
func (p *Pipeline) correlate(ctx context.Context, userID string, dlg *dialect.Dialect, attrs map[string]any) (string, error) {
	externalID := ""
	for _, key := range dlg.SessionIDAttrs {
		if externalID = wire.AttrString(attrs, key); externalID != "" {
			break
		}
	}
	if externalID == "" {
		return "", nil
	}

	model := wire.AttrString(attrs, dlg.ModelAttr)
	project := wire.AttrString(attrs, dlg.ProjectAttr)

	sessionID, created, err := p.store.FindOrCreateSession(ctx, userID, dlg.Tool, externalID, model, project)
	if err != nil {
		return "", fmt.Errorf("failed to correlate session: %w", err)
	}
	if created {
		day := ledger.DayOf(p.now())
		if err := p.store.Accumulate(ctx, userID, day, ledger.Delta{ledger.FieldSessions: 1}); err != nil {
			return "", fmt.Errorf("failed to count session: %w", err)
		}
	}
	return sessionID, nil
}

func (p *Pipeline) finish(userID, tool, signal string, summary *Summary, recordErrs error) {
	if summary.Rejected > 0 {
		summary.Err = fmt.Sprintf("%d record(s) failed to transform", summary.Rejected)
		p.logger.Warn("partial ingest failure",
			"user", userID, "tool", tool, "signal", signal,
			"processed", summary.Processed, "rejected", summary.Rejected,
			"errors", recordErrs)
		return
	}
	p.logger.Info("ingested batch",
		"user", userID, "tool", tool, "signal", signal,
		"processed", summary.Processed)
}

// applyMetricRule runs a rule with panic isolation so one malformed
// point cannot void the batch.
func applyMetricRule(rule dialect.MetricRule, point dialect.Point) (result dialect.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("transform panic: %v", r)
		}
	}()
	return rule(point)
}

func applyEventRule(rule dialect.EventRule, event dialect.Event) (result dialect.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("transform panic: %v", r)
		}
	}()
	return rule(event)
}

// recordFailure wraps errors that reject a single record instead of the
// whole request.
type recordFailure struct{ err error }

func (e *recordFailure) Error() string { return e.err.Error() }
func (e *recordFailure) Unwrap() error { return e.err }

func recordError(err error) error { return &recordFailure{err: err} }

func isRecordError(err error) bool {
	var rf *recordFailure
	return errors.As(err, &rf)
}

// Canonical-shape walking helpers.

func asSlice(v any) []any {
	s, _ := v.([]any)
	return s
}

func resourceAttributes(m map[string]any) map[string]any {
	resource, ok := m["resource"].(map[string]any)
	if !ok {
		return map[string]any{}
	}
	return wire.AttrMap(asSlice(resource["attributes"]))
}

// metricPoints flattens a metric's sum, gauge, and histogram data
// points, merging resource attributes under data-point attributes.
func metricPoints(metric map[string]any, resourceAttrs map[string]any) []dialect.Point {
	var points []dialect.Point

	appendNumber := func(dps []any) {
		for _, dp := range dps {
			dpMap, ok := dp.(map[string]any)
			if !ok {
				continue
			}
			points = append(points, dialect.Point{
				Value: wire.PointValue(dpMap),
				Attrs: mergeAttrs(resourceAttrs, wire.AttrMap(asSlice(dpMap["attributes"]))),
				Time:  wire.UnixNano(dpMap["timeUnixNano"]),
			})
		}
	}

	if sum, ok := metric["sum"].(map[string]any); ok {
		appendNumber(asSlice(sum["dataPoints"]))
	}
	if gauge, ok := metric["gauge"].(map[string]any); ok {
		appendNumber(asSlice(gauge["dataPoints"]))
	}
	if histogram, ok := metric["histogram"].(map[string]any); ok {
		for _, dp := range asSlice(histogram["dataPoints"]) {
			dpMap, ok := dp.(map[string]any)
			if !ok {
				continue
			}
			sum, count := wire.HistogramSumCount(dpMap)
			points = append(points, dialect.Point{
				Sum:       sum,
				Count:     count,
				Histogram: true,
				Attrs:     mergeAttrs(resourceAttrs, wire.AttrMap(asSlice(dpMap["attributes"]))),
				Time:      wire.UnixNano(dpMap["timeUnixNano"]),
			})
		}
	}

	return points
}

func logEvent(record map[string]any, resourceAttrs map[string]any) dialect.Event {
	attrs := mergeAttrs(resourceAttrs, wire.AttrMap(asSlice(record["attributes"])))

	body := ""
	if bodyMap, ok := record["body"].(map[string]any); ok {
		body, _ = bodyMap["stringValue"].(string)
	}

	// Exporters carry the event name either as an attribute or as the
	// record body.
	name := wire.AttrString(attrs, "event.name")
	if name == "" {
		name = body
	}

	ts := wire.UnixNano(record["timeUnixNano"])
	if ts.IsZero() {
		ts = wire.UnixNano(record["observedTimeUnixNano"])
	}

	return dialect.Event{Name: name, Body: body, Attrs: attrs, Time: ts}
}

func mergeAttrs(resource, point map[string]any) map[string]any {
	merged := make(map[string]any, len(resource)+len(point))
	for k, v := range resource {
		merged[k] = v
	}
	for k, v := range point {
		merged[k] = v
	}
	return merged
}
