// Package dialect maps each integrated CLI's metric and log vocabulary
// onto canonical ledger fields. Every tool owns an isolated, data-driven
// table; adding a metric to a vendor is a pure data change and never
// touches shared code.
package dialect

import (
	"time"

	"github.com/statline/statline/ledger"
)

// Point is one extracted metric data point. Attrs holds resource and
// data-point attributes merged, data point winning on conflicts. For
// histogram points Value is unset and Sum/Count carry the running
// sum/count approximation.
type Point struct {
	Value     float64
	Sum       float64
	Count     int64
	Histogram bool
	Attrs     map[string]any
	Time      time.Time
}

// Event is one extracted log record.
type Event struct {
	Name  string
	Body  string
	Attrs map[string]any
	Time  time.Time
}

// ToolCallRecord is a rule's request to append a tool-call row.
type ToolCallRecord struct {
	Name       string
	Success    bool
	DurationMS float64
	Error      string
}

// SessionEnd is a rule's request to mark the correlated session done.
type SessionEnd struct {
	Status  string
	EndedAt time.Time
}

// Result is everything a single data point or log record contributes.
type Result struct {
	Delta      ledger.Delta
	ToolCall   *ToolCallRecord
	SessionEnd *SessionEnd
}

// MetricRule transforms one data point. An error rejects only that
// point; the rest of the batch continues.
type MetricRule func(p Point) (Result, error)

// EventRule transforms one log record.
type EventRule func(e Event) (Result, error)

// PrefixRule matches a family of metric names by prefix. Exact-name
// rules take precedence.
type PrefixRule struct {
	Prefix string
	Rule   MetricRule
}

// Dialect is one vendor's dispatch table.
type Dialect struct {
	// Tool is the canonical tool name stored on sessions and used in
	// ingestion routes.
	Tool string

	// SessionIDAttrs lists the attribute keys that may carry the
	// vendor's external session id, in priority order.
	SessionIDAttrs []string

	// ModelAttr and ProjectAttr name the attributes carrying the model
	// and workspace identifiers, when the vendor emits them.
	ModelAttr   string
	ProjectAttr string

	Metrics  map[string]MetricRule
	Prefixes []PrefixRule
	Events   map[string]EventRule
}

// MetricRule resolves a metric name, exact match first, then prefixes.
// A false return means the name is unknown to this vendor; unknown
// names are tolerated upstream, not rejected.
func (d *Dialect) MetricRule(name string) (MetricRule, bool) {
	if rule, ok := d.Metrics[name]; ok {
		return rule, true
	}
	for _, p := range d.Prefixes {
		if len(name) >= len(p.Prefix) && name[:len(p.Prefix)] == p.Prefix {
			return p.Rule, true
		}
	}
	return nil, false
}

// EventRule resolves a log event name.
func (d *Dialect) EventRule(name string) (EventRule, bool) {
	rule, ok := d.Events[name]
	return rule, ok
}

var registry = map[string]*Dialect{}

func register(d *Dialect) {
	registry[d.Tool] = d
}

// ForTool returns the dispatch table for a tool name.
func ForTool(tool string) (*Dialect, bool) {
	d, ok := registry[tool]
	return d, ok
}

// Tools lists the registered tool names.
func Tools() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	return names
}

// nothing is the shared empty result for names a vendor recognizes but
// deliberately does not aggregate.
func nothing(Point) (Result, error) { return Result{}, nil }
