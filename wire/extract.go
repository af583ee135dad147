package wire

import (
	"strconv"
	"time"
)

// ScalarValue converts an OTLP AnyValue map into a plain scalar.
// Priority is stringValue, intValue, doubleValue, boolValue, then nil.
// Array and kvlist variants are not flattened; only scalar attributes
// are consulted by the dispatch tables.
func ScalarValue(value map[string]any) any {
	if s, ok := value["stringValue"].(string); ok {
		return s
	}
	// protojson renders int64 as a decimal string.
	if raw, ok := value["intValue"]; ok {
		switch v := raw.(type) {
		case string:
			if n, err := strconv.ParseInt(v, 10, 64); err == nil {
				return n
			}
		case float64:
			return int64(v)
		}
	}
	if d, ok := value["doubleValue"].(float64); ok {
		return d
	}
	if b, ok := value["boolValue"].(bool); ok {
		return b
	}
	return nil
}

// AttrMap collapses an OTLP KeyValue list into a flat map of scalars.
// Duplicate keys resolve last-key-wins.
func AttrMap(attributes []any) map[string]any {
	attrs := make(map[string]any, len(attributes))
	for _, attr := range attributes {
		kv, ok := attr.(map[string]any)
		if !ok {
			continue
		}
		key, _ := kv["key"].(string)
		if key == "" {
			continue
		}
		value, ok := kv["value"].(map[string]any)
		if !ok {
			continue
		}
		attrs[key] = ScalarValue(value)
	}
	return attrs
}

// AttrString returns the named attribute as a string, or "" when it is
// absent or not a string.
func AttrString(attrs map[string]any, key string) string {
	s, _ := attrs[key].(string)
	return s
}

// AttrBool returns the named attribute as a bool. String renditions of
// "true"/"1" count, since some exporters stringify everything.
func AttrBool(attrs map[string]any, key string) bool {
	switch v := attrs[key].(type) {
	case bool:
		return v
	case string:
		return v == "true" || v == "1"
	}
	return false
}

// AttrFloat returns the named attribute as a float64, tolerating int64
// and numeric-string renditions. Missing or non-numeric yields 0.
func AttrFloat(attrs map[string]any, key string) float64 {
	switch v := attrs[key].(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	case string:
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return 0
}

// UnixNano converts a nanosecond timestamp (decimal string or float64)
// to wall-clock time. Nanos are divided by 1e6 with truncation rather
// than converted through a float, because the raw value can exceed
// safe-float range.
func UnixNano(value any) time.Time {
	var nanos int64
	switch v := value.(type) {
	case string:
		nanos, _ = strconv.ParseInt(v, 10, 64)
	case float64:
		nanos = int64(v)
	}
	if nanos == 0 {
		return time.Time{}
	}
	return time.UnixMilli(nanos / 1_000_000)
}

// PointValue extracts the numeric value of a data point. asDouble is
// preferred, then asInt (a decimal string in the canonical shape), and
// a point carrying neither reads as zero rather than failing.
func PointValue(point map[string]any) float64 {
	if d, ok := point["asDouble"].(float64); ok {
		return d
	}
	switch v := point["asInt"].(type) {
	case string:
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return float64(n)
		}
	case float64:
		return v
	}
	return 0
}

// HistogramSumCount reads the running sum and count of a histogram data
// point. Bucket boundaries are deliberately discarded; the pipeline
// keeps only the sum/count approximation.
func HistogramSumCount(point map[string]any) (sum float64, count int64) {
	if s, ok := point["sum"].(float64); ok {
		sum = s
	}
	switch v := point["count"].(type) {
	case string:
		count, _ = strconv.ParseInt(v, 10, 64)
	case float64:
		count = int64(v)
	}
	return sum, count
}
