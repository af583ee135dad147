// Package wire decodes OTLP export requests into a canonical in-memory
// shape that is identical regardless of whether the exporter sent
// protobuf or JSON. Binary bodies are unmarshaled into the OTLP message
// and re-encoded with protojson, so downstream code always walks the
// same map[string]any structure: 64-bit integers as decimal strings,
// enums as strings, nested messages fully expanded.
package wire

import (
	"encoding/json"
	"fmt"
	"strings"

	logsv1 "go.opentelemetry.io/proto/otlp/collector/logs/v1"
	metricsv1 "go.opentelemetry.io/proto/otlp/collector/metrics/v1"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
)

// ContentTypeProtobuf marks a binary-encoded export request body.
const ContentTypeProtobuf = "application/x-protobuf"

// ParseError reports a malformed request body. It always fails the
// whole request; there is no per-record recovery from a body that does
// not conform to the export schema.
type ParseError struct {
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse request body: %v", e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// DecodeMetrics decodes a metrics export request body into the
// canonical map shape. Unrecognized content types are treated as JSON.
func DecodeMetrics(contentType string, body []byte) (map[string]any, error) {
	if isProtobuf(contentType) {
		req := &metricsv1.ExportMetricsServiceRequest{}
		if err := proto.Unmarshal(body, req); err != nil {
			return nil, &ParseError{Err: err}
		}
		return canonicalize(req)
	}
	return decodeJSON(body)
}

// DecodeLogs decodes a logs export request body into the canonical map
// shape.
func DecodeLogs(contentType string, body []byte) (map[string]any, error) {
	if isProtobuf(contentType) {
		req := &logsv1.ExportLogsServiceRequest{}
		if err := proto.Unmarshal(body, req); err != nil {
			return nil, &ParseError{Err: err}
		}
		return canonicalize(req)
	}
	return decodeJSON(body)
}

func isProtobuf(contentType string) bool {
	mediaType := contentType
	if i := strings.IndexByte(mediaType, ';'); i >= 0 {
		mediaType = mediaType[:i]
	}
	return strings.TrimSpace(mediaType) == ContentTypeProtobuf
}

func canonicalize(msg proto.Message) (map[string]any, error) {
	data, err := protojson.MarshalOptions{EmitUnpopulated: false}.Marshal(msg)
	if err != nil {
		return nil, &ParseError{Err: err}
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, &ParseError{Err: err}
	}
	return out, nil
}

func decodeJSON(body []byte) (map[string]any, error) {
	var out map[string]any
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, &ParseError{Err: err}
	}
	return out, nil
}
