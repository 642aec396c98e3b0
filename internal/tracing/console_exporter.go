package tracing

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/trace"
)

// ConsoleExporter writes one JSON object per span, for development.
type ConsoleExporter struct {
	mu sync.Mutex
	w  io.Writer
}

// NewConsoleExporter writes to w, or stderr when w is nil.
func NewConsoleExporter(w io.Writer) *ConsoleExporter {
	if w == nil {
		w = os.Stderr
	}
	return &ConsoleExporter{w: w}
}

func (ce *ConsoleExporter) ExportSpans(ctx context.Context, spans []trace.ReadOnlySpan) error {
	ce.mu.Lock()
	defer ce.mu.Unlock()

	for _, span := range spans {
		spanData := map[string]interface{}{
			"trace_id":    span.SpanContext().TraceID().String(),
			"span_id":     span.SpanContext().SpanID().String(),
			"parent_id":   span.Parent().SpanID().String(),
			"name":        span.Name(),
			"start_time":  span.StartTime(),
			"duration_ms": span.EndTime().Sub(span.StartTime()).Milliseconds(),
			"status":      span.Status().Code.String(),
			"attributes":  attributesToMap(span.Attributes()),
		}

		data, err := json.Marshal(spanData)
		if err != nil {
			return fmt.Errorf("failed to marshal span data: %w", err)
		}
		if _, err := fmt.Fprintf(ce.w, "%s\n", data); err != nil {
			return err
		}
	}
	return nil
}

func (ce *ConsoleExporter) Shutdown(ctx context.Context) error {
	return nil
}

func attributesToMap(attrs []attribute.KeyValue) map[string]interface{} {
	result := make(map[string]interface{})
	for _, attr := range attrs {
		result[string(attr.Key)] = attr.Value.AsInterface()
	}
	return result
}
