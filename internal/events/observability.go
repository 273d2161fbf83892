package events

import (
	"context"

	"github.com/agentcore/agentcore/internal/observability"
	"go.opentelemetry.io/otel/trace"
)

// NewMetricsObserver returns an Observer that records tool and model-call
// outcomes into metrics, reusing the same Prometheus vectors the rest of the
// runtime reports through rather than a second, bus-local counting scheme.
func NewMetricsObserver(metrics *observability.Metrics) Observer {
	return func(e Event) {
		switch e.Kind {
		case KindToolCompleted:
			metrics.RecordToolExecution(e.ToolName, "success", e.Duration.Seconds())
		case KindToolFailed:
			metrics.RecordToolExecution(e.ToolName, "error", e.Duration.Seconds())
		case KindModelCallCompleted:
			if e.Usage != nil {
				metrics.RecordLLMRequest("", e.Model, "success", 0, e.Usage.InputTokens, e.Usage.OutputTokens)
			}
		}
	}
}

// NewTracingObserver returns an Observer that opens and closes a span around
// each tool execution and model call, using ctx to carry the parent span so
// nested calls attach to the run's trace.
func NewTracingObserver(ctx context.Context, tracer *observability.Tracer) Observer {
	spans := make(map[string]trace.Span)

	return func(e Event) {
		switch e.Kind {
		case KindToolRequested:
			_, span := tracer.TraceToolExecution(ctx, e.ToolName)
			spans[e.ToolCallID] = span
		case KindToolCompleted, KindToolFailed:
			span, ok := spans[e.ToolCallID]
			if !ok {
				return
			}
			if e.Kind == KindToolFailed {
				tracer.RecordError(span, e.Err)
			}
			span.End()
			delete(spans, e.ToolCallID)
		}
	}
}
