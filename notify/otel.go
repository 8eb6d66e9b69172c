package notify

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OTelEmitter turns an atom's lifecycle into an OpenTelemetry span covering
// its whole execution: EXECUTING opens the span, and the matching SUCCESS,
// FAILURE, or REVERTED closes it. RETRYING and REVERTING are recorded as
// span events against the still-open span rather than spans of their own,
// since they mark a point within the atom's lifetime rather than a
// lifetime of their own.
type OTelEmitter struct {
	tracer trace.Tracer

	mu    sync.Mutex
	spans map[string]trace.Span // runID+"/"+atomName -> open span
}

// NewOTelEmitter builds an OTelEmitter from an OpenTelemetry tracer, e.g.
// otel.Tracer("atomflow").
func NewOTelEmitter(tracer trace.Tracer) *OTelEmitter {
	return &OTelEmitter{tracer: tracer, spans: make(map[string]trace.Span)}
}

func spanKey(event Event) string { return event.RunID + "/" + event.AtomName }

func (o *OTelEmitter) Emit(event Event) {
	switch event.Kind {
	case Executing:
		_, span := o.tracer.Start(context.Background(), event.AtomName)
		span.SetAttributes(
			attribute.String("atomflow.run_id", event.RunID),
			attribute.String("atomflow.atom_name", event.AtomName),
		)
		o.mu.Lock()
		o.spans[spanKey(event)] = span
		o.mu.Unlock()
	case Success, Failure, Reverted:
		o.mu.Lock()
		span, ok := o.spans[spanKey(event)]
		if ok {
			delete(o.spans, spanKey(event))
		}
		o.mu.Unlock()
		if !ok {
			_, span = o.tracer.Start(context.Background(), event.AtomName)
		}
		o.addMetaAttributes(span, event.Meta)
		if event.Kind == Failure {
			msg := fmt.Sprintf("atom %s failed", event.AtomName)
			span.SetStatus(codes.Error, msg)
			span.RecordError(fmt.Errorf("%s", msg))
		}
		span.End()
	default:
		o.mu.Lock()
		span, ok := o.spans[spanKey(event)]
		o.mu.Unlock()
		if ok {
			span.AddEvent(event.Kind.String())
		}
	}
}

func (o *OTelEmitter) EmitBatch(_ context.Context, events []Event) error {
	for _, event := range events {
		o.Emit(event)
	}
	return nil
}

// Flush force-flushes the tracer provider, if it supports it.
func (o *OTelEmitter) Flush(ctx context.Context) error {
	tp := otel.GetTracerProvider()
	type flusher interface {
		ForceFlush(context.Context) error
	}
	if f, ok := tp.(flusher); ok {
		return f.ForceFlush(ctx)
	}
	return nil
}

func (o *OTelEmitter) addMetaAttributes(span trace.Span, meta map[string]any) {
	for key, value := range meta {
		switch v := value.(type) {
		case string:
			span.SetAttributes(attribute.String(key, v))
		case int:
			span.SetAttributes(attribute.Int(key, v))
		case int64:
			span.SetAttributes(attribute.Int64(key, v))
		case float64:
			span.SetAttributes(attribute.Float64(key, v))
		case bool:
			span.SetAttributes(attribute.Bool(key, v))
		default:
			span.SetAttributes(attribute.String(key, fmt.Sprintf("%v", v)))
		}
	}
}
