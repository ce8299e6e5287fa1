package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope for spans started by this package.
const tracerName = "readalong"

// DBOperation represents the type of database operation being traced.
type DBOperation string

const (
	DBOperationQuery  DBOperation = "query"
	DBOperationInsert DBOperation = "insert"
	DBOperationUpdate DBOperation = "update"
	DBOperationDelete DBOperation = "delete"
	DBOperationExec   DBOperation = "exec"
)

// EndFunc ends a span, recording err on it when non-nil.
type EndFunc func(err error)

func endWith(span trace.Span) EndFunc {
	return func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
}

// StartDBSpan starts a client span named "<operation> <table>".
//
//	ctx, end := tracing.StartDBSpan(ctx, "assessments", tracing.DBOperationQuery)
//	defer func() { end(err) }()
func StartDBSpan(ctx context.Context, table string, operation DBOperation) (context.Context, EndFunc) {
	name := string(operation)
	attrs := []attribute.KeyValue{
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", string(operation)),
	}
	if table != "" {
		name += " " + table
		attrs = append(attrs, attribute.String("db.sql.table", table))
	}

	ctx, span := otel.Tracer(tracerName+"/db").Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attrs...),
	)
	return ctx, endWith(span)
}

// StartEventSpan starts a span for one inbound presence event.
// roomID may be empty when the event names no room.
func StartEventSpan(ctx context.Context, event, roomID string) (context.Context, EndFunc) {
	attrs := []attribute.KeyValue{attribute.String("presence.event", event)}
	if roomID != "" {
		attrs = append(attrs, attribute.String("presence.room_id", roomID))
	}

	ctx, span := otel.Tracer(tracerName+"/presence").Start(ctx, "presence."+event,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attrs...),
	)
	return ctx, endWith(span)
}

// StartJobSpan starts a root span for one run of a periodic job.
// Job runs are not part of any request, so any span already in ctx is ignored.
func StartJobSpan(ctx context.Context, jobType string) (context.Context, EndFunc) {
	ctx, span := otel.Tracer(tracerName+"/jobs").Start(ctx, "job."+jobType,
		trace.WithNewRoot(),
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("job.type", jobType)),
	)
	return ctx, endWith(span)
}
