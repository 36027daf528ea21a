package observability

import (
	"context"
	"errors"
	"fmt"

	contextutils "lessongen/internal/utils"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "lessongen"

// TraceFunction starts a new span named "<component>.<function>".
func TraceFunction(ctx context.Context, component, functionName string, attributes ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, fmt.Sprintf("%s.%s", component, functionName), trace.WithAttributes(attributes...))
}

// TraceAdmissionFunction starts a span for rate limiter and queue operations.
func TraceAdmissionFunction(ctx context.Context, functionName string, attributes ...attribute.KeyValue) (context.Context, trace.Span) {
	return TraceFunction(ctx, "admission", functionName, attributes...)
}

// TraceLoadBalancerFunction starts a span for provider selection and calls.
func TraceLoadBalancerFunction(ctx context.Context, functionName string, attributes ...attribute.KeyValue) (context.Context, trace.Span) {
	return TraceFunction(ctx, "loadbalancer", functionName, attributes...)
}

// TraceGenerationFunction starts a span for the lesson generation pipeline.
func TraceGenerationFunction(ctx context.Context, functionName string, attributes ...attribute.KeyValue) (context.Context, trace.Span) {
	return TraceFunction(ctx, "generation", functionName, attributes...)
}

// TraceValidationFunction starts a span for content validation.
func TraceValidationFunction(ctx context.Context, functionName string, attributes ...attribute.KeyValue) (context.Context, trace.Span) {
	return TraceFunction(ctx, "validation", functionName, attributes...)
}

// TraceStoreFunction starts a span for persistence calls.
func TraceStoreFunction(ctx context.Context, functionName string, attributes ...attribute.KeyValue) (context.Context, trace.Span) {
	return TraceFunction(ctx, "store", functionName, attributes...)
}

// TraceHandlerFunction starts a span for an HTTP handler.
func TraceHandlerFunction(ctx context.Context, functionName string, attributes ...attribute.KeyValue) (context.Context, trace.Span) {
	return TraceFunction(ctx, "handler", functionName, attributes...)
}

// AttributeUserID returns a tracing attribute for a user ID.
func AttributeUserID(id string) attribute.KeyValue {
	return attribute.String("user.id", id)
}

// AttributeTopicID returns a tracing attribute for a topic ID.
func AttributeTopicID(id string) attribute.KeyValue {
	return attribute.String("topic.id", id)
}

// AttributeDifficulty returns a tracing attribute for a difficulty level.
func AttributeDifficulty(d int) attribute.KeyValue {
	return attribute.Int("difficulty", d)
}

// AttributeProvider returns a tracing attribute for a provider name.
func AttributeProvider(name string) attribute.KeyValue {
	return attribute.String("provider.name", name)
}

// AttributeStrategy returns a tracing attribute for a selection strategy.
func AttributeStrategy(s fmt.Stringer) attribute.KeyValue {
	return attribute.String("loadbalancer.strategy", s.String())
}

// FinishSpan ends a span and records the error pointed to by errPtr, tagging
// AppErrors with their code and retryability.
// Use with a named error return: `defer observability.FinishSpan(span, &err)`
func FinishSpan(span trace.Span, errPtr *error) {
	if span == nil {
		return
	}
	if errPtr != nil && *errPtr != nil {
		err := *errPtr
		var appErr *contextutils.AppError
		if errors.As(err, &appErr) {
			span.SetAttributes(
				attribute.String("error.code", string(appErr.Code)),
				attribute.Bool("error.retryable", contextutils.IsRetryable(err)),
			)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
