package federation

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Span names for the synthesis pipeline's otel instrumentation.
const (
	SpanSynthesize = "federation.synthesize"
	SpanFanOut     = "federation.fan_out"
	SpanImageBranch = "federation.image_branch"
	SpanLLMCall    = "federation.llm_call"
)

// Attribute keys attached to SpanSynthesize.
const (
	AttrSessionHash = "federation.session_hash"
	AttrSpecialty   = "federation.specialty"
	AttrUrgency     = "federation.urgency"
	AttrToolCount   = "federation.tool_count"
)

// TracerProvider wraps an otel TracerProvider for the orchestrator. No
// exporter is configured: spans run their full lifecycle (attributes,
// events, status) for any in-process consumer, but nothing ships them
// off-process until an exporter is wired in.
type TracerProvider struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// NewTracerProvider builds a TracerProvider with no span processor.
func NewTracerProvider() *TracerProvider {
	provider := sdktrace.NewTracerProvider()
	return &TracerProvider{
		provider: provider,
		tracer:   provider.Tracer("medical-research-gateway/federation"),
	}
}

// StartSpan starts a span under name with the given attributes.
func (tp *TracerProvider) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if tp == nil || tp.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return tp.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// Shutdown releases the underlying provider's resources.
func (tp *TracerProvider) Shutdown(ctx context.Context) error {
	if tp == nil || tp.provider == nil {
		return nil
	}
	return tp.provider.Shutdown(ctx)
}
