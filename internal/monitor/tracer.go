package monitor

import (
	"context"

	"code_exec_service/internal/domain/model"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName = "code-exec-service"
	spanPrefix = "codeexec."
)

var (
	AttrExecID   = attribute.Key("codeexec.execution.id")
	AttrLanguage = attribute.Key("codeexec.language")
	AttrCompiler = attribute.Key("codeexec.compiler")
	AttrMode     = attribute.Key("codeexec.mode")
	AttrStatus   = attribute.Key("codeexec.status")
)

// Tracer opens spans for delegation, compiler calls and archiving. Spans go
// to the global TracerProvider, a no-op until one is installed.
type Tracer struct {
	tracer trace.Tracer
}

func NewTracer() *Tracer {
	return &Tracer{tracer: otel.Tracer(tracerName)}
}

func (t *Tracer) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, spanPrefix+name, trace.WithAttributes(attrs...))
}

// StartExecutionSpan opens a span scoped to one execution record.
func (t *Tracer) StartExecutionSpan(ctx context.Context, name string, exec *model.Execution) (context.Context, trace.Span) {
	return t.StartSpan(ctx, name, ExecutionAttrs(exec)...)
}

// ExecutionAttrs describes exec without its code, input or output.
func ExecutionAttrs(exec *model.Execution) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrExecID.String(exec.ID),
		AttrLanguage.String(exec.Language),
		AttrStatus.String(string(exec.Status)),
	}
}

// FailSpan records err on span and marks it failed.
func FailSpan(span trace.Span, err error, description string) {
	span.RecordError(err)
	span.SetStatus(codes.Error, description)
}
