// Package span wraps units of work in spans. Every instrumented call site
// (HTTP clients, gRPC, queue producers and consumers) goes through Run, so
// sampling, parenting, outcome recording and span completion live in one
// place.
package span

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	pkgerrors "github.com/pkg/errors"
	"github.com/stleox/callscope/pkg/backend"
	"github.com/stleox/callscope/pkg/sampling"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	tr "go.opentelemetry.io/otel/trace"
)

// Decider is the sampling policy consulted before a span is started.
type Decider interface {
	Evaluate(traceID tr.TraceID, name string, kind tr.SpanKind, attrs []attribute.KeyValue) sampling.Decision
}

// Reserver pre-draws the trace id of a root span so the decision and the
// started span agree on it. Release clears the reservation once the root
// exists so it does not leak into unrelated roots below it.
type Reserver interface {
	Reserve(ctx context.Context) (context.Context, tr.TraceID)
	Release(ctx context.Context) context.Context
}

type Wrapper struct {
	tracer   tr.Tracer
	decider  Decider
	reserver Reserver
}

// New builds a wrapper. A nil decider records everything; a nil reserver
// leaves root trace ids to the tracer.
func New(tracer tr.Tracer, decider Decider, reserver Reserver) *Wrapper {
	return &Wrapper{tracer: tracer, decider: decider, reserver: reserver}
}

// NewFromBackend wires the wrapper to a backend's tracer and id reservation.
func NewFromBackend(b *backend.Backend, scope string, decider Decider) *Wrapper {
	return New(b.Tracer(scope), decider, b)
}

// Call describes the span around one unit of work.
type Call[T any] struct {
	Name       string
	Kind       tr.SpanKind
	Attributes []attribute.KeyValue

	// Parent overrides the active span, for callbacks entered from an
	// external dispatcher that carries its own context.
	Parent tr.SpanContext

	// Result derives attributes from the result, failed or not.
	Result func(T) []attribute.KeyValue

	// Classify marks a successful result as an ERROR span without failing
	// the caller, e.g. an HTTP 503.
	Classify func(T) error
}

// Run executes fn inside a span described by call. fn's result and error
// are returned unchanged; the span is ended exactly once on every path.
func Run[T any](ctx context.Context, w *Wrapper, call Call[T], fn func(context.Context) (T, error)) (T, error) {
	parentCtx := ctx
	if call.Parent.IsValid() {
		parentCtx = tr.ContextWithRemoteSpanContext(ctx, call.Parent)
	}
	parent := tr.SpanContextFromContext(parentCtx)
	traceID := parent.TraceID()
	reserved := false
	if !parent.IsValid() && w.reserver != nil {
		parentCtx, traceID = w.reserver.Reserve(parentCtx)
		reserved = true
	}

	if w.decider != nil && w.decider.Evaluate(traceID, call.Name, call.Kind, call.Attributes) == sampling.NotRecord {
		return fn(ctx)
	}

	spanCtx, s := w.tracer.Start(parentCtx, call.Name,
		tr.WithSpanKind(call.Kind),
		tr.WithAttributes(call.Attributes...))
	if reserved {
		spanCtx = w.reserver.Release(spanCtx)
	}

	ended := false
	defer func() {
		if ended {
			return
		}
		if p := recover(); p != nil {
			recordFailure(s, fmt.Errorf("panic: %v", p), string(debug.Stack()))
			s.End()
			panic(p)
		}
		// runtime.Goexit inside fn
		s.SetStatus(codes.Error, "unit of work aborted")
		s.End()
	}()

	result, err := fn(spanCtx)
	if call.Result != nil {
		s.SetAttributes(call.Result(result)...)
	}
	if err != nil {
		recordFailure(s, err, "")
	} else {
		status, msg := codes.Ok, ""
		if call.Classify != nil {
			if cerr := call.Classify(result); cerr != nil {
				status, msg = codes.Error, cerr.Error()
			}
		}
		s.SetStatus(status, msg)
	}
	ended = true
	s.End()
	return result, err
}

type stackTracer interface {
	StackTrace() pkgerrors.StackTrace
}

// recordFailure sets ERROR and adds the exception event. The stack is the
// failure's own when it carries one, else the given one, else this site.
func recordFailure(s tr.Span, err error, stack string) {
	s.SetStatus(codes.Error, err.Error())

	var st stackTracer
	if errors.As(err, &st) {
		stack = fmt.Sprintf("%+v", st.StackTrace())
	}
	if stack == "" {
		s.RecordError(err, tr.WithStackTrace(true))
		return
	}
	s.RecordError(err, tr.WithAttributes(semconv.ExceptionStacktraceKey.String(stack)))
}

// Reattach returns ctx with the active span of from, for work resumed on a
// goroutine whose context did not inherit it.
func Reattach(ctx, from context.Context) context.Context {
	return tr.ContextWithSpan(ctx, tr.SpanFromContext(from))
}
