package backend

import (
	"context"
	crand "crypto/rand"
	"encoding/binary"
	"math/rand"
	"sync"

	tr "go.opentelemetry.io/otel/trace"
)

type reservedKey struct{}

// IDGenerator hands out random ids, except that a root span started under a
// context returned by Reserve gets the reserved trace id. The sampling
// decision taken before the span exists then sees the same id as the SDK.
type IDGenerator struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

func NewIDGenerator() *IDGenerator {
	var seed int64
	_ = binary.Read(crand.Reader, binary.LittleEndian, &seed)
	return &IDGenerator{rnd: rand.New(rand.NewSource(seed))}
}

// Reserve draws a trace id and binds it to the returned context.
func (g *IDGenerator) Reserve(ctx context.Context) (context.Context, tr.TraceID) {
	id := g.newTraceID()
	return context.WithValue(ctx, reservedKey{}, id), id
}

// Release drops a reservation from ctx so later roots started under it,
// e.g. with trace.WithNewRoot, draw fresh trace ids.
func (g *IDGenerator) Release(ctx context.Context) context.Context {
	if _, ok := ctx.Value(reservedKey{}).(tr.TraceID); !ok {
		return ctx
	}
	return context.WithValue(ctx, reservedKey{}, tr.TraceID{})
}

func (g *IDGenerator) NewIDs(ctx context.Context) (tr.TraceID, tr.SpanID) {
	traceID, ok := ctx.Value(reservedKey{}).(tr.TraceID)
	if !ok || !traceID.IsValid() {
		traceID = g.newTraceID()
	}
	return traceID, g.NewSpanID(ctx, traceID)
}

func (g *IDGenerator) NewSpanID(_ context.Context, _ tr.TraceID) tr.SpanID {
	g.mu.Lock()
	defer g.mu.Unlock()
	var sid tr.SpanID
	for !sid.IsValid() {
		_, _ = g.rnd.Read(sid[:])
	}
	return sid
}

func (g *IDGenerator) newTraceID() tr.TraceID {
	g.mu.Lock()
	defer g.mu.Unlock()
	var tid tr.TraceID
	for !tid.IsValid() {
		_, _ = g.rnd.Read(tid[:])
	}
	return tid
}
