package carrier

import (
	"context"
	"errors"
	"math/rand"
	"net/http"
	"testing"

	r "github.com/stretchr/testify/require"
	tr "go.opentelemetry.io/otel/trace"
)

func TestEncode(t *testing.T) {
	traceID, err := tr.TraceIDFromHex(traceHex)
	r.NoError(t, err)
	spanID, err := tr.SpanIDFromHex(spanHex)
	r.NoError(t, err)

	r.Equal(t, "00-"+traceHex+"-"+spanHex+"-01", Encode(traceID, spanID, tr.FlagsSampled))
	r.Equal(t, "00-"+traceHex+"-"+spanHex+"-00", Encode(traceID, spanID, 0))
}

func TestDecode_RoundTrip(t *testing.T) {
	rnd := rand.New(rand.NewSource(42))
	for i := 0; i < 1000; i++ {
		want := mockTraceParent(rnd)
		got, err := Decode(Encode(want.TraceID, want.SpanID, want.Flags))
		r.NoError(t, err)
		r.Equal(t, want, got)
	}
}

func TestDecode_Rejects(t *testing.T) {
	tests := []struct {
		name    string
		carrier string
	}{
		{"wrong version", "01-" + traceHex + "-" + spanHex + "-00"},
		{"too few fields", "00-" + traceHex + "-" + spanHex},
		{"too many fields", "00-" + traceHex + "-" + spanHex + "-01-ff"},
		{"empty", ""},
		{"non hex trace id", "00-" + "zz" + traceHex[2:] + "-" + spanHex + "-01"},
		{"upper case trace id", "00-4BF92F3577B34DA6A3CE929D0E0E4736-" + spanHex + "-01"},
		{"short trace id", "00-" + traceHex[1:] + "-" + spanHex + "-01"},
		{"non hex span id", "00-" + traceHex + "-" + "00f067aa0ba902bg" + "-01"},
		{"long span id", "00-" + traceHex + "-" + spanHex + "0-01"},
		{"zero trace id", "00-00000000000000000000000000000000-" + spanHex + "-01"},
		{"zero span id", "00-" + traceHex + "-0000000000000000-01"},
		{"non hex flags", "00-" + traceHex + "-" + spanHex + "-0x"},
		{"wide flags", "00-" + traceHex + "-" + spanHex + "-001"},
		{"upper case flags", "00-" + traceHex + "-" + spanHex + "-0A"},
		{"whitespace", " 00-" + traceHex + "-" + spanHex + "-01"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := Decode(tt.carrier)
			r.Error(t, err)
			r.True(t, errors.Is(err, ErrMalformed))
			r.Equal(t, TraceParent{}, p)
		})
	}
}

func TestDecode_LowerCaseFlags(t *testing.T) {
	p, err := Decode("00-" + traceHex + "-" + spanHex + "-0a")
	r.NoError(t, err)
	r.Equal(t, tr.TraceFlags(0x0a), p.Flags)

	p, err = Decode("00-" + traceHex + "-" + spanHex + "-00")
	r.NoError(t, err)
	r.False(t, p.Flags.IsSampled())
}

func TestTraceParent_SpanContext(t *testing.T) {
	p, err := Decode("00-" + traceHex + "-" + spanHex + "-01")
	r.NoError(t, err)

	sc := p.SpanContext()
	r.True(t, sc.IsValid())
	r.True(t, sc.IsRemote())
	r.True(t, sc.IsSampled())
	r.Equal(t, p.String(), FromSpanContext(sc))
	r.Equal(t, "", FromSpanContext(tr.SpanContext{}))
}

func TestInjectExtract(t *testing.T) {
	p, err := Decode("00-" + traceHex + "-" + spanHex + "-01")
	r.NoError(t, err)
	ctx := tr.ContextWithSpanContext(context.Background(), p.SpanContext())

	h := http.Header{}
	Inject(ctx, h)
	r.Equal(t, p.String(), h.Get(HeaderName))

	out, err := Extract(context.Background(), h)
	r.NoError(t, err)
	got := tr.SpanContextFromContext(out)
	r.Equal(t, p.TraceID, got.TraceID())
	r.Equal(t, p.SpanID, got.SpanID())

	// nothing to inject from an empty context
	m := MapCarrier{}
	Inject(context.Background(), m)
	r.Empty(t, m)
}

func TestExtract_Malformed(t *testing.T) {
	ctx := context.Background()
	out, err := Extract(ctx, MapCarrier{HeaderName: "garbage"})
	r.Error(t, err)
	r.False(t, tr.SpanContextFromContext(out).IsValid())

	out, err = Extract(ctx, MapCarrier{})
	r.NoError(t, err)
	r.Equal(t, ctx, out)
}

// mockers

const (
	traceHex = "4bf92f3577b34da6a3ce929d0e0e4736"
	spanHex  = "00f067aa0ba902b7"
)

func mockTraceParent(rnd *rand.Rand) TraceParent {
	var p TraceParent
	for !p.TraceID.IsValid() {
		rnd.Read(p.TraceID[:])
	}
	for !p.SpanID.IsValid() {
		rnd.Read(p.SpanID[:])
	}
	p.Flags = tr.TraceFlags(rnd.Intn(256))
	return p
}
