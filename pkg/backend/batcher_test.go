package backend

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stleox/callscope/pkg/config"
	sdktr "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	tr "go.opentelemetry.io/otel/trace"

	r "github.com/stretchr/testify/require"
)

func TestBatchProcessor_DropOldest(t *testing.T) {
	// worker not started: the queue only fills
	bp := mockIdleProcessor(config.OverflowDropOldest, 2)

	for i := 1; i <= 5; i++ {
		bp.OnEnd(mockSpan(byte(i), true))
	}

	stats := bp.Stats()
	r.Equal(t, 2, stats.Queued)
	r.Equal(t, uint64(3), stats.Dropped)

	// the newest two survive
	r.Equal(t, byte(4), (<-bp.queue).SpanContext().SpanID()[7])
	r.Equal(t, byte(5), (<-bp.queue).SpanContext().SpanID()[7])
}

func TestBatchProcessor_BlockBounded(t *testing.T) {
	bp := mockIdleProcessor(config.OverflowBlock, 1)
	bp.cfg.BlockTimeout = 20 * time.Millisecond

	bp.OnEnd(mockSpan(1, true))

	start := time.Now()
	bp.OnEnd(mockSpan(2, true))
	elapsed := time.Since(start)

	r.GreaterOrEqual(t, elapsed, 20*time.Millisecond)
	r.Less(t, elapsed, time.Second)
	r.Equal(t, uint64(1), bp.Stats().Dropped)
	r.Equal(t, 1, bp.Stats().Queued)
}

func TestBatchProcessor_SkipsUnsampled(t *testing.T) {
	bp := mockIdleProcessor(config.OverflowDropOldest, 4)
	bp.OnEnd(mockSpan(1, false))
	r.Equal(t, 0, bp.Stats().Queued)
}

func TestBatchProcessor_RetryThenDrop(t *testing.T) {
	exp := &mockExporter{failures: 100}
	bp := mockIdleProcessor(config.OverflowDropOldest, 4)
	bp.exporter = exp
	bp.cfg.MaxRetries = 2
	bp.cfg.RetryInterval = time.Millisecond

	bp.export([]sdktr.ReadOnlySpan{mockSpan(1, true), mockSpan(2, true)})

	r.Equal(t, 3, exp.attempts())
	stats := bp.Stats()
	r.Equal(t, uint64(1), stats.FailedExports)
	r.Equal(t, uint64(2), stats.Dropped)
	r.Equal(t, uint64(0), stats.Exported)
}

func TestBatchProcessor_RetryThenSucceed(t *testing.T) {
	exp := &mockExporter{failures: 1}
	bp := mockIdleProcessor(config.OverflowDropOldest, 4)
	bp.exporter = exp
	bp.cfg.MaxRetries = 2
	bp.cfg.RetryInterval = time.Millisecond

	bp.export([]sdktr.ReadOnlySpan{mockSpan(1, true)})

	r.Equal(t, 2, exp.attempts())
	r.Equal(t, uint64(1), bp.Stats().Exported)
	r.Equal(t, uint64(0), bp.Stats().Dropped)
	r.Len(t, exp.exported(), 1)
}

func TestBatchProcessor_ForceFlush(t *testing.T) {
	exp := &mockExporter{}
	bp := NewBatchProcessor(exp, config.Exporter{
		QueueSize:     16,
		MaxBatchSize:  8,
		FlushInterval: time.Hour,
	})
	defer bp.Shutdown(context.Background())

	for i := 1; i <= 3; i++ {
		bp.OnEnd(mockSpan(byte(i), true))
	}
	r.NoError(t, bp.ForceFlush(context.Background()))

	r.Len(t, exp.exported(), 3)
	r.Equal(t, uint64(3), bp.Stats().Exported)
	r.Equal(t, 0, bp.Stats().Queued)
}

func TestBatchProcessor_SizeTrigger(t *testing.T) {
	exp := &mockExporter{}
	bp := NewBatchProcessor(exp, config.Exporter{
		QueueSize:     16,
		MaxBatchSize:  2,
		FlushInterval: time.Hour,
	})
	defer bp.Shutdown(context.Background())

	bp.OnEnd(mockSpan(1, true))
	bp.OnEnd(mockSpan(2, true))

	r.Eventually(t, func() bool { return len(exp.exported()) == 2 }, time.Second, 5*time.Millisecond)
}

func TestBatchProcessor_Shutdown(t *testing.T) {
	exp := &mockExporter{}
	bp := NewBatchProcessor(exp, config.Exporter{
		QueueSize:     16,
		FlushInterval: time.Hour,
	})

	bp.OnEnd(mockSpan(1, true))
	bp.OnEnd(mockSpan(2, true))
	r.NoError(t, bp.Shutdown(context.Background()))

	r.Len(t, exp.exported(), 2)
	r.True(t, exp.isShutdown())

	// no-ops once stopped
	bp.OnEnd(mockSpan(3, true))
	r.Len(t, exp.exported(), 2)
	r.NoError(t, bp.ForceFlush(context.Background()))
	r.NoError(t, bp.Shutdown(context.Background()))
}

func TestBatchProcessor_RegisterMetrics(t *testing.T) {
	bp := mockIdleProcessor(config.OverflowDropOldest, 1)
	bp.OnEnd(mockSpan(1, true))
	bp.OnEnd(mockSpan(2, true))

	reg := prometheus.NewRegistry()
	r.NoError(t, bp.RegisterMetrics(reg))
	// a second registration is tolerated
	r.NoError(t, bp.RegisterMetrics(reg))

	families, err := reg.Gather()
	r.NoError(t, err)

	values := map[string]float64{}
	for _, f := range families {
		m := f.GetMetric()[0]
		switch {
		case m.GetCounter() != nil:
			values[f.GetName()] = m.GetCounter().GetValue()
		case m.GetGauge() != nil:
			values[f.GetName()] = m.GetGauge().GetValue()
		}
	}
	r.Equal(t, float64(1), values["callscope_spans_dropped_total"])
	r.Equal(t, float64(1), values["callscope_span_queue_length"])
	r.Equal(t, float64(0), values["callscope_spans_exported_total"])
	r.Contains(t, values, "callscope_span_exports_failed_total")
}

func mockIdleProcessor(overflow string, size int) *BatchProcessor {
	cfg := config.DefaultExporter()
	cfg.Overflow = overflow
	cfg.QueueSize = size
	return &BatchProcessor{
		exporter: DiscardExporter{},
		cfg:      cfg,
		queue:    make(chan sdktr.ReadOnlySpan, size),
		flushCh:  make(chan chan struct{}),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func mockSpan(n byte, sampled bool) sdktr.ReadOnlySpan {
	var flags tr.TraceFlags
	if sampled {
		flags = tr.FlagsSampled
	}
	sc := tr.NewSpanContext(tr.SpanContextConfig{
		TraceID:    tr.TraceID{0x01, 15: n},
		SpanID:     tr.SpanID{0x01, 7: n},
		TraceFlags: flags,
	})
	return tracetest.SpanStub{
		Name:        "mock",
		SpanContext: sc,
		StartTime:   time.Unix(1, 0),
		EndTime:     time.Unix(2, 0),
	}.Snapshot()
}

type mockExporter struct {
	mu       sync.Mutex
	failures int
	calls    int
	spans    []sdktr.ReadOnlySpan
	shutdown bool
}

func (m *mockExporter) ExportSpans(_ context.Context, spans []sdktr.ReadOnlySpan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.failures > 0 {
		m.failures--
		return errors.New("collector unavailable")
	}
	m.spans = append(m.spans, spans...)
	return nil
}

func (m *mockExporter) Shutdown(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shutdown = true
	return nil
}

func (m *mockExporter) attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *mockExporter) exported() []sdktr.ReadOnlySpan {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]sdktr.ReadOnlySpan(nil), m.spans...)
}

func (m *mockExporter) isShutdown() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.shutdown
}
