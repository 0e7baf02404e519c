package backend

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stleox/callscope/pkg/config"
	sdktr "go.opentelemetry.io/otel/sdk/trace"
)

// Stats is a snapshot of the processor counters.
type Stats struct {
	Queued        int
	Exported      uint64
	Dropped       uint64
	FailedExports uint64
}

// BatchProcessor buffers ended spans in a bounded queue and ships them to
// the exporter from a single worker. Nothing here ever blocks or fails the
// instrumented caller beyond the configured overflow policy.
type BatchProcessor struct {
	exporter sdktr.SpanExporter
	cfg      config.Exporter

	queue   chan sdktr.ReadOnlySpan
	flushCh chan chan struct{}
	stopCh  chan struct{}
	done    chan struct{}

	// 被 OnEnd 并发访问，drop-oldest 时出队与入队需互斥
	muEnqueue sync.Mutex

	exported atomic.Uint64
	dropped  atomic.Uint64
	failed   atomic.Uint64

	stopOnce sync.Once
	stopped  atomic.Bool
}

var _ sdktr.SpanProcessor = (*BatchProcessor)(nil)

func NewBatchProcessor(exporter sdktr.SpanExporter, cfg config.Exporter) *BatchProcessor {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = config.DefaultExporter().QueueSize
	}
	if cfg.MaxBatchSize <= 0 || cfg.MaxBatchSize > cfg.QueueSize {
		cfg.MaxBatchSize = cfg.QueueSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = config.DefaultExporter().FlushInterval
	}
	if cfg.ExportTimeout <= 0 {
		cfg.ExportTimeout = config.DefaultExporter().ExportTimeout
	}

	bp := &BatchProcessor{
		exporter: exporter,
		cfg:      cfg,
		queue:    make(chan sdktr.ReadOnlySpan, cfg.QueueSize),
		flushCh:  make(chan chan struct{}),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
	go bp.run()
	return bp
}

func (bp *BatchProcessor) OnStart(context.Context, sdktr.ReadWriteSpan) {}

// OnEnd enqueues a finished span according to the overflow policy.
func (bp *BatchProcessor) OnEnd(s sdktr.ReadOnlySpan) {
	if bp.stopped.Load() || !s.SpanContext().IsSampled() {
		return
	}

	if bp.cfg.Overflow == config.OverflowBlock {
		bp.enqueueBlocking(s)
		return
	}
	bp.enqueueDropOldest(s)
}

func (bp *BatchProcessor) enqueueDropOldest(s sdktr.ReadOnlySpan) {
	bp.muEnqueue.Lock()
	defer bp.muEnqueue.Unlock()
	for {
		select {
		case bp.queue <- s:
			return
		default:
		}
		select {
		case <-bp.queue:
			bp.dropped.Add(1)
		default:
		}
	}
}

func (bp *BatchProcessor) enqueueBlocking(s sdktr.ReadOnlySpan) {
	select {
	case bp.queue <- s:
		return
	default:
	}
	timer := time.NewTimer(bp.cfg.BlockTimeout)
	defer timer.Stop()
	select {
	case bp.queue <- s:
	case <-timer.C:
		bp.dropped.Add(1)
	case <-bp.stopCh:
		bp.dropped.Add(1)
	}
}

func (bp *BatchProcessor) run() {
	defer close(bp.done)

	ticker := time.NewTicker(bp.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]sdktr.ReadOnlySpan, 0, bp.cfg.MaxBatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		bp.export(batch)
		batch = make([]sdktr.ReadOnlySpan, 0, bp.cfg.MaxBatchSize)
	}
	drain := func() {
		for {
			select {
			case s := <-bp.queue:
				batch = append(batch, s)
				if len(batch) >= bp.cfg.MaxBatchSize {
					flush()
				}
			default:
				flush()
				return
			}
		}
	}

	for {
		select {
		case s := <-bp.queue:
			batch = append(batch, s)
			if len(batch) >= bp.cfg.MaxBatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case ack := <-bp.flushCh:
			drain()
			close(ack)
		case <-bp.stopCh:
			drain()
			return
		}
	}
}

// export ships one batch, retrying within the budget, then drops it.
func (bp *BatchProcessor) export(batch []sdktr.ReadOnlySpan) {
	policy := backoff.NewExponentialBackOff()
	if bp.cfg.RetryInterval > 0 {
		policy.InitialInterval = bp.cfg.RetryInterval
	}
	policy.MaxElapsedTime = 0

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		ctx, cancel := context.WithTimeout(context.Background(), bp.cfg.ExportTimeout)
		defer cancel()
		return bp.exporter.ExportSpans(ctx, batch)
	}, backoff.WithMaxRetries(policy, uint64(bp.cfg.MaxRetries)))

	if err != nil {
		bp.failed.Add(1)
		bp.dropped.Add(uint64(len(batch)))
		logrus.WithError(err).
			WithField("spans", len(batch)).
			WithField("attempts", attempt).
			Warn("callscope dropped a span batch after export retries")
		return
	}
	bp.exported.Add(uint64(len(batch)))
}

// ForceFlush exports everything queued so far.
func (bp *BatchProcessor) ForceFlush(ctx context.Context) error {
	if bp.stopped.Load() {
		return nil
	}
	ack := make(chan struct{})
	select {
	case bp.flushCh <- ack:
	case <-bp.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-ack:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown drains the queue, exports the remainder and shuts the exporter.
func (bp *BatchProcessor) Shutdown(ctx context.Context) error {
	var err error
	bp.stopOnce.Do(func() {
		bp.stopped.Store(true)
		close(bp.stopCh)
		select {
		case <-bp.done:
		case <-ctx.Done():
			err = ctx.Err()
			return
		}
		err = bp.exporter.Shutdown(ctx)
	})
	return err
}

func (bp *BatchProcessor) Stats() Stats {
	return Stats{
		Queued:        len(bp.queue),
		Exported:      bp.exported.Load(),
		Dropped:       bp.dropped.Load(),
		FailedExports: bp.failed.Load(),
	}
}

// RegisterMetrics exposes the counters to prometheus.
func (bp *BatchProcessor) RegisterMetrics(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "callscope",
			Name:      "spans_exported_total",
			Help:      "Spans handed to the exporter successfully.",
		}, func() float64 { return float64(bp.exported.Load()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "callscope",
			Name:      "spans_dropped_total",
			Help:      "Spans dropped by queue overflow or exhausted export retries.",
		}, func() float64 { return float64(bp.dropped.Load()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "callscope",
			Name:      "span_exports_failed_total",
			Help:      "Batches dropped after the retry budget ran out.",
		}, func() float64 { return float64(bp.failed.Load()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "callscope",
			Name:      "span_queue_length",
			Help:      "Spans waiting in the export queue.",
		}, func() float64 { return float64(len(bp.queue)) }),
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if errors.As(err, &already) {
				continue
			}
			return err
		}
	}
	return nil
}
