package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"
	"github.com/stleox/callscope/pkg/carrier"
	"github.com/stleox/callscope/pkg/config"
	"github.com/stleox/callscope/pkg/span"
	"go.opentelemetry.io/otel/attribute"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	tr "go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

const (
	SendSpanName    = "queue.message.send"
	ProcessSpanName = "queue.message.process"

	keyComponent  = attribute.Key("component")
	keyRetryCount = attribute.Key("messaging.retry_count")
)

type Producer struct {
	broker Broker
	w      *span.Wrapper
	system string
}

// NewProducer builds a producer; system names the broker in span
// attributes, e.g. "redis".
func NewProducer(w *span.Wrapper, broker Broker, system string) *Producer {
	return &Producer{broker: broker, w: w, system: system}
}

// Enqueue publishes payload under a PRODUCER span and returns the message id.
func (p *Producer) Enqueue(ctx context.Context, queue string, payload []byte) (string, error) {
	return span.Run(ctx, p.w, span.Call[string]{
		Name: SendSpanName,
		Kind: tr.SpanKindProducer,
		Attributes: []attribute.KeyValue{
			keyComponent.String("queue"),
			semconv.MessagingSystemKey.String(p.system),
			semconv.MessagingDestinationKey.String(queue),
		},
		Result: func(id string) []attribute.KeyValue {
			if id == "" {
				return nil
			}
			return []attribute.KeyValue{semconv.MessagingMessageIDKey.String(id)}
		},
	}, func(ctx context.Context) (string, error) {
		msg := &Message{
			ID:         uuid.NewString(),
			Queue:      queue,
			Payload:    payload,
			Headers:    map[string]string{},
			EnqueuedAt: time.Now(),
		}
		carrier.Inject(ctx, carrier.MapCarrier(msg.Headers))
		if err := p.broker.Push(ctx, msg); err != nil {
			return "", fmt.Errorf("pushing to %s: %w", queue, err)
		}
		return msg.ID, nil
	})
}

// Handler processes one message. A returned error schedules a retry.
type Handler func(ctx context.Context, msg *Message) error

type Consumer struct {
	broker Broker
	w      *span.Wrapper
	cfg    config.Queue
	system string

	// ids of recently completed messages
	done *lru.Cache[string, struct{}]
}

func NewConsumer(w *span.Wrapper, broker Broker, system string, cfg config.Queue) (*Consumer, error) {
	def := config.DefaultQueue()
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.DedupSize <= 0 {
		cfg.DedupSize = def.DedupSize
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}

	done, err := lru.New[string, struct{}](cfg.DedupSize)
	if err != nil {
		return nil, fmt.Errorf("creating dedup cache: %w", err)
	}
	return &Consumer{broker: broker, w: w, cfg: cfg, system: system, done: done}, nil
}

// Dispatch runs handler inside a CONSUMER span parented to the message's
// traceparent. An undecodable traceparent starts a new trace.
func (c *Consumer) Dispatch(ctx context.Context, msg *Message, handler Handler) error {
	var parent tr.SpanContext
	if raw := msg.Headers[carrier.HeaderName]; raw != "" {
		p, err := carrier.Decode(raw)
		if err != nil {
			logrus.WithError(err).WithField("message", msg.ID).Debug("callscope ignored message trace context")
		} else {
			parent = p.SpanContext()
		}
	}

	_, err := span.Run(ctx, c.w, span.Call[struct{}]{
		Name: ProcessSpanName,
		Kind: tr.SpanKindConsumer,
		Attributes: []attribute.KeyValue{
			keyComponent.String("queue"),
			semconv.MessagingSystemKey.String(c.system),
			semconv.MessagingDestinationKey.String(msg.Queue),
			semconv.MessagingMessageIDKey.String(msg.ID),
			semconv.MessagingOperationProcess,
			keyRetryCount.Int(msg.RetryCount),
		},
		Parent: parent,
	}, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, handler(ctx, msg)
	})
	return err
}

// process dispatches msg once and re-enqueues it on failure until the retry
// budget is spent.
func (c *Consumer) process(ctx context.Context, msg *Message, handler Handler) {
	if c.done.Contains(msg.ID) {
		logrus.WithField("message", msg.ID).Debug("callscope skipped duplicate delivery")
		return
	}

	err := c.Dispatch(ctx, msg, handler)
	if err == nil {
		c.done.Add(msg.ID, struct{}{})
		return
	}

	entry := logrus.WithError(err).
		WithField("message", msg.ID).
		WithField("queue", msg.Queue).
		WithField("retry", msg.RetryCount)
	if msg.RetryCount >= c.cfg.MaxRetries {
		entry.Warn("callscope dropped message after retries")
		return
	}
	msg.RetryCount++
	if perr := c.broker.Push(ctx, msg); perr != nil {
		entry.WithField("push_error", perr).Warn("callscope couldn't re-enqueue message")
		return
	}
	entry.Debug("callscope re-enqueued failed message")
}

// Listen polls queue with Concurrency workers until ctx is done.
func (c *Consumer) Listen(ctx context.Context, queue string, handler Handler) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < c.cfg.Concurrency; i++ {
		g.Go(func() error {
			c.work(ctx, queue, handler)
			return nil
		})
	}
	return g.Wait()
}

func (c *Consumer) work(ctx context.Context, queue string, handler Handler) {
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		for {
			msg, err := c.broker.Pop(ctx, queue)
			if errors.Is(err, ErrEmpty) {
				break
			}
			if err != nil {
				if ctx.Err() == nil {
					logrus.WithError(err).WithField("queue", queue).Warn("callscope couldn't pop message")
				}
				break
			}
			c.process(ctx, msg, handler)
			if ctx.Err() != nil {
				return
			}
		}
		timer.Reset(c.cfg.PollInterval)
	}
}
