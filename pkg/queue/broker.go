// Package queue carries trace context across an asynchronous hop: the
// producer stamps a traceparent into each message, the consumer resumes the
// trace from it on whichever worker picks the message up.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/stleox/callscope/pkg/config"
	"github.com/zeromicro/go-zero/core/stores/redis"
)

// ErrEmpty is returned by Pop when the queue has nothing to deliver.
var ErrEmpty = errors.New("queue is empty")

type Message struct {
	ID         string            `json:"id"`
	Queue      string            `json:"queue"`
	Payload    []byte            `json:"payload"`
	RetryCount int               `json:"retry_count"`
	Headers    map[string]string `json:"headers"`
	EnqueuedAt time.Time         `json:"enqueued_at"`
}

// Broker is a FIFO per queue name.
type Broker interface {
	Push(ctx context.Context, msg *Message) error
	Pop(ctx context.Context, queue string) (*Message, error)
}

// NewBroker builds the broker named in cfg.
func NewBroker(cfg config.Queue) (Broker, error) {
	switch cfg.Broker {
	case config.BrokerMemory, "":
		return NewMemoryBroker(), nil
	case config.BrokerRedis:
		return NewRedisBroker(redis.New(cfg.RedisAddr)), nil
	default:
		return nil, fmt.Errorf("unsupported broker: %s", cfg.Broker)
	}
}

type MemoryBroker struct {
	mu     sync.Mutex
	queues map[string][]*Message
}

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{queues: map[string][]*Message{}}
}

func (b *MemoryBroker) Push(_ context.Context, msg *Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queues[msg.Queue] = append(b.queues[msg.Queue], msg)
	return nil
}

func (b *MemoryBroker) Pop(_ context.Context, queue string) (*Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.queues[queue]
	if len(q) == 0 {
		return nil, ErrEmpty
	}
	msg := q[0]
	q[0] = nil
	b.queues[queue] = q[1:]
	return msg, nil
}

func (b *MemoryBroker) Len(queue string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queues[queue])
}

// RedisBroker keeps each queue as a redis list of JSON messages, pushed on
// the left and popped on the right.
type RedisBroker struct {
	rds *redis.Redis
}

func NewRedisBroker(rds *redis.Redis) *RedisBroker {
	return &RedisBroker{rds: rds}
}

func redisKey(queue string) string {
	return "callscope:queue:" + queue
}

func (b *RedisBroker) Push(ctx context.Context, msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding message %s: %w", msg.ID, err)
	}
	if _, err := b.rds.LpushCtx(ctx, redisKey(msg.Queue), string(data)); err != nil {
		return err
	}
	return nil
}

func (b *RedisBroker) Pop(ctx context.Context, queue string) (*Message, error) {
	data, err := b.rds.RpopCtx(ctx, redisKey(queue))
	if errors.Is(err, redis.Nil) {
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, err
	}

	var msg Message
	if err := json.Unmarshal([]byte(data), &msg); err != nil {
		return nil, fmt.Errorf("decoding message from %s: %w", queue, err)
	}
	return &msg, nil
}
