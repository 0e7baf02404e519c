package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stleox/callscope/pkg/carrier"
	"github.com/stleox/callscope/pkg/config"
	"github.com/zeromicro/go-zero/core/stores/redis"

	r "github.com/stretchr/testify/require"
)

func TestRedisBroker_FIFO(t *testing.T) {
	b := mockRedisBroker(t)
	ctx := context.Background()

	for _, id := range []string{"m1", "m2", "m3"} {
		r.NoError(t, b.Push(ctx, &Message{
			ID:         id,
			Queue:      "orders",
			Payload:    []byte("payload-" + id),
			Headers:    map[string]string{carrier.HeaderName: "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01"},
			EnqueuedAt: time.Unix(100, 0).UTC(),
		}))
	}

	for _, id := range []string{"m1", "m2", "m3"} {
		msg, err := b.Pop(ctx, "orders")
		r.NoError(t, err)
		r.Equal(t, id, msg.ID)
		r.Equal(t, "payload-"+id, string(msg.Payload))
		r.Equal(t, "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01", msg.Headers[carrier.HeaderName])
		r.True(t, msg.EnqueuedAt.Equal(time.Unix(100, 0)))
	}

	_, err := b.Pop(ctx, "orders")
	r.ErrorIs(t, err, ErrEmpty)
}

func TestRedisBroker_Malformed(t *testing.T) {
	mr := miniredis.RunT(t)
	b := NewRedisBroker(redis.New(mr.Addr()))

	_, err := mr.Lpush(redisKey("orders"), "{not json")
	r.NoError(t, err)

	_, err = b.Pop(context.Background(), "orders")
	r.Error(t, err)
	r.NotErrorIs(t, err, ErrEmpty)
}

func TestRedisBroker_ProduceConsume(t *testing.T) {
	w, sr := mockWrapper(t)
	b := mockRedisBroker(t)
	p := NewProducer(w, b, "redis")
	c, err := NewConsumer(w, b, "redis", config.Queue{MaxRetries: 1})
	r.NoError(t, err)

	id, err := p.Enqueue(context.Background(), "orders", []byte("x"))
	r.NoError(t, err)
	msg, err := b.Pop(context.Background(), "orders")
	r.NoError(t, err)
	r.Equal(t, id, msg.ID)

	r.NoError(t, c.Dispatch(context.Background(), msg, func(context.Context, *Message) error { return nil }))

	spans := mockByName(sr.Ended())
	r.Equal(t, spans[SendSpanName].SpanContext().SpanID(), spans[ProcessSpanName].Parent().SpanID())
}

func TestMemoryBroker_Empty(t *testing.T) {
	b := NewMemoryBroker()
	_, err := b.Pop(context.Background(), "nothing")
	r.ErrorIs(t, err, ErrEmpty)
}

func mockRedisBroker(t *testing.T) *RedisBroker {
	mr := miniredis.RunT(t)
	return NewRedisBroker(redis.New(mr.Addr()))
}
