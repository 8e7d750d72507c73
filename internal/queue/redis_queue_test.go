package queue

import (
	"context"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestQueue(t *testing.T) (*RedisQueue, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewRedisQueueWithClient(client, "", ""), mr
}

func TestEnqueueDequeueFIFO(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	if err := q.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}
	for _, id := range []string{"a", "b", "c"} {
		if err := q.Enqueue(ctx, id); err != nil {
			t.Fatalf("enqueue %s: %v", id, err)
		}
	}
	if depth, _ := q.ReadyDepth(ctx); depth != 3 {
		t.Fatalf("expected depth 3 got %d", depth)
	}
	for _, want := range []string{"a", "b", "c"} {
		got, err := q.Dequeue(ctx)
		if err != nil {
			t.Fatalf("dequeue: %v", err)
		}
		if got != want {
			t.Fatalf("expected %s got %s", want, got)
		}
	}
	got, err := q.Dequeue(ctx)
	if err != nil || got != "" {
		t.Fatalf("expected empty queue, got %q err=%v", got, err)
	}
}

func TestRemoveAndDLQ(t *testing.T) {
	ctx := context.Background()
	q, mr := newTestQueue(t)

	_ = q.Enqueue(ctx, "keep")
	_ = q.Enqueue(ctx, "cancelled")
	_ = q.Enqueue(ctx, "failed")

	if err := q.Remove(ctx, "cancelled"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := q.DLQPush(ctx, "failed"); err != nil {
		t.Fatalf("dlq push: %v", err)
	}

	ready, _ := mr.List("queue:workflow:ready")
	if len(ready) != 1 || ready[0] != "keep" {
		t.Fatalf("unexpected ready list %v", ready)
	}
	items, err := q.DLQPeek(ctx, 10)
	if err != nil {
		t.Fatalf("dlq peek: %v", err)
	}
	if len(items) != 1 || items[0] != "failed" {
		t.Fatalf("unexpected dlq contents %v", items)
	}
}
