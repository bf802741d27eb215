package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestQueue(t *testing.T) (*RedisQueue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewRedisQueue(rdb, "test_queue"), mr
}

func TestRedisQueue_FIFO(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		if err := q.Enqueue(ctx, id); err != nil {
			t.Fatalf("Enqueue(%s): %v", id, err)
		}
	}
	if n, _ := q.Len(ctx); n != 3 {
		t.Fatalf("Len = %d, want 3", n)
	}

	for _, want := range []string{"a", "b", "c"} {
		got, err := q.Dequeue(ctx, 100*time.Millisecond)
		if err != nil {
			t.Fatalf("Dequeue: %v", err)
		}
		if got != want {
			t.Errorf("Dequeue = %q, want %q", got, want)
		}
	}
}

func TestRedisQueue_DequeueEmptyTimesOut(t *testing.T) {
	q, _ := newTestQueue(t)

	got, err := q.Dequeue(context.Background(), 50*time.Millisecond)
	if err != nil {
		t.Fatalf("Dequeue on empty queue: %v", err)
	}
	if got != "" {
		t.Errorf("Dequeue = %q, want empty", got)
	}
}

func TestRedisQueue_EnqueueStoreDown(t *testing.T) {
	q, mr := newTestQueue(t)
	mr.Close()

	if err := q.Enqueue(context.Background(), "x"); err == nil {
		t.Fatal("expected error when redis is down")
	}
}
