package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"code_exec_service/internal/domain/model"
	"code_exec_service/internal/domain/repository"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRepo(t *testing.T) (*repository.RedisExecutionRepository, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return repository.NewRedisExecutionRepository(rdb, "test:", time.Hour), mr
}

func seedExecution(t *testing.T, repo repository.ExecutionRepository, id, owner string, status model.ExecutionStatus) *model.Execution {
	t.Helper()
	now := time.Now().UTC()
	exec := &model.Execution{
		ID:        id,
		OwnerID:   owner,
		Code:      "print(1)",
		Language:  "python",
		Status:    status,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if status.Terminal() {
		exec.CompletedAt = &now
	}
	if err := repo.Put(context.Background(), exec); err != nil {
		t.Fatalf("seed: %v", err)
	}
	return exec
}

type fakeQueue struct {
	mu  sync.Mutex
	ids []string
	err error
}

func (q *fakeQueue) Enqueue(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.ids = append(q.ids, id)
	return nil
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []*model.Execution
}

func (n *recordingNotifier) Notify(_ string, exec *model.Execution) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, exec)
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.events)
}

type recordingArchiver struct {
	mu    sync.Mutex
	execs []*model.Execution
}

func (a *recordingArchiver) Archive(exec *model.Execution) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.execs = append(a.execs, exec)
}

// fakeConn is an in-memory Conn.
type fakeConn struct {
	written  chan any
	incoming chan []byte
	gone     chan struct{}
	closed   chan struct{}

	mu          sync.Mutex
	closeCode   int
	closeReason string
	closeOnce   sync.Once
	goneOnce    sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		written:  make(chan any, 32),
		incoming: make(chan []byte, 8),
		gone:     make(chan struct{}),
		closed:   make(chan struct{}),
	}
}

func (c *fakeConn) WriteJSON(v any) error {
	select {
	case <-c.closed:
		return errors.New("write on closed connection")
	default:
	}
	c.written <- v
	return nil
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case msg := <-c.incoming:
		return 1, msg, nil
	case <-c.gone:
		return 0, nil, errors.New("client went away")
	case <-c.closed:
		return 0, nil, errors.New("connection closed")
	}
}

func (c *fakeConn) Close(code int, reason string) error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closeCode = code
		c.closeReason = reason
		c.mu.Unlock()
		close(c.closed)
	})
	return nil
}

func (c *fakeConn) disconnect() {
	c.goneOnce.Do(func() { close(c.gone) })
}

func (c *fakeConn) code() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCode
}

func (c *fakeConn) nextFrame(t *testing.T) any {
	t.Helper()
	select {
	case f := <-c.written:
		return f
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for frame")
		return nil
	}
}

func (c *fakeConn) nextUpdate(t *testing.T) UpdateFrame {
	t.Helper()
	f := c.nextFrame(t)
	u, ok := f.(UpdateFrame)
	if !ok {
		t.Fatalf("frame = %#v, want UpdateFrame", f)
	}
	return u
}
