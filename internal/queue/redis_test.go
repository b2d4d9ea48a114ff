package queue

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// recordingRunner collects the job ids it was asked to run.
type recordingRunner struct {
	mu  sync.Mutex
	ran []string
}

func (r *recordingRunner) Run(_ context.Context, jobID string) {
	r.mu.Lock()
	r.ran = append(r.ran, jobID)
	r.mu.Unlock()
}

func (r *recordingRunner) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ran...)
}

func newTestQueue(t *testing.T) *RedisQueue {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	q := NewRedisQueue(client, "test:jobs", logger)
	q.blockTimeout = 50 * time.Millisecond
	return q
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestDispatchAndConsume(t *testing.T) {
	q := newTestQueue(t)
	r := &recordingRunner{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q.Start(ctx, r, 2)

	for _, id := range []string{"job-1", "job-2", "job-3"} {
		if err := q.Dispatch(ctx, id); err != nil {
			t.Fatalf("Dispatch: %v", err)
		}
	}

	waitFor(t, 5*time.Second, func() bool { return len(r.snapshot()) == 3 })
	seen := make(map[string]bool)
	for _, id := range r.snapshot() {
		if seen[id] {
			t.Errorf("job %s ran more than once", id)
		}
		seen[id] = true
	}
	for _, id := range []string{"job-1", "job-2", "job-3"} {
		if !seen[id] {
			t.Errorf("job %s never ran", id)
		}
	}

	cancel()
	q.Wait()
}

func TestConsumersStopOnCancel(t *testing.T) {
	q := newTestQueue(t)
	r := &recordingRunner{}

	ctx, cancel := context.WithCancel(context.Background())
	q.Start(ctx, r, 1)
	cancel()

	done := make(chan struct{})
	go func() {
		q.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("consumers did not stop after cancel")
	}
}

func TestDispatchBeforeConsumersStart(t *testing.T) {
	q := newTestQueue(t)
	r := &recordingRunner{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Jobs enqueued while no consumer is running survive in the list.
	if err := q.Dispatch(ctx, "job-early"); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	q.Start(ctx, r, 1)
	waitFor(t, 5*time.Second, func() bool {
		ran := r.snapshot()
		return len(ran) == 1 && ran[0] == "job-early"
	})

	cancel()
	q.Wait()
}
