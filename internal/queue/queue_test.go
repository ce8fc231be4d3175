package queue

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestQueueRunsJob(t *testing.T) {
	q := New(1, 3, time.Millisecond)
	q.Start()
	defer q.Close()

	done := make(chan struct{})
	err := q.Enqueue(Job{Name: "test", Run: func(ctx context.Context) error {
		close(done)
		return nil
	}})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("job did not run")
	}
}

func TestQueueRetriesUntilSuccess(t *testing.T) {
	q := New(1, 5, time.Millisecond)
	q.Start()
	defer q.Close()

	var attempts atomic.Int32
	done := make(chan struct{})
	_ = q.Enqueue(Job{Name: "flaky", Run: func(ctx context.Context) error {
		if attempts.Add(1) < 3 {
			return errors.New("transient")
		}
		close(done)
		return nil
	}})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("job never succeeded")
	}
	if got := attempts.Load(); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
}

func TestQueueReportsExhaustion(t *testing.T) {
	exhausted := make(chan string, 1)
	q := New(1, 2, time.Millisecond, WithExhaustedHook(func(name string, err error) {
		exhausted <- name
	}))
	q.Start()
	defer q.Close()

	var attempts atomic.Int32
	_ = q.Enqueue(Job{Name: "doomed", Run: func(ctx context.Context) error {
		attempts.Add(1)
		return errors.New("permanent")
	}})

	select {
	case name := <-exhausted:
		if name != "doomed" {
			t.Fatalf("unexpected job name: %s", name)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("exhaustion never reported")
	}
	if got := attempts.Load(); got != 2 {
		t.Fatalf("expected 2 attempts, got %d", got)
	}
}

func TestQueueDrainsOnClose(t *testing.T) {
	q := New(1, 1, time.Millisecond)
	q.Start()

	var ran atomic.Int32
	for i := 0; i < 10; i++ {
		_ = q.Enqueue(Job{Name: "drain", Run: func(ctx context.Context) error {
			ran.Add(1)
			return nil
		}})
	}
	q.Close()

	if got := ran.Load(); got != 10 {
		t.Fatalf("expected 10 jobs to run before shutdown, got %d", got)
	}

	if err := q.Enqueue(Job{Name: "late", Run: func(ctx context.Context) error { return nil }}); err == nil {
		t.Fatal("expected enqueue after close to fail")
	}
}
