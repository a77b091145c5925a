package region

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/openfroyo/tickstage/pkg/engine"
)

func TestNewGenerationPool_Validation(t *testing.T) {
	if _, err := NewGenerationPool(PoolConfig{Workers: 0, QueueSize: 1}, nil); err == nil {
		t.Error("Expected error for zero workers")
	}
	if _, err := NewGenerationPool(PoolConfig{Workers: 1, QueueSize: -1}, nil); err == nil {
		t.Error("Expected error for negative queue size")
	}
}

func TestGenerationPool_Saturation(t *testing.T) {
	pool := newTestPool(t, 1, 1)
	block := make(chan struct{})
	running := make(chan struct{})
	var ran atomic.Int32

	// Occupy the only worker.
	if err := pool.Submit(func(context.Context) {
		close(running)
		<-block
		ran.Add(1)
	}); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	<-running

	// One fits in the queue, the next overflows to an async enqueue.
	for i := 0; i < 2; i++ {
		if err := pool.Submit(func(context.Context) { ran.Add(1) }); err != nil {
			t.Fatalf("Submit failed: %v", err)
		}
	}
	if pool.Saturation() != 1 {
		t.Errorf("Expected 1 saturated submission, got %d", pool.Saturation())
	}

	close(block)
	if err := pool.Shutdown(context.Background(), time.Second); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if ran.Load() != 3 {
		t.Errorf("Expected 3 jobs to run, got %d", ran.Load())
	}
	if pool.Completed() != 3 {
		t.Errorf("Expected 3 completed, got %d", pool.Completed())
	}
}

func TestGenerationPool_SubmitAfterShutdown(t *testing.T) {
	pool := newTestPool(t, 1, 1)
	if err := pool.Shutdown(context.Background(), time.Second); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	err := pool.Submit(func(context.Context) {})
	if engine.CodeOf(err) != engine.ErrCodeShutdown {
		t.Errorf("Expected shutdown error, got %v", err)
	}

	// A second shutdown is a no-op.
	if err := pool.Shutdown(context.Background(), time.Second); err != nil {
		t.Errorf("Expected second shutdown to succeed, got %v", err)
	}
}

func TestGenerationPool_ShutdownKeepsWaitingPastTimeout(t *testing.T) {
	pool := newTestPool(t, 1, 1)
	var finished atomic.Bool

	_ = pool.Submit(func(context.Context) {
		time.Sleep(60 * time.Millisecond)
		finished.Store(true)
	})

	if err := pool.Shutdown(context.Background(), 10*time.Millisecond); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if !finished.Load() {
		t.Error("Expected shutdown to wait for the running job")
	}
}

func TestGenerationPool_ShutdownContextCancelled(t *testing.T) {
	pool := newTestPool(t, 1, 1)
	cancelled := make(chan struct{})

	_ = pool.Submit(func(ctx context.Context) {
		<-ctx.Done()
		close(cancelled)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := pool.Shutdown(ctx, 5*time.Millisecond)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Expected deadline exceeded, got %v", err)
	}

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Error("Expected running job to see its context cancelled")
	}
}

func TestGenerationPool_RecoversPanics(t *testing.T) {
	pool := newTestPool(t, 1, 2)
	var after atomic.Bool

	_ = pool.Submit(func(context.Context) { panic("boom") })
	_ = pool.Submit(func(context.Context) { after.Store(true) })

	if err := pool.Shutdown(context.Background(), time.Second); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if !after.Load() {
		t.Error("Expected worker to keep running after a panic")
	}
}
