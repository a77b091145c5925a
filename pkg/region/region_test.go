package region

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/openfroyo/tickstage/pkg/engine"
	"github.com/openfroyo/tickstage/pkg/snapshot"
	"github.com/openfroyo/tickstage/pkg/stage"
	"github.com/openfroyo/tickstage/pkg/stores"
)

// countingGenerator marks every chunk and counts calls.
type countingGenerator struct {
	calls   atomic.Int32
	delay   time.Duration
	failFor int32
	panics  bool

	// blockOn makes that call wait until its context is done
	blockOn int32
}

func (g *countingGenerator) Generate(ctx context.Context, v *Volume) error {
	n := g.calls.Add(1)
	if n == g.blockOn {
		<-ctx.Done()
		return ctx.Err()
	}
	if g.delay > 0 {
		select {
		case <-time.After(g.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if n <= g.failFor {
		if g.panics {
			panic("generator exploded")
		}
		return errors.New("terrain failure")
	}
	for _, c := range v.Chunks {
		c.Set(0, 0, 0, stores.Block(v.Section+1))
	}
	return nil
}

func testConfig() Config {
	return Config{
		Name:                  "test",
		ChunksPerSide:         4,
		SectionWidth:          2,
		MaxGenerationAttempts: 3,
	}
}

func newTestRegion(t *testing.T, gen Generator, opts ...Option) (*Region, *snapshot.Coordinator) {
	t.Helper()
	coord := snapshot.NewCoordinator(nil)
	r, err := New(testConfig(), coord, gen, opts...)
	if err != nil {
		t.Fatalf("Failed to create region: %v", err)
	}
	return r, coord
}

func newTestPool(t *testing.T, workers, queue int) *GenerationPool {
	t.Helper()
	p, err := NewGenerationPool(PoolConfig{Workers: workers, QueueSize: queue}, nil)
	if err != nil {
		t.Fatalf("Failed to create pool: %v", err)
	}
	return p
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(*Config) {}, false},
		{"no name", func(c *Config) { c.Name = "" }, true},
		{"zero chunks", func(c *Config) { c.ChunksPerSide = 0 }, true},
		{"not power of two", func(c *Config) { c.ChunksPerSide = 6; c.SectionWidth = 3 }, true},
		{"does not divide", func(c *Config) { c.ChunksPerSide = 6; c.SectionWidth = 4 }, true},
		{"whole region section", func(c *Config) { c.SectionWidth = 4 }, false},
		{"no attempts", func(c *Config) { c.MaxGenerationAttempts = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Expected error %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestRegion_SectionGeometry(t *testing.T) {
	r, _ := newTestRegion(t, &countingGenerator{})

	if r.SectionCount() != 8 {
		t.Fatalf("Expected 8 sections, got %d", r.SectionCount())
	}

	for sec := 0; sec < r.SectionCount(); sec++ {
		x, y, z := r.SectionOrigin(sec)
		for _, d := range [][3]int{{0, 0, 0}, {1, 1, 1}, {1, 0, 1}} {
			if got := r.SectionOf(x+d[0], y+d[1], z+d[2]); got != sec {
				t.Errorf("Section %d origin %d,%d,%d offset %v: got section %d", sec, x, y, z, d, got)
			}
		}
	}

	if r.State(0) != StateNone {
		t.Errorf("Expected new section to be none, got %s", r.State(0))
	}
}

func TestGenerate_ConcurrentNonWaitingRunsOnce(t *testing.T) {
	gen := &countingGenerator{delay: 20 * time.Millisecond}
	pool := newTestPool(t, 4, 64)
	r, _ := newTestRegion(t, gen, WithPool(pool))

	const callers = 32
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := r.Generate(context.Background(), 3, false); err != nil {
				t.Errorf("Generate failed: %v", err)
			}
		}()
	}
	wg.Wait()

	if err := pool.Shutdown(context.Background(), time.Second); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	if got := gen.calls.Load(); got != 1 {
		t.Errorf("Expected exactly 1 generation, got %d", got)
	}
	if r.State(3) != StateComplete {
		t.Errorf("Expected section complete, got %s", r.State(3))
	}
	if r.Attempts(3) != 1 {
		t.Errorf("Expected 1 attempt, got %d", r.Attempts(3))
	}
}

func TestGenerate_WaitAfterCompleteDoesNotRegenerate(t *testing.T) {
	gen := &countingGenerator{}
	r, _ := newTestRegion(t, gen)

	for i := 0; i < 3; i++ {
		if err := r.Generate(context.Background(), 0, true); err != nil {
			t.Fatalf("Generate failed: %v", err)
		}
	}
	if got := gen.calls.Load(); got != 1 {
		t.Errorf("Expected 1 generation, got %d", got)
	}
}

func TestGenerate_WaiterObservesPublishedResult(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32

	gen := GeneratorFunc(func(ctx context.Context, v *Volume) error {
		calls.Add(1)
		close(started)
		<-release
		for _, c := range v.Chunks {
			c.Set(1, 1, 1, 9)
		}
		return nil
	})
	r, _ := newTestRegion(t, gen)

	first := make(chan error, 1)
	go func() { first <- r.Generate(context.Background(), 0, true) }()
	<-started

	if r.State(0) != StateInProgress {
		t.Errorf("Expected in progress while generating, got %s", r.State(0))
	}

	second := make(chan error, 1)
	go func() { second <- r.Generate(context.Background(), 0, true) }()

	select {
	case <-second:
		t.Fatal("Expected waiting caller to block behind the running generation")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	if err := <-second; err != nil {
		t.Fatalf("Second Generate failed: %v", err)
	}
	if err := <-first; err != nil {
		t.Fatalf("First Generate failed: %v", err)
	}

	if r.State(0) != StateComplete {
		t.Errorf("Expected complete, got %s", r.State(0))
	}
	x, y, z := r.SectionOrigin(0)
	c := r.LiveChunk(x+1, y+1, z+1)
	if c == nil || c.At(1, 1, 1) != 9 {
		t.Error("Expected waiting caller to see the published chunk")
	}
	if calls.Load() != 1 {
		t.Errorf("Expected 1 generation, got %d", calls.Load())
	}
}

func TestGenerate_NonWaitingAbandonsWhileLocked(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32

	gen := GeneratorFunc(func(ctx context.Context, v *Volume) error {
		if calls.Add(1) == 1 {
			close(started)
			<-release
		}
		return nil
	})
	r, _ := newTestRegion(t, gen)

	done := make(chan error, 1)
	go func() { done <- r.Generate(context.Background(), 1, true) }()
	<-started

	// The background path gives up immediately instead of queueing behind
	// the lock holder.
	if err := r.generate(context.Background(), 1, false); err != nil {
		t.Errorf("Expected abandoned attempt to return nil, got %v", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("Expected 1 generation, got %d", calls.Load())
	}
}

func TestGenerate_RetryAfterFailure(t *testing.T) {
	tests := []struct {
		name   string
		panics bool
	}{
		{"error", false},
		{"panic", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gen := &countingGenerator{failFor: 2, panics: tt.panics}
			r, _ := newTestRegion(t, gen)
			ctx := context.Background()

			for attempt := 1; attempt <= 2; attempt++ {
				err := r.Generate(ctx, 0, true)
				if engine.CodeOf(err) != engine.ErrCodeGenerationFailed {
					t.Fatalf("Attempt %d: expected generation failure, got %v", attempt, err)
				}
				if !engine.IsTransient(err) {
					t.Errorf("Attempt %d: expected transient error", attempt)
				}
				if r.State(0) != StateFailed {
					t.Errorf("Attempt %d: expected failed state, got %s", attempt, r.State(0))
				}
				if r.LiveChunk(0, 0, 0) != nil {
					t.Errorf("Attempt %d: expected nothing published", attempt)
				}
			}

			if err := r.Generate(ctx, 0, true); err != nil {
				t.Fatalf("Expected third attempt to succeed, got %v", err)
			}
			if r.State(0) != StateComplete {
				t.Errorf("Expected complete, got %s", r.State(0))
			}
			if r.Attempts(0) != 3 {
				t.Errorf("Expected 3 attempts, got %d", r.Attempts(0))
			}
		})
	}
}

func TestGenerate_Exhausted(t *testing.T) {
	gen := &countingGenerator{failFor: 100}
	r, _ := newTestRegion(t, gen)
	ctx := context.Background()

	var err error
	for i := 0; i < 3; i++ {
		err = r.Generate(ctx, 0, true)
	}
	if !IsExhausted(err) {
		t.Fatalf("Expected exhausted after 3 attempts, got %v", err)
	}
	if !engine.IsPermanent(err) {
		t.Error("Expected exhausted error to be permanent")
	}

	err = r.Generate(ctx, 0, true)
	if !errors.Is(err, ErrGenerationExhausted) {
		t.Errorf("Expected exhausted on later call, got %v", err)
	}
	if gen.calls.Load() != 3 {
		t.Errorf("Expected generator to stop being called, got %d calls", gen.calls.Load())
	}
	if r.State(0) != StateFailed {
		t.Errorf("Expected failed, got %s", r.State(0))
	}
}

func TestGenerate_WaitingRunsInCallerStage(t *testing.T) {
	var seen stage.Stage
	var ok bool
	gen := GeneratorFunc(func(ctx context.Context, v *Volume) error {
		seen, ok = stage.FromContext(ctx)
		return nil
	})
	r, _ := newTestRegion(t, gen)

	ctx := stage.WithStage(context.Background(), stage.DynamicBlocks)
	if err := r.Generate(ctx, 0, true); err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if !ok || seen != stage.DynamicBlocks {
		t.Errorf("Expected generator to run inside %s, got %s (set=%v)", stage.DynamicBlocks, seen, ok)
	}
}

func TestGenerate_CancelledAttemptNotCounted(t *testing.T) {
	tests := []struct {
		name     string
		failFor  int32
		blockOn  int32
		state    GenerationState
		attempts int
	}{
		{"from none", 0, 1, StateNone, 0},
		{"from failed", 1, 2, StateFailed, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gen := &countingGenerator{failFor: tt.failFor, blockOn: tt.blockOn}
			r, _ := newTestRegion(t, gen)

			for i := int32(0); i < tt.failFor; i++ {
				if err := r.Generate(context.Background(), 0, true); err == nil {
					t.Fatal("Expected failing attempt to return an error")
				}
			}

			ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
			err := r.Generate(ctx, 0, true)
			cancel()
			if !errors.Is(err, context.DeadlineExceeded) {
				t.Fatalf("Expected deadline exceeded, got %v", err)
			}
			if r.State(0) != tt.state {
				t.Errorf("Expected state %s after cancellation, got %s", tt.state, r.State(0))
			}
			if r.Attempts(0) != tt.attempts {
				t.Errorf("Expected %d attempts, got %d", tt.attempts, r.Attempts(0))
			}

			if err := r.Generate(context.Background(), 0, true); err != nil {
				t.Fatalf("Expected generation after cancellation to succeed, got %v", err)
			}
			if r.State(0) != StateComplete {
				t.Errorf("Expected complete, got %s", r.State(0))
			}
		})
	}
}

func TestGenerate_CancellationDoesNotExhaust(t *testing.T) {
	gen := &countingGenerator{blockOn: 1}
	coord := snapshot.NewCoordinator(nil)
	cfg := testConfig()
	cfg.MaxGenerationAttempts = 1
	r, err := New(cfg, coord, gen)
	if err != nil {
		t.Fatalf("Failed to create region: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = r.Generate(ctx, 0, true)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context canceled, got %v", err)
	}
	if IsExhausted(err) {
		t.Error("Expected cancellation not to exhaust the section")
	}

	if err := r.Generate(context.Background(), 0, true); err != nil {
		t.Fatalf("Expected single allowed attempt to run, got %v", err)
	}
	if r.Attempts(0) != 1 {
		t.Errorf("Expected 1 attempt, got %d", r.Attempts(0))
	}
}

func TestGenerate_VisibleToTickAfterCommit(t *testing.T) {
	r, coord := newTestRegion(t, &countingGenerator{})
	ctx := context.Background()

	if err := r.Generate(ctx, 0, true); err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if r.LiveChunk(0, 0, 0) == nil {
		t.Fatal("Expected live chunk after generation")
	}
	if r.Chunk(0, 0, 0) != nil {
		t.Error("Expected ticked chunk to stay empty until commit")
	}

	if _, err := coord.CommitAll(ctx); err != nil {
		t.Fatalf("CommitAll failed: %v", err)
	}
	if r.Chunk(0, 0, 0) == nil {
		t.Error("Expected ticked chunk after commit")
	}
}

func TestGenerate_Validation(t *testing.T) {
	r, _ := newTestRegion(t, &countingGenerator{})

	if err := r.Generate(context.Background(), 99, true); engine.CodeOf(err) != engine.ErrCodeValidation {
		t.Errorf("Expected validation error for bad section, got %v", err)
	}
	if err := r.Generate(context.Background(), 0, false); engine.CodeOf(err) != engine.ErrCodeValidation {
		t.Errorf("Expected validation error without a pool, got %v", err)
	}
	if _, err := New(testConfig(), nil, &countingGenerator{}); err == nil {
		t.Error("Expected error without coordinator")
	}
}

func TestEditChunk(t *testing.T) {
	r, _ := newTestRegion(t, &countingGenerator{})
	ctx := context.Background()

	if r.EditChunk(0, 0, 0, func(*stores.Chunk) bool { return true }) {
		t.Error("Expected edit of missing chunk to be rejected")
	}

	if err := r.Generate(ctx, 0, true); err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	before := r.LiveChunk(0, 0, 0)

	ok := r.EditChunk(0, 0, 0, func(c *stores.Chunk) bool {
		c.Set(2, 2, 2, 5)
		return true
	})
	if !ok {
		t.Fatal("Expected edit to be published")
	}

	after := r.LiveChunk(0, 0, 0)
	if after == before {
		t.Error("Expected a new chunk instance after edit")
	}
	if before.At(2, 2, 2) != stores.Air {
		t.Error("Expected published chunk to be left untouched")
	}
	if after.At(2, 2, 2) != 5 {
		t.Errorf("Expected edited block 5, got %d", after.At(2, 2, 2))
	}
}
