package region

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/openfroyo/tickstage/pkg/engine"
	"github.com/openfroyo/tickstage/pkg/telemetry"
)

// Job is a unit of work run by the generation pool.
type Job func(ctx context.Context)

// PoolConfig configures a GenerationPool.
type PoolConfig struct {
	Workers   int
	QueueSize int
}

// GenerationPool runs generation jobs on a fixed set of workers fed by a
// buffered queue. It is shared by all regions of a world and is separate from
// the orchestrator's stage workers.
type GenerationPool struct {
	cfg    PoolConfig
	queue  chan Job
	stop   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.RWMutex
	closed  bool
	pending sync.WaitGroup
	workers sync.WaitGroup

	saturation     atomic.Uint64
	lastSaturation atomic.Int64
	completed      atomic.Uint64

	tel    *telemetry.Telemetry
	logger *telemetry.Logger
}

// NewGenerationPool starts a pool with cfg.Workers workers.
func NewGenerationPool(cfg PoolConfig, tel *telemetry.Telemetry) (*GenerationPool, error) {
	if cfg.Workers <= 0 {
		return nil, fmt.Errorf("generation pool needs at least one worker, got %d", cfg.Workers)
	}
	if cfg.QueueSize < 0 {
		return nil, fmt.Errorf("generation queue size must not be negative, got %d", cfg.QueueSize)
	}
	if tel == nil {
		tel = telemetry.Nop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &GenerationPool{
		cfg:    cfg,
		queue:  make(chan Job, cfg.QueueSize),
		stop:   make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
		tel:    tel,
		logger: tel.Logger.NewComponentLogger("generation_pool"),
	}

	p.workers.Add(cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		go p.worker()
	}
	return p, nil
}

// Submit queues job. When the queue is full the job is handed to a goroutine
// that blocks until a slot frees up, so Submit itself never blocks. After
// Shutdown has begun Submit returns a SHUTDOWN error.
func (p *GenerationPool) Submit(job Job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return engine.NewPermanentError("generation pool is shut down", nil).
			WithCode(engine.ErrCodeShutdown)
	}

	p.pending.Add(1)
	select {
	case p.queue <- job:
	default:
		go func() { p.queue <- job }()
		p.saturated()
	}
	return nil
}

// saturated counts a full-queue submission and logs at most once a minute.
func (p *GenerationPool) saturated() {
	count := p.saturation.Add(1)
	p.tel.Metrics.RecordGenerationSaturation()

	now := time.Now().UnixNano()
	last := p.lastSaturation.Load()
	if last != 0 && time.Duration(now-last) < time.Minute {
		return
	}
	if !p.lastSaturation.CompareAndSwap(last, now) {
		return
	}

	p.logger.Zerolog().Warn().
		Uint64("saturated_submissions", count).
		Int("queue_size", p.cfg.QueueSize).
		Int("workers", p.cfg.Workers).
		Msg("Generation queue saturated")
}

// Saturation returns how many submissions found the queue full.
func (p *GenerationPool) Saturation() uint64 {
	return p.saturation.Load()
}

// Completed returns the number of jobs that have finished.
func (p *GenerationPool) Completed() uint64 {
	return p.completed.Load()
}

func (p *GenerationPool) worker() {
	defer p.workers.Done()

	for {
		select {
		case job := <-p.queue:
			p.run(job)
		case <-p.stop:
			return
		}
	}
}

func (p *GenerationPool) run(job Job) {
	defer p.pending.Done()
	defer p.completed.Add(1)
	defer func() {
		if r := recover(); r != nil {
			p.logger.Zerolog().Error().
				Str("panic", fmt.Sprint(r)).
				Msg("Generation job panicked")
		}
	}()

	job(p.ctx)
}

// Shutdown stops accepting jobs and waits for every accepted job to finish.
// Each time timeout elapses with work still outstanding it logs and keeps
// waiting. It returns early only when ctx ends, in which case running jobs
// see their context cancelled.
func (p *GenerationPool) Shutdown(ctx context.Context, timeout time.Duration) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	drained := make(chan struct{})
	go func() {
		p.pending.Wait()
		close(drained)
	}()

	start := time.Now()
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-drained:
			close(p.stop)
			p.workers.Wait()
			p.cancel()
			p.logger.Zerolog().Debug().
				Dur("elapsed", time.Since(start)).
				Msg("Generation pool shut down")
			return nil
		case <-ctx.Done():
			p.cancel()
			return ctx.Err()
		case <-timer.C:
			p.logger.Zerolog().Warn().
				Dur("waited", time.Since(start)).
				Int("queued", len(p.queue)).
				Msg("Generation pool still draining, waiting again")
			timer.Reset(timeout)
		}
	}
}
