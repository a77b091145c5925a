package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/openfroyo/tickstage/pkg/snapshot"
	"github.com/openfroyo/tickstage/pkg/stage"
	"github.com/openfroyo/tickstage/pkg/telemetry"
)

// Settings control how the Orchestrator runs ticks.
type Settings struct {
	// Workers bounds how many managers of one bucket run at the same time.
	Workers int

	// SequenceCount is the number of sequence buckets per stage.
	SequenceCount int

	// UpdateThreshold bounds the dynamic and physics updates performed in one
	// tick. Reaching it ends the convergence loop early.
	UpdateThreshold int64

	// TickRate is the target interval between ticks for Run.
	TickRate time.Duration
}

// DefaultSettings returns settings for a 20 Hz simulation.
func DefaultSettings() Settings {
	return Settings{
		Workers:         runtime.NumCPU(),
		SequenceCount:   8,
		UpdateThreshold: 4096,
		TickRate:        50 * time.Millisecond,
	}
}

// Validate checks the settings.
func (s Settings) Validate() error {
	if s.Workers <= 0 {
		return NewPermanentError(fmt.Sprintf("workers must be positive, got %d", s.Workers), nil).
			WithCode(ErrCodeValidation)
	}
	if s.SequenceCount <= 0 {
		return NewPermanentError(fmt.Sprintf("sequence count must be positive, got %d", s.SequenceCount), nil).
			WithCode(ErrCodeValidation)
	}
	if s.UpdateThreshold <= 0 {
		return NewPermanentError(fmt.Sprintf("update threshold must be positive, got %d", s.UpdateThreshold), nil).
			WithCode(ErrCodeValidation)
	}
	if s.TickRate <= 0 {
		return NewPermanentError(fmt.Sprintf("tick rate must be positive, got %s", s.TickRate), nil).
			WithCode(ErrCodeValidation)
	}
	return nil
}

// Stats is a point-in-time view of the Orchestrator.
type Stats struct {
	RunID        string
	Ticks        uint64
	Managers     int
	SimTime      time.Duration
	LastDuration time.Duration
	LastUpdates  int64
	LastPasses   int
	Storms       uint64
	Failures     uint64
	Overruns     uint64
}

// Orchestrator drives registered managers through the tick stages.
//
// RunTick is called from a single goroutine. Within a stage the managers of
// one sequence bucket run in parallel on a bounded pool, and every bucket is
// followed by a full barrier. Register and Deregister may be called from any
// goroutine; during a tick they are queued until the next one.
type Orchestrator struct {
	runID    string
	clock    *stage.Clock
	coord    *snapshot.Coordinator
	registry *Registry
	tasks    *TaskQueue
	tel      *telemetry.Telemetry
	logger   *telemetry.Logger

	inTick atomic.Bool

	mu       sync.Mutex
	settings Settings
	next     *Settings
	stats    Stats
}

// NewOrchestrator creates an orchestrator for the domain whose primitives are
// registered with coord. The coordinator must carry a clock; the orchestrator
// is its only writer. A nil tel disables telemetry.
func NewOrchestrator(settings Settings, coord *snapshot.Coordinator, tel *telemetry.Telemetry) (*Orchestrator, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	if coord == nil || coord.Clock() == nil {
		return nil, NewPermanentError("coordinator with a clock is required", nil).
			WithCode(ErrCodeValidation)
	}
	if tel == nil {
		tel = telemetry.Nop()
	}

	runID := uuid.New().String()
	return &Orchestrator{
		runID:    runID,
		clock:    coord.Clock(),
		coord:    coord,
		registry: NewRegistry(settings.SequenceCount),
		tasks:    NewTaskQueue(),
		tel:      tel,
		logger:   tel.Logger.NewComponentLogger("orchestrator").WithField("run_id", runID),
		settings: settings,
		stats:    Stats{RunID: runID},
	}, nil
}

// Clock returns the domain clock.
func (o *Orchestrator) Clock() *stage.Clock {
	return o.clock
}

// Coordinator returns the domain's snapshot coordinator.
func (o *Orchestrator) Coordinator() *snapshot.Coordinator {
	return o.coord
}

// Tasks returns the scheduled task queue drained at every TickStart.
func (o *Orchestrator) Tasks() *TaskQueue {
	return o.tasks
}

// Registry returns the manager registry.
func (o *Orchestrator) Registry() *Registry {
	return o.registry
}

// Register adds a manager. During a tick the request is queued and applied
// when the next tick starts.
func (o *Orchestrator) Register(m AsyncManager) error {
	applied, err := o.registry.Register(m)
	if err != nil {
		return err
	}
	if applied {
		o.tel.Metrics.SetRegisteredManagers(o.registry.Len())
		o.logger.WithManager(m.ID()).Debug("Manager registered")
	} else {
		o.logger.WithManager(m.ID()).Debug("Manager registration queued for next tick")
	}
	return nil
}

// Deregister removes a manager. During a tick the request is queued and
// applied when the next tick starts.
func (o *Orchestrator) Deregister(id string) error {
	applied, err := o.registry.Deregister(id)
	if err != nil {
		return err
	}
	if applied {
		o.tel.Metrics.SetRegisteredManagers(o.registry.Len())
		o.logger.WithManager(id).Debug("Manager deregistered")
	}
	return nil
}

// Settings returns the settings in effect.
func (o *Orchestrator) Settings() Settings {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.settings
}

// ApplySettings replaces the settings from the next tick on. The sequence
// count is fixed at construction and cannot change.
func (o *Orchestrator) ApplySettings(s Settings) error {
	if err := s.Validate(); err != nil {
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if s.SequenceCount != o.settings.SequenceCount {
		return NewPermanentError("sequence count cannot change at runtime", nil).
			WithCode(ErrCodeValidation).
			WithDetail("current", o.settings.SequenceCount).
			WithDetail("requested", s.SequenceCount)
	}
	o.next = &s
	return nil
}

// Stats returns a snapshot of orchestrator counters.
func (o *Orchestrator) Stats() Stats {
	o.mu.Lock()
	defer o.mu.Unlock()
	st := o.stats
	st.Managers = o.registry.Len()
	return st
}

// RunTick runs one full tick with the given simulated time step.
//
// Manager failures never fail the tick. An error is returned only when a tick
// is already in flight or ctx ends before the tick completes; in the latter
// case the Snapshot stage has not run and the tick number is unchanged.
func (o *Orchestrator) RunTick(ctx context.Context, delta time.Duration) error {
	if !o.inTick.CompareAndSwap(false, true) {
		return NewConflictError("tick already in progress", nil).WithCode(ErrCodeConflict)
	}
	defer o.inTick.Store(false)

	settings := o.beginSettings()
	tick := o.clock.Tick()
	start := time.Now()

	ctx, span := o.tel.Tracer.StartTickSpan(ctx, tick, o.runID)
	defer span.End()
	logger := o.logger.WithTick(tick)

	changes, errs := o.registry.beginTick()
	defer o.registry.endTick()
	for _, change := range changes {
		_ = o.tel.Events.PublishManagerRegistration(tick, change.ManagerID, change.Registered)
	}
	for _, err := range errs {
		logger.WithError(err).Warn("Queued registration rejected")
	}
	if len(changes) > 0 {
		o.tel.Metrics.SetRegisteredManagers(o.registry.Len())
	}

	// TickStart: scheduled work runs on this goroutine before any manager.
	o.clock.Set(stage.TickStart)
	o.runTasks(stage.WithStage(ctx, stage.TickStart), logger, delta)

	for _, s := range []stage.Stage{stage.TickStart, stage.Stage1, stage.Stage2Plus} {
		if err := ctx.Err(); err != nil {
			telemetry.RecordError(span, err)
			return err
		}
		o.runStage(ctx, tick, s, settings, delta, 0)
	}

	updates, passes, storm := o.converge(ctx, tick, settings, delta, logger)

	for _, s := range []stage.Stage{stage.Lighting, stage.Finalize, stage.PreSnapshot, stage.Snapshot} {
		if err := ctx.Err(); err != nil {
			telemetry.RecordError(span, err)
			return err
		}
		o.runStage(ctx, tick, s, settings, delta, 0)
	}

	// The clock still reads Snapshot, which is what CommitAll requires.
	committed, err := o.coord.CommitAll(ctx)
	if err != nil {
		telemetry.RecordError(span, err)
		logger.WithError(err).Error("Snapshot commit interrupted")
		return err
	}
	o.tel.Metrics.RecordCommit(committed)

	o.clock.Advance()
	duration := time.Since(start)

	o.mu.Lock()
	o.stats.Ticks++
	o.stats.SimTime += delta
	o.stats.LastDuration = duration
	o.stats.LastUpdates = updates
	o.stats.LastPasses = passes
	if storm {
		o.stats.Storms++
	}
	o.mu.Unlock()

	o.tel.Metrics.RecordTick(duration)
	o.tel.Metrics.RecordConvergence(int(updates), passes, storm)
	_ = o.tel.Events.PublishTickCompleted(tick, duration, int(updates))
	telemetry.RecordSuccess(span)

	logger.Zerolog().Trace().
		Dur("duration", duration).
		Int64("updates", updates).
		Int("passes", passes).
		Int("committed", committed).
		Msg("Tick completed")

	return nil
}

// beginSettings swaps in settings applied since the previous tick.
func (o *Orchestrator) beginSettings() Settings {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.next != nil {
		o.settings = *o.next
		o.next = nil
		o.logger.Zerolog().Info().
			Int("workers", o.settings.Workers).
			Int64("update_threshold", o.settings.UpdateThreshold).
			Dur("tick_rate", o.settings.TickRate).
			Msg("Applied new tick settings")
	}
	return o.settings
}

// runTasks advances simulation time and runs due scheduled tasks.
func (o *Orchestrator) runTasks(ctx context.Context, logger *telemetry.Logger, delta time.Duration) {
	for _, res := range o.tasks.Advance(ctx, delta) {
		o.tel.Metrics.RecordScheduledTask(res.Err != nil)
		if res.Err != nil {
			logger.WithError(res.Err).WithField("task_id", res.ID).Error("Scheduled task failed")
		}
	}
}

// converge loops the dynamic and physics stages while any manager reports
// work, until the update threshold is reached. DynamicBlocks managers share
// the remaining budget; the other loop stages take no budget, so the total
// can pass the threshold by at most the work those stages report in the pass
// that crosses it.
func (o *Orchestrator) converge(ctx context.Context, tick uint64, settings Settings, delta time.Duration, logger *telemetry.Logger) (int64, int, bool) {
	loop := []stage.Stage{stage.DynamicBlocks, stage.GlobalDynamicBlocks, stage.Physics, stage.GlobalPhysics}
	threshold := settings.UpdateThreshold

	var performed int64
	passes := 0
	for ctx.Err() == nil {
		passes++
		var pass int64
		for _, s := range loop {
			n := o.runStage(ctx, tick, s, settings, delta, threshold-performed)
			pass += n
			performed += n
			if performed >= threshold {
				logger.Zerolog().Warn().
					Int64("updates", performed).
					Int64("threshold", threshold).
					Int("passes", passes).
					Str("stage", s.String()).
					Msg("Update threshold reached, deferring remaining work to next tick")
				o.tel.Metrics.RecordError(string(ErrorClassThrottled), ErrCodeUpdateStorm)
				_ = o.tel.Events.PublishUpdateStorm(tick, performed, threshold)
				telemetry.AddTickEvent(ctx, "update_storm",
					fmt.Sprintf("%d updates reached threshold %d in %s", performed, threshold, s))
				return performed, passes, true
			}
		}
		if pass == 0 {
			break
		}
	}
	return performed, passes, false
}

// runStage runs every bucket of stage s in order with a barrier after each.
// It returns the total work reported by the callbacks.
func (o *Orchestrator) runStage(ctx context.Context, tick uint64, s stage.Stage, settings Settings, delta time.Duration, budget int64) int64 {
	o.clock.Set(s)
	stageStart := time.Now()

	ctx, span := o.tel.Tracer.StartStageSpan(ctx, s.String())
	defer span.End()

	var total atomic.Int64
	buckets, managers := 0, 0
	sctx := stage.WithStage(ctx, s)

	for seq := 0; seq < settings.SequenceCount; seq++ {
		bucket := o.registry.Bucket(s, seq)
		if len(bucket) == 0 {
			continue
		}
		buckets++
		managers += len(bucket)

		var shares []int64
		if s == stage.DynamicBlocks {
			shares = splitBudget(budget-total.Load(), len(bucket), int(tick%uint64(len(bucket))))
		}

		g := new(errgroup.Group)
		g.SetLimit(settings.Workers)
		for i, m := range bucket {
			m, seq, share := m, seq, budget
			if shares != nil {
				if share = shares[i]; share <= 0 {
					continue
				}
			}
			g.Go(func() error {
				n, err := invoke(stage.WithOwner(sctx, m.ID()), m, s, seq, delta, share)
				if n > 0 {
					total.Add(int64(n))
				}
				o.tel.Metrics.RecordCallback(s.String(), err != nil)
				if err != nil {
					o.managerFailed(tick, s, m.ID(), err)
				}
				return nil
			})
		}
		// Barrier: the next bucket starts only after this one finished.
		_ = g.Wait()
	}

	if buckets > 0 {
		o.tel.Metrics.RecordStage(s.String(), buckets, time.Since(stageStart))
	}
	span.SetAttributes(
		telemetry.AttrBuckets.Int(buckets),
		telemetry.AttrManagerCount.Int(managers),
		telemetry.AttrUpdates.Int64(total.Load()),
	)
	return total.Load()
}

// splitBudget divides remaining updates across k managers of one bucket so
// the bucket as a whole stays within it. The remainder goes to the managers
// starting at offset, which rotates per tick.
func splitBudget(remaining int64, k, offset int) []int64 {
	shares := make([]int64, k)
	if remaining <= 0 || k == 0 {
		return shares
	}
	base, extra := remaining/int64(k), remaining%int64(k)
	for i := range shares {
		shares[i] = base
		if int64((i-offset+k)%k) < extra {
			shares[i]++
		}
	}
	return shares
}

// invoke runs one callback and converts a panic into an error.
func invoke(ctx context.Context, m AsyncManager, s stage.Stage, seq int, delta time.Duration, budget int64) (n int, err error) {
	defer func() {
		if r := recover(); r != nil {
			n = 0
			cause, _ := r.(error)
			err = NewPermanentError(fmt.Sprintf("manager panicked: %v", r), cause).
				WithCode(ErrCodeManagerFailed).
				WithDetail("stack", string(debug.Stack()))
		}
	}()
	return dispatch(ctx, m, s, seq, delta, budget)
}

// managerFailed classifies, logs and reports a failed callback. The manager's
// siblings and the tick are unaffected.
func (o *Orchestrator) managerFailed(tick uint64, s stage.Stage, id string, err error) {
	engineErr := classifyFailure(err).WithOwner(id).WithOperation(s.String()).WithTick(tick)

	o.mu.Lock()
	o.stats.Failures++
	o.mu.Unlock()

	o.tel.Metrics.RecordError(string(engineErr.Class), engineErr.Code)
	o.logger.WithTick(tick).WithStage(s.String()).WithManager(id).
		WithError(engineErr).Error("Manager callback failed")
	_ = o.tel.Events.PublishManagerFailed(tick, s.String(), id, err.Error())
}

// classifyFailure wraps err as an EngineError. Sequence violations keep
// their own code and classified errors keep their class.
func classifyFailure(err error) *EngineError {
	var seqErr *stage.SequenceError
	if errors.As(err, &seqErr) {
		return NewPermanentError("sequence violation", err).WithCode(ErrCodeSequenceViolation)
	}

	var engineErr *EngineError
	if errors.As(err, &engineErr) {
		code := engineErr.Code
		if code == "" {
			code = ErrCodeManagerFailed
		}
		return &EngineError{Class: engineErr.Class, Message: "manager callback failed", Code: code, Err: err}
	}
	return NewPermanentError("manager callback failed", err).WithCode(ErrCodeManagerFailed)
}

// Run ticks at the configured rate until ctx ends. The delta passed to each
// tick is the real time elapsed since the previous one. When the loop falls
// more than two intervals behind it resets its deadline instead of bursting.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.logger.Zerolog().Info().
		Dur("tick_rate", o.Settings().TickRate).
		Int("managers", o.registry.Len()).
		Msg("Tick loop started")

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	interval := o.Settings().TickRate
	last := time.Now()
	deadline := last.Add(interval)

	for {
		if wait := time.Until(deadline); wait > 0 {
			timer.Reset(wait)
			select {
			case <-ctx.Done():
				o.logger.Info("Tick loop stopped")
				return nil
			case <-timer.C:
			}
		} else if ctx.Err() != nil {
			o.logger.Info("Tick loop stopped")
			return nil
		}

		now := time.Now()
		delta := now.Sub(last)
		last = now

		if err := o.RunTick(ctx, delta); err != nil {
			if ctx.Err() != nil {
				o.logger.Info("Tick loop stopped")
				return nil
			}
			return fmt.Errorf("tick %d: %w", o.clock.Tick(), err)
		}

		interval = o.Settings().TickRate
		deadline = deadline.Add(interval)
		if behind := time.Since(deadline); behind > 2*interval {
			o.mu.Lock()
			o.stats.Overruns++
			o.mu.Unlock()
			o.tel.Metrics.RecordTickOverrun()
			_ = o.tel.Events.PublishTickOverrun(o.clock.Tick(), behind)
			o.logger.Zerolog().Warn().Dur("behind", behind).Msg("Tick loop fell behind, resetting schedule")
			deadline = time.Now().Add(interval)
		}
	}
}
