package region

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/openfroyo/tickstage/pkg/engine"
	"github.com/openfroyo/tickstage/pkg/snapshot"
	"github.com/openfroyo/tickstage/pkg/stores"
	"github.com/openfroyo/tickstage/pkg/telemetry"
)

// ErrGenerationExhausted matches errors returned by Generate for a section
// that failed MaxGenerationAttempts times. Such a section stays Failed.
var ErrGenerationExhausted = engine.NewPermanentError("section generation attempts exhausted", nil).
	WithCode(engine.ErrCodeExhausted)

// Config describes a region's chunk grid.
type Config struct {
	// Name identifies the region in stores, logs and events.
	Name string

	// X, Y and Z are the region's coordinates in its world.
	X, Y, Z int

	// ChunksPerSide is the edge length of the region in chunks.
	ChunksPerSide int

	// SectionWidth is the edge length of a generation section in chunks.
	// It must be a power of two dividing ChunksPerSide.
	SectionWidth int

	// MaxGenerationAttempts bounds retries of a failing section.
	MaxGenerationAttempts int
}

// Validate checks the grid geometry.
func (c Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("region name is required")
	}
	if c.ChunksPerSide <= 0 {
		return fmt.Errorf("chunks per side must be positive, got %d", c.ChunksPerSide)
	}
	if c.SectionWidth <= 0 || c.SectionWidth&(c.SectionWidth-1) != 0 {
		return fmt.Errorf("section width must be a power of two, got %d", c.SectionWidth)
	}
	if c.ChunksPerSide%c.SectionWidth != 0 {
		return fmt.Errorf("section width %d does not divide chunks per side %d", c.SectionWidth, c.ChunksPerSide)
	}
	if c.MaxGenerationAttempts <= 0 {
		return fmt.Errorf("max generation attempts must be positive, got %d", c.MaxGenerationAttempts)
	}
	return nil
}

// Option configures optional region collaborators.
type Option func(*Region)

// WithPool sets the pool used by non-waiting Generate calls.
func WithPool(p *GenerationPool) Option {
	return func(r *Region) { r.pool = p }
}

// WithStore persists generated sections and serves chunk loads.
func WithStore(s stores.ChunkStore) Option {
	return func(r *Region) { r.store = s }
}

// WithTelemetry sets the telemetry sinks.
func WithTelemetry(t *telemetry.Telemetry) Option {
	return func(r *Region) { r.tel = t }
}

// Region is a cubic grid of chunks split into generation sections. Its live
// chunk table is a copy-on-write array registered with the domain's
// snapshot coordinator: generation and edits publish into the live slot at
// any time, and tick code reads the ticked slot, which only changes at the
// Snapshot stage.
type Region struct {
	cfg       Config
	perSide   int
	generator Generator
	pool      *GenerationPool
	store     stores.ChunkStore

	chunks   *snapshot.Published[*stores.Chunk]
	sections []section
	loads    singleflight.Group

	storedMu sync.RWMutex
	stored   map[int]struct{}

	generated atomic.Uint64

	tel    *telemetry.Telemetry
	logger *telemetry.Logger
}

// New creates a region with every section in StateNone and an empty chunk
// table registered with coord.
func New(cfg Config, coord *snapshot.Coordinator, gen Generator, opts ...Option) (*Region, error) {
	if err := cfg.Validate(); err != nil {
		return nil, engine.NewPermanentError("invalid region config", err).
			WithCode(engine.ErrCodeValidation).
			WithOwner(cfg.Name)
	}
	if coord == nil {
		return nil, engine.NewPermanentError("region requires a snapshot coordinator", nil).
			WithCode(engine.ErrCodeValidation)
	}
	if gen == nil {
		return nil, engine.NewPermanentError("region requires a generator", nil).
			WithCode(engine.ErrCodeValidation)
	}

	perSide := cfg.ChunksPerSide / cfg.SectionWidth
	r := &Region{
		cfg:       cfg,
		perSide:   perSide,
		generator: gen,
		sections:  make([]section, perSide*perSide*perSide),
		stored:    make(map[int]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.tel == nil {
		r.tel = telemetry.Nop()
	}
	r.logger = r.tel.Logger.NewComponentLogger("region").
		WithRegion(cfg.X, cfg.Y, cfg.Z).
		WithField("region", cfg.Name)

	n := cfg.ChunksPerSide
	r.chunks = snapshot.NewPublished[*stores.Chunk](coord, n*n*n)

	for range r.sections {
		r.tel.Metrics.MoveSectionState("", StateNone.String())
	}
	return r, nil
}

// Close unregisters the chunk table from the coordinator.
func (r *Region) Close() {
	r.chunks.Close()
}

// Name returns the region name.
func (r *Region) Name() string { return r.cfg.Name }

// Config returns the region configuration.
func (r *Region) Config() Config { return r.cfg }

// SectionCount returns the number of sections.
func (r *Region) SectionCount() int { return len(r.sections) }

// Generated returns the number of sections this region has generated or
// restored from its store.
func (r *Region) Generated() uint64 { return r.generated.Load() }

// InBounds reports whether region chunk coordinates fall inside the grid.
func (r *Region) InBounds(cx, cy, cz int) bool {
	n := r.cfg.ChunksPerSide
	return cx >= 0 && cx < n && cy >= 0 && cy < n && cz >= 0 && cz < n
}

// ChunkIndex returns the chunk table position of region chunk coordinates.
func (r *Region) ChunkIndex(cx, cy, cz int) int {
	n := r.cfg.ChunksPerSide
	return (cy*n+cz)*n + cx
}

// SectionOf returns the section containing region chunk coordinates.
func (r *Region) SectionOf(cx, cy, cz int) int {
	w, p := r.cfg.SectionWidth, r.perSide
	return ((cy/w)*p+cz/w)*p + cx/w
}

// SectionOrigin returns the chunk coordinates of a section's lowest corner.
func (r *Region) SectionOrigin(sec int) (x, y, z int) {
	w, p := r.cfg.SectionWidth, r.perSide
	return (sec % p) * w, (sec / (p * p)) * w, ((sec / p) % p) * w
}

// State returns the generation state of a section.
func (r *Region) State(sec int) GenerationState {
	if sec < 0 || sec >= len(r.sections) {
		return StateNone
	}
	return r.sections[sec].load()
}

// Attempts returns how many generation attempts a section has used.
// Cancelled attempts are not counted.
func (r *Region) Attempts(sec int) int {
	if sec < 0 || sec >= len(r.sections) {
		return 0
	}
	return int(r.sections[sec].attempts.Load())
}

// StateCounts returns the number of sections in each state.
func (r *Region) StateCounts() map[GenerationState]int {
	counts := make(map[GenerationState]int)
	for i := range r.sections {
		counts[r.sections[i].load()]++
	}
	return counts
}

// Chunk returns the chunk visible to the current tick, or nil.
func (r *Region) Chunk(cx, cy, cz int) *stores.Chunk {
	if !r.InBounds(cx, cy, cz) {
		return nil
	}
	return r.chunks.TickedAt(r.ChunkIndex(cx, cy, cz))
}

// LiveChunk returns the most recently published chunk, or nil.
func (r *Region) LiveChunk(cx, cy, cz int) *stores.Chunk {
	if !r.InBounds(cx, cy, cz) {
		return nil
	}
	return r.chunks.LiveAt(r.ChunkIndex(cx, cy, cz))
}

// EditChunk publishes a modified copy of a live chunk. fn receives a private
// clone and returns false to abandon the edit. It reports whether an edit
// was published; a missing chunk is never edited.
func (r *Region) EditChunk(cx, cy, cz int, fn func(c *stores.Chunk) bool) bool {
	if !r.InBounds(cx, cy, cz) {
		return false
	}
	idx := r.ChunkIndex(cx, cy, cz)
	return r.chunks.Update(func(next []*stores.Chunk) bool {
		cur := next[idx]
		if cur == nil {
			return false
		}
		c := cur.Clone()
		if !fn(c) {
			return false
		}
		c.UpdatedAt = time.Now().UTC()
		next[idx] = c
		return true
	})
}

// Generate makes sure a section is generated. With wait set it runs on the
// caller's goroutine and returns once the section is Complete or the attempt
// failed. Without wait it hands the work to the generation pool and returns
// immediately; if another attempt already holds the section lock the
// submitted work abandons itself.
func (r *Region) Generate(ctx context.Context, sec int, wait bool) error {
	if sec < 0 || sec >= len(r.sections) {
		return engine.NewPermanentError(fmt.Sprintf("section %d out of range", sec), nil).
			WithCode(engine.ErrCodeValidation).
			WithOwner(r.cfg.Name)
	}
	if wait {
		return r.generate(ctx, sec, true)
	}

	if r.sections[sec].load() == StateComplete {
		return nil
	}
	if r.pool == nil {
		return engine.NewPermanentError("region has no generation pool", nil).
			WithCode(engine.ErrCodeValidation).
			WithOwner(r.cfg.Name)
	}
	return r.pool.Submit(func(ctx context.Context) {
		if err := r.generate(ctx, sec, false); err != nil {
			r.logger.WithError(err).WithField("section", sec).Debug("Background generation did not complete")
		}
	})
}

// generate is the single critical section both Generate paths converge on.
func (r *Region) generate(ctx context.Context, sec int, wait bool) error {
	s := &r.sections[sec]

	if s.load() == StateComplete {
		return nil
	}
	if err := r.checkExhausted(s, sec); err != nil {
		return err
	}

	if wait {
		s.mu.Lock()
	} else if !s.mu.TryLock() {
		return nil
	}

	vol, fromStore, attempt, err := r.generateLocked(ctx, s, sec)
	s.mu.Unlock()

	if err != nil || vol == nil {
		return err
	}
	if r.store != nil && !fromStore {
		r.persist(ctx, vol, attempt)
	}
	return nil
}

// generateLocked runs with the section lock held. A nil volume and nil error
// mean another attempt completed the section first.
func (r *Region) generateLocked(ctx context.Context, s *section, sec int) (*Volume, bool, int, error) {
	from := s.load()
	if from == StateComplete {
		return nil, false, 0, nil
	}
	if err := r.checkExhausted(s, sec); err != nil {
		return nil, false, 0, err
	}
	if from != StateNone && from != StateFailed {
		return nil, false, 0, r.invariantViolation(sec, from, StateInProgress)
	}
	if !s.cas(from, StateInProgress) {
		return nil, false, 0, r.invariantViolation(sec, s.load(), StateInProgress)
	}
	attempt := int(s.attempts.Add(1))
	r.tel.Metrics.MoveSectionState(from.String(), StateInProgress.String())

	ctx, span := r.tel.Tracer.StartGenerationSpan(ctx, r.cfg.Name, sec)
	defer span.End()

	start := time.Now()
	vol, fromStore, err := r.fill(ctx, sec)
	if err != nil {
		telemetry.RecordError(span, err)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, false, attempt, r.abandoned(s, sec, from, ctxErr)
		}
		return nil, false, attempt, r.failed(s, sec, attempt, err)
	}

	if !s.cas(StateInProgress, StateCopying) {
		return nil, false, attempt, r.invariantViolation(sec, s.load(), StateCopying)
	}
	r.tel.Metrics.MoveSectionState(StateInProgress.String(), StateCopying.String())

	r.publish(vol)

	if !s.cas(StateCopying, StateComplete) {
		return nil, false, attempt, r.invariantViolation(sec, s.load(), StateComplete)
	}
	r.tel.Metrics.MoveSectionState(StateCopying.String(), StateComplete.String())

	duration := time.Since(start)
	result := "generated"
	if fromStore {
		result = "restored"
	}
	r.generated.Add(1)
	r.tel.Metrics.RecordGeneration(result, duration)
	_ = r.tel.Events.PublishSectionGenerated(r.cfg.Name, sec, duration)
	telemetry.RecordSuccess(span)

	r.logger.Zerolog().Debug().
		Int("section", sec).
		Int("attempt", attempt).
		Str("result", result).
		Dur("duration", duration).
		Msg("Section generation complete")

	return vol, fromStore, attempt, nil
}

// fill produces the staging volume for a section, from the store when the
// section was persisted earlier and from the generator otherwise.
func (r *Region) fill(ctx context.Context, sec int) (*Volume, bool, error) {
	ox, oy, oz := r.SectionOrigin(sec)
	vol := newVolume(r.cfg.Name, sec, ox, oy, oz, r.cfg.SectionWidth)

	if r.isStored(sec) {
		err := r.loadVolume(ctx, vol)
		if err == nil {
			return vol, true, nil
		}
		r.logger.WithError(err).WithField("section", sec).
			Warn("Stored section could not be loaded, regenerating")
		vol = newVolume(r.cfg.Name, sec, ox, oy, oz, r.cfg.SectionWidth)
	}

	if err := r.runGenerator(ctx, vol); err != nil {
		return nil, false, err
	}
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	now := time.Now().UTC()
	for _, c := range vol.Chunks {
		if c.UpdatedAt.IsZero() {
			c.UpdatedAt = now
		}
	}
	return vol, false, nil
}

func (r *Region) runGenerator(ctx context.Context, vol *Volume) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("generator panicked: %v", rec)
		}
	}()
	return r.generator.Generate(ctx, vol)
}

// publish copies a finished volume into the live chunk table in one swap.
// Slots already holding a chunk keep it, and the volume is updated to match;
// those were loaded from the store and carry edits newer than any
// regenerated terrain.
func (r *Region) publish(vol *Volume) {
	r.chunks.Update(func(next []*stores.Chunk) bool {
		for i, c := range vol.Chunks {
			idx := r.ChunkIndex(c.Key.X, c.Key.Y, c.Key.Z)
			if next[idx] == nil {
				next[idx] = c
			} else {
				vol.Chunks[i] = next[idx]
			}
		}
		return true
	})
}

// failed rolls a section back to Failed so a later call can retry it.
func (r *Region) failed(s *section, sec, attempt int, cause error) error {
	if !s.cas(StateInProgress, StateFailed) {
		return r.invariantViolation(sec, s.load(), StateFailed)
	}
	r.tel.Metrics.MoveSectionState(StateInProgress.String(), StateFailed.String())
	r.tel.Metrics.RecordGeneration("failed", 0)
	_ = r.tel.Events.PublishGenerationFailed(r.cfg.Name, sec, attempt, cause.Error())

	exhausted := attempt >= r.cfg.MaxGenerationAttempts
	r.logger.Zerolog().Warn().
		Err(cause).
		Int("section", sec).
		Int("attempt", attempt).
		Bool("exhausted", exhausted).
		Msg("Section generation failed")

	if exhausted {
		err := engine.NewPermanentError(
			fmt.Sprintf("section %d failed %d generation attempts", sec, attempt), cause).
			WithCode(engine.ErrCodeExhausted).
			WithOwner(r.cfg.Name)
		r.tel.Metrics.RecordError(string(err.Class), err.Code)
		return err
	}
	return engine.NewTransientError(fmt.Sprintf("section %d generation failed", sec), cause).
		WithCode(engine.ErrCodeGenerationFailed).
		WithOwner(r.cfg.Name).
		WithDetail("attempt", attempt)
}

// abandoned returns a section whose generation was cancelled to the state it
// started from. Cancellation does not use up an attempt.
func (r *Region) abandoned(s *section, sec int, from GenerationState, cause error) error {
	if !s.cas(StateInProgress, from) {
		return r.invariantViolation(sec, s.load(), from)
	}
	s.attempts.Add(-1)
	r.tel.Metrics.MoveSectionState(StateInProgress.String(), from.String())
	r.logger.Zerolog().Debug().
		Err(cause).
		Int("section", sec).
		Str("state", from.String()).
		Msg("Section generation cancelled")
	return cause
}

func (r *Region) checkExhausted(s *section, sec int) error {
	if s.load() != StateFailed || int(s.attempts.Load()) < r.cfg.MaxGenerationAttempts {
		return nil
	}
	return engine.NewPermanentError(
		fmt.Sprintf("section %d failed %d generation attempts", sec, s.attempts.Load()), nil).
		WithCode(engine.ErrCodeExhausted).
		WithOwner(r.cfg.Name)
}

func (r *Region) invariantViolation(sec int, got, want GenerationState) error {
	err := engine.NewPermanentError(
		fmt.Sprintf("section %d cannot move from %s to %s", sec, got, want), nil).
		WithCode(engine.ErrCodeInvariantViolation).
		WithOwner(r.cfg.Name)
	r.tel.Metrics.RecordError(string(err.Class), err.Code)
	r.logger.Zerolog().Error().
		Int("section", sec).
		Str("state", got.String()).
		Str("target", want.String()).
		Msg("Generation state invariant violated")
	return err
}

// IsExhausted reports whether err means a section ran out of attempts.
func IsExhausted(err error) bool {
	return errors.Is(err, ErrGenerationExhausted)
}
