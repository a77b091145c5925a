package engine

import (
	"context"
	"time"

	"github.com/openfroyo/tickstage/pkg/stage"
)

// AsyncManager is a unit of simulation state, usually one region or one
// world, that the Orchestrator drives through the tick stages.
//
// The Orchestrator calls a manager only for stages in TickStages, and only
// for the sequence buckets CheckSequence accepts. Managers in the same bucket
// run in parallel; managers in different buckets of one stage never overlap.
// Callbacks must not block indefinitely.
type AsyncManager interface {
	// ID returns a stable identifier used in logs, metrics and ownership checks.
	ID() string

	// TickStages returns the stages the manager participates in.
	TickStages() stage.Set

	// CheckSequence reports whether the manager belongs to bucket seq of stage s.
	// A manager may belong to several buckets; it is then called once per bucket.
	CheckSequence(s stage.Stage, seq int) bool

	// StartTick runs during TickStart, Stage1 and Stage2Plus.
	StartTick(ctx context.Context, s stage.Stage, delta time.Duration) error

	// RunDynamicUpdates processes pending dynamic block updates, performing at
	// most threshold updates. It returns the number performed.
	RunDynamicUpdates(ctx context.Context, threshold int64, seq int) (int, error)

	// RunGlobalDynamicUpdates processes updates that span managers.
	RunGlobalDynamicUpdates(ctx context.Context) (int, error)

	// RunPhysics advances physics and returns the number of bodies that moved
	// or otherwise produced follow-up work.
	RunPhysics(ctx context.Context, seq int) (int, error)

	// RunGlobalPhysics advances physics that spans managers.
	RunGlobalPhysics(ctx context.Context) (int, error)

	// RunLighting propagates light changes.
	RunLighting(ctx context.Context, seq int) error

	// Finalize runs after all simulation stages of the tick.
	Finalize(ctx context.Context) error

	// PreSnapshot is a read-only stage for monitoring. Snapshot primitives
	// reject writes during it.
	PreSnapshot(ctx context.Context) error

	// CopySnapshot commits state the manager keeps outside snapshot primitives.
	CopySnapshot(ctx context.Context, seq int) error
}

// BaseManager implements every AsyncManager callback as a no-op and places
// the manager in bucket 0 of every stage. Embed it and override what the
// manager actually does.
type BaseManager struct {
	Name   string
	Stages stage.Set
}

// ID returns the manager name.
func (b BaseManager) ID() string { return b.Name }

// TickStages returns the configured stage set.
func (b BaseManager) TickStages() stage.Set { return b.Stages }

// CheckSequence accepts bucket 0 only.
func (b BaseManager) CheckSequence(_ stage.Stage, seq int) bool { return seq == 0 }

func (b BaseManager) StartTick(context.Context, stage.Stage, time.Duration) error { return nil }

func (b BaseManager) RunDynamicUpdates(context.Context, int64, int) (int, error) { return 0, nil }

func (b BaseManager) RunGlobalDynamicUpdates(context.Context) (int, error) { return 0, nil }

func (b BaseManager) RunPhysics(context.Context, int) (int, error) { return 0, nil }

func (b BaseManager) RunGlobalPhysics(context.Context) (int, error) { return 0, nil }

func (b BaseManager) RunLighting(context.Context, int) error { return nil }

func (b BaseManager) Finalize(context.Context) error { return nil }

func (b BaseManager) PreSnapshot(context.Context) error { return nil }

func (b BaseManager) CopySnapshot(context.Context, int) error { return nil }

// dispatch invokes the callback of m that belongs to stage s. The returned
// count is only meaningful for the convergence loop stages.
func dispatch(ctx context.Context, m AsyncManager, s stage.Stage, seq int, delta time.Duration, budget int64) (int, error) {
	switch s {
	case stage.TickStart, stage.Stage1, stage.Stage2Plus:
		return 0, m.StartTick(ctx, s, delta)
	case stage.DynamicBlocks:
		return m.RunDynamicUpdates(ctx, budget, seq)
	case stage.GlobalDynamicBlocks:
		return m.RunGlobalDynamicUpdates(ctx)
	case stage.Physics:
		return m.RunPhysics(ctx, seq)
	case stage.GlobalPhysics:
		return m.RunGlobalPhysics(ctx)
	case stage.Lighting:
		return 0, m.RunLighting(ctx, seq)
	case stage.Finalize:
		return 0, m.Finalize(ctx)
	case stage.PreSnapshot:
		return 0, m.PreSnapshot(ctx)
	case stage.Snapshot:
		return 0, m.CopySnapshot(ctx, seq)
	default:
		return 0, NewPermanentError("unknown stage", nil).
			WithCode(ErrCodeSequenceViolation).
			WithOperation(s.String())
	}
}
