// Package engine runs async managers through the stages of a simulation tick.
//
// # Overview
//
// An Orchestrator owns one simulation domain: a stage.Clock, the
// snapshot.Coordinator holding the domain's snapshot primitives, a Registry of
// AsyncManagers and a TaskQueue of scheduled work. Each call to RunTick walks
// the fixed stage order:
//
//  1. TickStart - queued registrations are applied and due tasks run
//  2. Stage1, Stage2Plus - StartTick callbacks
//  3. DynamicBlocks, GlobalDynamicBlocks, Physics, GlobalPhysics - looped
//     while managers report work, bounded by Settings.UpdateThreshold
//  4. Lighting, Finalize
//  5. PreSnapshot - read-only, snapshot primitives reject writes
//  6. Snapshot - CopySnapshot callbacks, then Coordinator.CommitAll
//
// # Sequence Buckets
//
// For every stage the Registry partitions managers into Settings.SequenceCount
// buckets using AsyncManager.CheckSequence. Managers in one bucket run in
// parallel on a pool bounded by Settings.Workers; the next bucket starts only
// after the whole bucket finished. Managers that touch each other's state are
// placed in different buckets, for example by region coordinate parity.
//
// # Failure Isolation
//
// Errors and panics from a callback are recovered, classified as an
// EngineError with code MANAGER_FAILED (or SEQUENCE_VIOLATION), logged and
// counted. Sibling managers and the tick itself are unaffected.
//
// # Usage
//
//	clock := stage.NewClock()
//	coord := snapshot.NewCoordinator(clock)
//	orch, err := engine.NewOrchestrator(engine.DefaultSettings(), coord, tel)
//	if err != nil {
//	    return err
//	}
//	if err := orch.Register(manager); err != nil {
//	    return err
//	}
//	return orch.Run(ctx)
package engine
