package stage

import (
	"context"
	"fmt"
	"sync/atomic"
)

// Clock holds the current stage of one simulation domain.
//
// Only the orchestrator goroutine writes the clock, and only between barriers.
// Every other goroutine may read it at any time. Correctness depends on that
// discipline; a goroutine that outlives its stage is not detected.
type Clock struct {
	current atomic.Uint32
	tick    atomic.Uint64
}

// NewClock returns a clock positioned at TickStart of tick zero.
func NewClock() *Clock {
	return &Clock{}
}

// Current returns the stage the domain is executing.
func (c *Clock) Current() Stage {
	return Stage(c.current.Load())
}

// Tick returns the number of the tick in progress.
func (c *Clock) Tick() uint64 {
	return c.tick.Load()
}

// Set moves the clock to s. Orchestrator only.
func (c *Clock) Set(s Stage) {
	c.current.Store(uint32(s))
}

// Advance increments the tick number and resets the stage to TickStart.
// Orchestrator only.
func (c *Clock) Advance() uint64 {
	c.current.Store(uint32(TickStart))
	return c.tick.Add(1)
}

// Check fails with a *SequenceError if the current stage is not in allowed.
func (c *Clock) Check(allowed Set) error {
	cur := c.Current()
	if allowed.Contains(cur) {
		return nil
	}
	return &SequenceError{Current: cur, Allowed: allowed}
}

// CheckOwner is the privileged variant of Check. It succeeds when the current
// stage is in allowed, or when it is in restricted and the goroutine's context
// identifies owner as the manager being executed.
func (c *Clock) CheckOwner(ctx context.Context, allowed, restricted Set, owner string) error {
	cur := c.Current()
	if allowed.Contains(cur) {
		return nil
	}
	if restricted.Contains(cur) && owner != "" && OwnerFromContext(ctx) == owner {
		return nil
	}
	return &SequenceError{
		Current:    cur,
		Allowed:    allowed,
		Restricted: restricted,
		Owner:      owner,
		Caller:     OwnerFromContext(ctx),
	}
}

// MustCheck panics on a sequence violation. For call sites that cannot return
// an error; the orchestrator recovers the panic for the offending manager only.
func (c *Clock) MustCheck(allowed Set) {
	if err := c.Check(allowed); err != nil {
		panic(err)
	}
}

// SequenceError reports an operation invoked in a stage it is not legal in.
type SequenceError struct {
	Current    Stage
	Allowed    Set
	Restricted Set
	Owner      string
	Caller     string
}

// Error implements the error interface.
func (e *SequenceError) Error() string {
	if e.Restricted != NoStages {
		return fmt.Sprintf("stage %s not allowed: allowed=%s restricted=%s owner=%q caller=%q",
			e.Current, e.Allowed, e.Restricted, e.Owner, e.Caller)
	}
	return fmt.Sprintf("stage %s not allowed: allowed=%s", e.Current, e.Allowed)
}

type stageContextKey struct{}

type ownerContextKey struct{}

// WithStage returns a context carrying the stage being dispatched.
func WithStage(ctx context.Context, s Stage) context.Context {
	return context.WithValue(ctx, stageContextKey{}, s)
}

// FromContext returns the stage a callback was dispatched under.
func FromContext(ctx context.Context) (Stage, bool) {
	s, ok := ctx.Value(stageContextKey{}).(Stage)
	return s, ok
}

// WithOwner marks the context as executing on behalf of the given manager.
func WithOwner(ctx context.Context, owner string) context.Context {
	return context.WithValue(ctx, ownerContextKey{}, owner)
}

// OwnerFromContext returns the executing manager ID, or "" outside a callback.
func OwnerFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	owner, _ := ctx.Value(ownerContextKey{}).(string)
	return owner
}
