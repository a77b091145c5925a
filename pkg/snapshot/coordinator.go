// Package snapshot provides live/snapshot state containers whose stable view
// changes only once per tick, when the Coordinator commits them.
//
// Writers mutate the live value during the mutable stages of a tick. Readers
// that need a consistent view of the previous tick use Get. During the
// Snapshot stage the Coordinator copies every registered primitive's live
// value into its snapshot. Nothing else in the domain runs concurrently with
// that stage, which is what makes the copy race free; a background goroutine
// writing state outside the primitive APIs is not protected.
package snapshot

import (
	"context"
	"sync"

	"github.com/openfroyo/tickstage/pkg/stage"
)

// Snapshotable is implemented by anything the Coordinator commits at the
// Snapshot stage.
type Snapshotable interface {
	CopySnapshot()
}

// Coordinator is the per-domain registry of snapshot primitives.
type Coordinator struct {
	clock *stage.Clock

	mu      sync.Mutex
	nextID  uint64
	entries map[uint64]Snapshotable
}

// NewCoordinator creates a coordinator whose primitives validate writes
// against clock. A nil clock disables stage checks.
func NewCoordinator(clock *stage.Clock) *Coordinator {
	return &Coordinator{
		clock:   clock,
		entries: make(map[uint64]Snapshotable),
	}
}

// Clock returns the stage clock the coordinator checks against.
func (c *Coordinator) Clock() *stage.Clock {
	return c.clock
}

// Register adds s to the set committed at every Snapshot stage and returns a
// handle for Unregister.
func (c *Coordinator) Register(s Snapshotable) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextID++
	c.entries[c.nextID] = s
	return c.nextID
}

// Unregister stops committing the primitive with the given handle.
func (c *Coordinator) Unregister(id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, id)
}

// Len returns the number of registered primitives.
func (c *Coordinator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// CommitAll copies live into snapshot for every registered primitive.
// Commits are independent of each other and run in no particular order.
// It must be called during the Snapshot stage.
func (c *Coordinator) CommitAll(ctx context.Context) (int, error) {
	if err := c.checkStage(stage.Of(stage.Snapshot)); err != nil {
		return 0, err
	}

	c.mu.Lock()
	pending := make([]Snapshotable, 0, len(c.entries))
	for _, s := range c.entries {
		pending = append(pending, s)
	}
	c.mu.Unlock()

	for i, s := range pending {
		if i%256 == 0 {
			if err := ctx.Err(); err != nil {
				return i, err
			}
		}
		s.CopySnapshot()
	}

	return len(pending), nil
}

func (c *Coordinator) checkStage(allowed stage.Set) error {
	if c == nil || c.clock == nil {
		return nil
	}
	return c.clock.Check(allowed)
}

// checkWrite validates a live mutation. PreSnapshot is monitor-only and
// rejects writes the same way Snapshot does.
func (c *Coordinator) checkWrite() error {
	return c.checkStage(stage.Mutable)
}
