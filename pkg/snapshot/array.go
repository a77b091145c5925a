package snapshot

import (
	"fmt"
	"sync"
)

// DefaultDirtyCapacity is the number of distinct dirty indices an Array
// tracks before it gives up and copies the whole array at commit.
const DefaultDirtyCapacity = 32

// Array is a fixed-length snapshot primitive with bounded dirty tracking.
//
// Up to dirtyCap distinct written indices are remembered and copied
// individually at commit. Once more indices are dirtied in one tick the array
// overflows and the commit falls back to a full linear copy.
type Array[T any] struct {
	coord *Coordinator
	id    uint64

	mu       sync.RWMutex
	live     []T
	snap     []T
	marked   []bool
	dirty    []int
	dirtyCap int
	overflow bool
}

// NewArray creates an array of length n with every element set to fill.
// A dirtyCap <= 0 selects DefaultDirtyCapacity.
func NewArray[T any](c *Coordinator, n, dirtyCap int, fill T) *Array[T] {
	if dirtyCap <= 0 {
		dirtyCap = DefaultDirtyCapacity
	}

	a := &Array[T]{
		coord:    c,
		live:     make([]T, n),
		snap:     make([]T, n),
		marked:   make([]bool, n),
		dirty:    make([]int, 0, dirtyCap),
		dirtyCap: dirtyCap,
	}
	for i := range a.live {
		a.live[i] = fill
		a.snap[i] = fill
	}
	a.id = c.Register(a)
	return a
}

// Len returns the array length.
func (a *Array[T]) Len() int {
	return len(a.live)
}

// Get returns the committed element at i.
func (a *Array[T]) Get(i int) T {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.snap[i]
}

// Live returns the working element at i.
func (a *Array[T]) Live(i int) T {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.live[i]
}

// Set writes the working element at i.
func (a *Array[T]) Set(i int, val T) error {
	if err := a.coord.checkWrite(); err != nil {
		return err
	}
	if i < 0 || i >= len(a.live) {
		return fmt.Errorf("array index %d out of range [0,%d)", i, len(a.live))
	}

	a.mu.Lock()
	a.live[i] = val
	a.markDirty(i)
	a.mu.Unlock()
	return nil
}

// CompareAndSet writes val at i only if the working element equals expect
// according to eq.
func (a *Array[T]) CompareAndSet(i int, expect, val T, eq func(x, y T) bool) (bool, error) {
	if err := a.coord.checkWrite(); err != nil {
		return false, err
	}
	if i < 0 || i >= len(a.live) {
		return false, fmt.Errorf("array index %d out of range [0,%d)", i, len(a.live))
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if !eq(a.live[i], expect) {
		return false, nil
	}
	a.live[i] = val
	a.markDirty(i)
	return true, nil
}

// markDirty records i for the next commit. Caller holds a.mu.
func (a *Array[T]) markDirty(i int) {
	if a.overflow || a.marked[i] {
		return
	}
	if len(a.dirty) >= a.dirtyCap {
		a.overflow = true
		return
	}
	a.marked[i] = true
	a.dirty = append(a.dirty, i)
}

// Snapshot returns a copy of the committed array.
func (a *Array[T]) Snapshot() []T {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]T, len(a.snap))
	copy(out, a.snap)
	return out
}

// DirtyIndices returns the tracked dirty indices and whether tracking
// overflowed.
func (a *Array[T]) DirtyIndices() ([]int, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]int, len(a.dirty))
	copy(out, a.dirty)
	return out, a.overflow
}

// CopySnapshot commits the dirty elements. Coordinator only.
func (a *Array[T]) CopySnapshot() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.overflow {
		copy(a.snap, a.live)
		for i := range a.marked {
			a.marked[i] = false
		}
	} else {
		for _, i := range a.dirty {
			a.snap[i] = a.live[i]
			a.marked[i] = false
		}
	}

	a.dirty = a.dirty[:0]
	a.overflow = false
}

// Close unregisters the primitive from its coordinator.
func (a *Array[T]) Close() {
	a.coord.Unregister(a.id)
}
