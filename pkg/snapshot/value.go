package snapshot

import "sync"

// Value is a scalar snapshot primitive. Writes within a tick are
// last-write-wins.
type Value[T any] struct {
	coord *Coordinator
	id    uint64

	mu    sync.RWMutex
	live  T
	snap  T
	dirty bool
}

// NewValue creates a scalar primitive with both views set to initial and
// registers it with c.
func NewValue[T any](c *Coordinator, initial T) *Value[T] {
	v := &Value[T]{
		coord: c,
		live:  initial,
		snap:  initial,
	}
	v.id = c.Register(v)
	return v
}

// Get returns the value committed at the last Snapshot stage.
func (v *Value[T]) Get() T {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.snap
}

// Live returns the current working value.
func (v *Value[T]) Live() T {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.live
}

// Set replaces the live value.
func (v *Value[T]) Set(val T) error {
	if err := v.coord.checkWrite(); err != nil {
		return err
	}

	v.mu.Lock()
	v.live = val
	v.dirty = true
	v.mu.Unlock()
	return nil
}

// Update applies fn to the live value under the primitive's lock.
func (v *Value[T]) Update(fn func(T) T) error {
	if err := v.coord.checkWrite(); err != nil {
		return err
	}

	v.mu.Lock()
	v.live = fn(v.live)
	v.dirty = true
	v.mu.Unlock()
	return nil
}

// Dirty reports whether the live value changed since the last commit.
func (v *Value[T]) Dirty() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.dirty
}

// CopySnapshot commits the live value. Coordinator only.
func (v *Value[T]) CopySnapshot() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.dirty {
		return
	}
	v.snap = v.live
	v.dirty = false
}

// Close unregisters the primitive from its coordinator.
func (v *Value[T]) Close() {
	v.coord.Unregister(v.id)
}
