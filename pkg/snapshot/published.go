package snapshot

import "sync/atomic"

// Published is a copy-on-write array pair.
//
// The live slot may be updated at any time from any goroutine with an
// optimistic copy-modify-CAS loop. The ticked slot is what simulation code
// reads during a tick; it is replaced by the live reference with a single
// pointer store when the coordinator commits. Slices handed out by Live and
// Ticked are shared and must not be modified.
type Published[T any] struct {
	coord *Coordinator
	id    uint64

	live    atomic.Pointer[[]T]
	ticked  atomic.Pointer[[]T]
	retries atomic.Uint64
}

// NewPublished creates a published array of length n and registers it with c.
func NewPublished[T any](c *Coordinator, n int) *Published[T] {
	p := &Published[T]{coord: c}
	initial := make([]T, n)
	p.live.Store(&initial)
	p.ticked.Store(&initial)
	p.id = c.Register(p)
	return p
}

// Live returns the current live array.
func (p *Published[T]) Live() []T {
	return *p.live.Load()
}

// Ticked returns the array stable for the current tick.
func (p *Published[T]) Ticked() []T {
	return *p.ticked.Load()
}

// LiveAt returns element i of the live array.
func (p *Published[T]) LiveAt(i int) T {
	return (*p.live.Load())[i]
}

// TickedAt returns element i of the ticked array.
func (p *Published[T]) TickedAt(i int) T {
	return (*p.ticked.Load())[i]
}

// Update publishes a modified copy of the live array. fn receives a private
// copy and returns false to abandon the update. fn may run more than once if
// another writer wins the race.
func (p *Published[T]) Update(fn func(next []T) bool) bool {
	for {
		old := p.live.Load()
		next := make([]T, len(*old))
		copy(next, *old)
		if !fn(next) {
			return false
		}
		if p.live.CompareAndSwap(old, &next) {
			return true
		}
		p.retries.Add(1)
	}
}

// SetAt publishes val at index i.
func (p *Published[T]) SetAt(i int, val T) {
	p.Update(func(next []T) bool {
		next[i] = val
		return true
	})
}

// SetMany publishes all entries of values in one swap.
func (p *Published[T]) SetMany(values map[int]T) {
	if len(values) == 0 {
		return
	}
	p.Update(func(next []T) bool {
		for i, v := range values {
			next[i] = v
		}
		return true
	})
}

// Retries returns the number of lost CAS races so far.
func (p *Published[T]) Retries() uint64 {
	return p.retries.Load()
}

// CopySnapshot makes everything published since the previous swap visible
// to the next tick. Coordinator only.
func (p *Published[T]) CopySnapshot() {
	p.ticked.Store(p.live.Load())
}

// Close unregisters the array from its coordinator.
func (p *Published[T]) Close() {
	p.coord.Unregister(p.id)
}
