package snapshot

import "sync"

// Op is the kind of a recorded collection change.
type Op uint8

const (
	// OpPut adds or replaces an entry.
	OpPut Op = iota + 1
	// OpRemove deletes an entry.
	OpRemove
)

// String returns the op name.
func (o Op) String() string {
	switch o {
	case OpPut:
		return "put"
	case OpRemove:
		return "remove"
	default:
		return "unknown"
	}
}

// Change is one recorded mutation of a Map or Set.
type Change[K comparable, V any] struct {
	Op    Op
	Key   K
	Value V
}

// Map is a snapshot map. Mutations are applied to the live map immediately
// and queued in order; the commit replays the queue onto the snapshot.
type Map[K comparable, V any] struct {
	coord *Coordinator
	id    uint64

	mu      sync.RWMutex
	live    map[K]V
	snap    map[K]V
	changes []Change[K, V]
}

// NewMap creates an empty snapshot map registered with c.
func NewMap[K comparable, V any](c *Coordinator) *Map[K, V] {
	m := &Map[K, V]{
		coord: c,
		live:  make(map[K]V),
		snap:  make(map[K]V),
	}
	m.id = c.Register(m)
	return m
}

// Get returns the committed value for key.
func (m *Map[K, V]) Get(key K) (V, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.snap[key]
	return v, ok
}

// Live returns the working value for key.
func (m *Map[K, V]) Live(key K) (V, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.live[key]
	return v, ok
}

// Len returns the committed entry count.
func (m *Map[K, V]) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.snap)
}

// LiveLen returns the working entry count.
func (m *Map[K, V]) LiveLen() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.live)
}

// Put sets key to value in the live map.
func (m *Map[K, V]) Put(key K, value V) error {
	if err := m.coord.checkWrite(); err != nil {
		return err
	}

	m.mu.Lock()
	m.live[key] = value
	m.changes = append(m.changes, Change[K, V]{Op: OpPut, Key: key, Value: value})
	m.mu.Unlock()
	return nil
}

func (m *Map[K, V]) putIfAbsent(key K, value V) (bool, error) {
	if err := m.coord.checkWrite(); err != nil {
		return false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.live[key]; ok {
		return false, nil
	}
	m.live[key] = value
	m.changes = append(m.changes, Change[K, V]{Op: OpPut, Key: key, Value: value})
	return true, nil
}

// Remove deletes key from the live map. It reports whether the key was live.
func (m *Map[K, V]) Remove(key K) (bool, error) {
	if err := m.coord.checkWrite(); err != nil {
		return false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.live[key]
	if !ok {
		return false, nil
	}
	delete(m.live, key)
	m.changes = append(m.changes, Change[K, V]{Op: OpRemove, Key: key})
	return true, nil
}

// Snapshot returns a copy of the committed map.
func (m *Map[K, V]) Snapshot() map[K]V {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[K]V, len(m.snap))
	for k, v := range m.snap {
		out[k] = v
	}
	return out
}

// LiveSnapshot returns a copy of the working map.
func (m *Map[K, V]) LiveSnapshot() map[K]V {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[K]V, len(m.live))
	for k, v := range m.live {
		out[k] = v
	}
	return out
}

// Changes returns the mutations recorded since the last commit, in order.
func (m *Map[K, V]) Changes() []Change[K, V] {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Change[K, V], len(m.changes))
	copy(out, m.changes)
	return out
}

// CopySnapshot replays the recorded changes onto the snapshot. Coordinator only.
func (m *Map[K, V]) CopySnapshot() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, ch := range m.changes {
		switch ch.Op {
		case OpPut:
			m.snap[ch.Key] = ch.Value
		case OpRemove:
			delete(m.snap, ch.Key)
		}
	}
	m.changes = m.changes[:0]
}

// Close unregisters the primitive from its coordinator.
func (m *Map[K, V]) Close() {
	m.coord.Unregister(m.id)
}

// Set is a snapshot set backed by the same delta queue as Map.
type Set[T comparable] struct {
	m *Map[T, struct{}]
}

// NewSet creates an empty snapshot set registered with c.
func NewSet[T comparable](c *Coordinator) *Set[T] {
	return &Set[T]{m: NewMap[T, struct{}](c)}
}

// Contains reports committed membership.
func (s *Set[T]) Contains(item T) bool {
	_, ok := s.m.Get(item)
	return ok
}

// LiveContains reports working membership.
func (s *Set[T]) LiveContains(item T) bool {
	_, ok := s.m.Live(item)
	return ok
}

// Add inserts item into the live set. It reports whether the item was new.
func (s *Set[T]) Add(item T) (bool, error) {
	return s.m.putIfAbsent(item, struct{}{})
}

// Remove deletes item from the live set.
func (s *Set[T]) Remove(item T) (bool, error) {
	return s.m.Remove(item)
}

// Len returns the committed size.
func (s *Set[T]) Len() int {
	return s.m.Len()
}

// Items returns the committed members in no particular order.
func (s *Set[T]) Items() []T {
	snap := s.m.Snapshot()
	out := make([]T, 0, len(snap))
	for k := range snap {
		out = append(out, k)
	}
	return out
}

// LiveItems returns the working members in no particular order.
func (s *Set[T]) LiveItems() []T {
	live := s.m.LiveSnapshot()
	out := make([]T, 0, len(live))
	for k := range live {
		out = append(out, k)
	}
	return out
}

// Changes returns the recorded adds and removes since the last commit.
func (s *Set[T]) Changes() []Change[T, struct{}] {
	return s.m.Changes()
}

// Close unregisters the primitive from its coordinator.
func (s *Set[T]) Close() {
	s.m.Close()
}
