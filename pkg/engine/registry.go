package engine

import (
	"fmt"
	"sync"

	"github.com/openfroyo/tickstage/pkg/stage"
)

// registrationOp is a Register or Deregister request queued during a tick.
type registrationOp struct {
	manager  AsyncManager
	id       string
	register bool
}

// RegistrationChange reports a queued registration applied at tick start.
type RegistrationChange struct {
	ManagerID  string
	Registered bool
}

// Registry holds the registered managers and, for every stage, the managers
// assigned to each sequence bucket.
//
// Structural changes only happen between ticks. Requests made while a tick
// is in flight are queued and applied by the next beginTick. Bucket slices
// are replaced, never modified in place, so a slice returned by Bucket stays
// valid for the caller.
type Registry struct {
	sequences int

	mu       sync.Mutex
	order    []string
	managers map[string]AsyncManager
	buckets  [stage.Count][][]AsyncManager
	pending  []registrationOp
	inTick   bool
}

// NewRegistry creates an empty registry with the given number of sequence
// buckets per stage.
func NewRegistry(sequences int) *Registry {
	if sequences <= 0 {
		sequences = 1
	}

	r := &Registry{
		sequences: sequences,
		managers:  make(map[string]AsyncManager),
	}
	for s := range r.buckets {
		r.buckets[s] = make([][]AsyncManager, sequences)
	}
	return r
}

// Sequences returns the number of buckets per stage.
func (r *Registry) Sequences() int {
	return r.sequences
}

// Register adds m. It returns true if m was added immediately and false if the
// request was queued for the next tick.
func (r *Registry) Register(m AsyncManager) (bool, error) {
	if m == nil {
		return false, NewPermanentError("manager is nil", nil).WithCode(ErrCodeValidation)
	}
	id := m.ID()
	if id == "" {
		return false, NewPermanentError("manager ID is empty", nil).WithCode(ErrCodeValidation)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.inTick {
		r.pending = append(r.pending, registrationOp{manager: m, id: id, register: true})
		return false, nil
	}
	if err := r.add(m); err != nil {
		return false, err
	}
	return true, nil
}

// Deregister removes the manager with the given ID. It returns true if the
// manager was removed immediately and false if the request was queued.
func (r *Registry) Deregister(id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.inTick {
		r.pending = append(r.pending, registrationOp{id: id})
		return false, nil
	}
	if err := r.remove(id); err != nil {
		return false, err
	}
	return true, nil
}

// Bucket returns the managers assigned to bucket seq of stage s.
func (r *Registry) Bucket(s stage.Stage, seq int) []AsyncManager {
	if !s.Valid() || seq < 0 || seq >= r.sequences {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buckets[s][seq]
}

// Len returns the number of registered managers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.order)
}

// Pending returns the number of queued registration requests.
func (r *Registry) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// IDs returns the registered manager IDs in registration order.
func (r *Registry) IDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// beginTick applies queued requests in arrival order and closes the registry
// to structural changes until endTick. Requests that fail are returned as
// errors alongside the changes that succeeded.
func (r *Registry) beginTick() ([]RegistrationChange, []error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var (
		changes []RegistrationChange
		errs    []error
	)
	for _, op := range r.pending {
		var err error
		if op.register {
			err = r.add(op.manager)
		} else {
			err = r.remove(op.id)
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		changes = append(changes, RegistrationChange{ManagerID: op.id, Registered: op.register})
	}
	r.pending = nil
	r.inTick = true
	return changes, errs
}

// endTick reopens the registry to immediate changes.
func (r *Registry) endTick() {
	r.mu.Lock()
	r.inTick = false
	r.mu.Unlock()
}

// add registers m in every bucket CheckSequence accepts. Caller holds r.mu.
func (r *Registry) add(m AsyncManager) error {
	id := m.ID()
	if _, exists := r.managers[id]; exists {
		return NewConflictError(fmt.Sprintf("manager %s already registered", id), nil).
			WithCode(ErrCodeAlreadyExists).
			WithOwner(id)
	}

	r.managers[id] = m
	r.order = append(r.order, id)

	for _, s := range m.TickStages().Stages() {
		for seq := 0; seq < r.sequences; seq++ {
			if !m.CheckSequence(s, seq) {
				continue
			}
			old := r.buckets[s][seq]
			next := make([]AsyncManager, len(old), len(old)+1)
			copy(next, old)
			r.buckets[s][seq] = append(next, m)
		}
	}
	return nil
}

// remove drops the manager from every bucket it was placed in. Caller holds r.mu.
func (r *Registry) remove(id string) error {
	if _, exists := r.managers[id]; !exists {
		return NewPermanentError(fmt.Sprintf("manager %s not registered", id), nil).
			WithCode(ErrCodeNotFound).
			WithOwner(id)
	}
	delete(r.managers, id)

	order := make([]string, 0, len(r.order))
	for _, other := range r.order {
		if other != id {
			order = append(order, other)
		}
	}
	r.order = order

	for s := range r.buckets {
		for seq, bucket := range r.buckets[s] {
			idx := -1
			for i, m := range bucket {
				if m.ID() == id {
					idx = i
					break
				}
			}
			if idx < 0 {
				continue
			}
			next := make([]AsyncManager, 0, len(bucket)-1)
			next = append(next, bucket[:idx]...)
			next = append(next, bucket[idx+1:]...)
			r.buckets[s][seq] = next
		}
	}
	return nil
}
