package region

import (
	"sync"
	"sync/atomic"
)

// GenerationState is the generation progress of one region section.
//
// Transitions are None→InProgress→Copying→Complete. A failed attempt moves
// InProgress or Copying to Failed, and a retry moves Failed→InProgress.
// Complete is terminal. Only the goroutine holding the section lock advances
// the state, and every advance is a compare-and-swap.
type GenerationState int32

const (
	StateNone GenerationState = iota
	StateInProgress
	StateCopying
	StateComplete
	StateFailed
)

var stateNames = [...]string{
	StateNone:       "none",
	StateInProgress: "in_progress",
	StateCopying:    "copying",
	StateComplete:   "complete",
	StateFailed:     "failed",
}

// String returns the state name.
func (s GenerationState) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// section is one lockable generation unit of a region.
type section struct {
	mu       sync.Mutex
	state    atomic.Int32
	attempts atomic.Int32
}

func (s *section) load() GenerationState {
	return GenerationState(s.state.Load())
}

func (s *section) cas(from, to GenerationState) bool {
	return s.state.CompareAndSwap(int32(from), int32(to))
}
