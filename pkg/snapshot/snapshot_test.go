package snapshot

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"

	"github.com/openfroyo/tickstage/pkg/stage"
)

// newTestDomain returns a coordinator bound to a clock positioned at Stage1.
func newTestDomain() (*Coordinator, *stage.Clock) {
	clock := stage.NewClock()
	clock.Set(stage.Stage1)
	return NewCoordinator(clock), clock
}

// commit runs the coordinator through a Snapshot stage and restores the clock.
func commit(t *testing.T, c *Coordinator, clock *stage.Clock) {
	t.Helper()
	prev := clock.Current()
	clock.Set(stage.Snapshot)
	if _, err := c.CommitAll(context.Background()); err != nil {
		t.Fatalf("CommitAll failed: %v", err)
	}
	clock.Set(prev)
}

func TestValue_LastWriteWins(t *testing.T) {
	c, clock := newTestDomain()
	v := NewValue(c, 0)

	for i := 1; i <= 50; i++ {
		if err := v.Set(i); err != nil {
			t.Fatalf("Set(%d) failed: %v", i, err)
		}
	}

	if got := v.Get(); got != 0 {
		t.Errorf("Expected snapshot 0 before commit, got %d", got)
	}
	if got := v.Live(); got != 50 {
		t.Errorf("Expected live 50, got %d", got)
	}

	commit(t, c, clock)

	if got := v.Get(); got != 50 {
		t.Errorf("Expected snapshot 50 after commit, got %d", got)
	}
	if v.Dirty() {
		t.Error("Expected value to be clean after commit")
	}
}

func TestValue_RejectsStableStages(t *testing.T) {
	c, clock := newTestDomain()
	v := NewValue(c, "a")

	for _, s := range []stage.Stage{stage.PreSnapshot, stage.Snapshot} {
		clock.Set(s)
		err := v.Set("b")
		var seqErr *stage.SequenceError
		if !errors.As(err, &seqErr) {
			t.Errorf("Expected sequence error in %s, got %v", s, err)
		}
	}
	if v.Live() != "a" {
		t.Errorf("Expected rejected writes to leave live untouched, got %q", v.Live())
	}
}

func TestCoordinator_CommitOutsideSnapshot(t *testing.T) {
	c, _ := newTestDomain()
	NewValue(c, 1)

	if _, err := c.CommitAll(context.Background()); err == nil {
		t.Fatal("Expected CommitAll outside Snapshot stage to fail")
	}
}

func TestCoordinator_Unregister(t *testing.T) {
	c, clock := newTestDomain()
	v := NewValue(c, 1)
	keep := NewValue(c, 1)
	if c.Len() != 2 {
		t.Fatalf("Expected 2 registrants, got %d", c.Len())
	}

	v.Close()
	_ = v.Set(2)
	_ = keep.Set(2)
	commit(t, c, clock)

	if v.Get() != 1 {
		t.Errorf("Expected unregistered value to stay at 1, got %d", v.Get())
	}
	if keep.Get() != 2 {
		t.Errorf("Expected registered value to commit 2, got %d", keep.Get())
	}
}

func TestCoordinator_NilClockSkipsChecks(t *testing.T) {
	c := NewCoordinator(nil)
	v := NewValue(c, 1)
	if err := v.Set(3); err != nil {
		t.Fatalf("Expected no stage check without clock, got %v", err)
	}
	if _, err := c.CommitAll(context.Background()); err != nil {
		t.Fatalf("CommitAll failed: %v", err)
	}
	if v.Get() != 3 {
		t.Errorf("Expected 3, got %d", v.Get())
	}
}

func TestMap_ReplayReproducesSnapshot(t *testing.T) {
	c, clock := newTestDomain()
	m := NewMap[int, int](c)
	rng := rand.New(rand.NewSource(42))

	for tick := 0; tick < 20; tick++ {
		prior := m.Snapshot()

		for op := 0; op < 200; op++ {
			key := rng.Intn(32)
			if rng.Intn(3) == 0 {
				if _, err := m.Remove(key); err != nil {
					t.Fatalf("Remove failed: %v", err)
				}
			} else if err := m.Put(key, rng.Int()); err != nil {
				t.Fatalf("Put failed: %v", err)
			}
		}

		expected := prior
		for _, ch := range m.Changes() {
			switch ch.Op {
			case OpPut:
				expected[ch.Key] = ch.Value
			case OpRemove:
				delete(expected, ch.Key)
			}
		}

		commit(t, c, clock)

		got := m.Snapshot()
		if len(got) != len(expected) {
			t.Fatalf("tick %d: expected %d entries, got %d", tick, len(expected), len(got))
		}
		for k, v := range expected {
			if got[k] != v {
				t.Fatalf("tick %d: key %d expected %d, got %d", tick, k, v, got[k])
			}
		}
		if m.LiveLen() != len(got) {
			t.Fatalf("tick %d: live and snapshot diverged after commit", tick)
		}
		if len(m.Changes()) != 0 {
			t.Fatalf("tick %d: expected change queue to be drained", tick)
		}
	}
}

func TestMap_ConcurrentWriters(t *testing.T) {
	c, clock := newTestDomain()
	m := NewMap[int, int](c)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(base int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				_ = m.Put(base*1000+i, i)
			}
		}(w)
	}
	wg.Wait()

	if m.Len() != 0 {
		t.Errorf("Expected empty snapshot before commit, got %d", m.Len())
	}
	commit(t, c, clock)
	if m.Len() != 800 {
		t.Errorf("Expected 800 committed entries, got %d", m.Len())
	}
}

func TestSet_AddRemove(t *testing.T) {
	c, clock := newTestDomain()
	s := NewSet[string](c)

	added, err := s.Add("a")
	if err != nil || !added {
		t.Fatalf("Expected first add to succeed, got %v %v", added, err)
	}
	if added, _ := s.Add("a"); added {
		t.Error("Expected duplicate add to report false")
	}
	_, _ = s.Add("b")
	_, _ = s.Remove("a")

	if s.Contains("b") {
		t.Error("Expected b invisible before commit")
	}
	if !s.LiveContains("b") || s.LiveContains("a") {
		t.Error("Unexpected live membership")
	}
	if n := len(s.Changes()); n != 3 {
		t.Errorf("Expected 3 recorded changes, got %d", n)
	}
	if live := s.LiveItems(); len(live) != 1 || live[0] != "b" {
		t.Errorf("Expected live items [b], got %v", live)
	}
	if len(s.Items()) != 0 {
		t.Errorf("Expected no committed items, got %v", s.Items())
	}

	commit(t, c, clock)

	if !s.Contains("b") || s.Contains("a") || s.Len() != 1 {
		t.Errorf("Unexpected committed set: %v", s.Items())
	}
}

func TestArray_DirtyTracking(t *testing.T) {
	c, clock := newTestDomain()
	a := NewArray(c, 100, 4, 0)

	for _, i := range []int{3, 7, 3, 9} {
		if err := a.Set(i, i*10); err != nil {
			t.Fatalf("Set failed: %v", err)
		}
	}

	dirty, overflow := a.DirtyIndices()
	if overflow {
		t.Fatal("Expected no overflow for 3 distinct indices")
	}
	if len(dirty) != 3 {
		t.Errorf("Expected 3 dirty indices, got %v", dirty)
	}
	if a.Get(7) != 0 {
		t.Error("Expected snapshot unchanged before commit")
	}

	commit(t, c, clock)

	for _, i := range []int{3, 7, 9} {
		if a.Get(i) != i*10 {
			t.Errorf("Expected a[%d]=%d, got %d", i, i*10, a.Get(i))
		}
	}
	if dirty, _ := a.DirtyIndices(); len(dirty) != 0 {
		t.Errorf("Expected dirty list cleared, got %v", dirty)
	}
}

func TestArray_OverflowFallsBackToFullCopy(t *testing.T) {
	c, clock := newTestDomain()
	a := NewArray(c, 64, 4, -1)

	for i := 0; i < 64; i++ {
		if err := a.Set(i, i); err != nil {
			t.Fatalf("Set failed: %v", err)
		}
	}
	if _, overflow := a.DirtyIndices(); !overflow {
		t.Fatal("Expected overflow after 64 distinct writes with capacity 4")
	}

	commit(t, c, clock)

	snap := a.Snapshot()
	for i, v := range snap {
		if v != i {
			t.Fatalf("Expected snap[%d]=%d, got %d", i, i, v)
		}
	}

	// Tracking resets after an overflowed commit.
	_ = a.Set(5, 500)
	if dirty, overflow := a.DirtyIndices(); overflow || len(dirty) != 1 {
		t.Errorf("Expected fresh tracking, got %v overflow=%v", dirty, overflow)
	}
}

func TestArray_CompareAndSet(t *testing.T) {
	c, _ := newTestDomain()
	a := NewArray(c, 4, 0, 1)
	eq := func(x, y int) bool { return x == y }

	ok, err := a.CompareAndSet(0, 1, 2, eq)
	if err != nil || !ok {
		t.Fatalf("Expected CAS to succeed, got %v %v", ok, err)
	}
	ok, _ = a.CompareAndSet(0, 1, 3, eq)
	if ok {
		t.Error("Expected CAS with stale expectation to fail")
	}
	if _, err := a.CompareAndSet(10, 1, 3, eq); err == nil {
		t.Error("Expected out of range error")
	}
}

func TestPublished_SwapAtCommit(t *testing.T) {
	c, clock := newTestDomain()
	p := NewPublished[string](c, 8)

	p.SetAt(2, "x")
	p.SetMany(map[int]string{3: "y", 4: "z"})

	if p.TickedAt(2) != "" {
		t.Error("Expected ticked table unchanged before commit")
	}
	if p.LiveAt(4) != "z" {
		t.Errorf("Expected live z, got %q", p.LiveAt(4))
	}

	commit(t, c, clock)

	if got := p.Ticked(); got[2] != "x" || got[3] != "y" || got[4] != "z" {
		t.Errorf("Unexpected ticked table: %v", got)
	}
}

func TestPublished_ConcurrentUpdates(t *testing.T) {
	c, clock := newTestDomain()
	p := NewPublished[int](c, 64)

	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p.SetAt(i, i+1)
		}(i)
	}
	wg.Wait()

	commit(t, c, clock)

	for i, v := range p.Ticked() {
		if v != i+1 {
			t.Fatalf("Expected slot %d=%d, got %d (lost update)", i, i+1, v)
		}
	}
}

func TestPublished_AbandonedUpdate(t *testing.T) {
	c, _ := newTestDomain()
	p := NewPublished[int](c, 2)
	before := p.Live()

	if p.Update(func(next []int) bool { next[0] = 9; return false }) {
		t.Error("Expected abandoned update to return false")
	}
	if p.LiveAt(0) != 0 || &before[0] != &p.Live()[0] {
		t.Error("Expected live array untouched")
	}
}
