package engine

import (
	"testing"

	"github.com/openfroyo/tickstage/pkg/stage"
)

// parityManager belongs to the bucket matching its coordinate parity.
type parityManager struct {
	BaseManager
	x, z int
}

func (m *parityManager) CheckSequence(_ stage.Stage, seq int) bool {
	return seq == (m.x&1)|(m.z&1)<<1
}

func TestRegistry_Buckets(t *testing.T) {
	r := NewRegistry(4)

	for _, coords := range [][2]int{{0, 0}, {1, 0}, {0, 1}, {1, 1}, {2, 2}} {
		m := &parityManager{
			BaseManager: BaseManager{Name: "r" + string(rune('0'+coords[0])) + string(rune('0'+coords[1])), Stages: stage.Of(stage.Physics)},
			x:           coords[0],
			z:           coords[1],
		}
		if _, err := r.Register(m); err != nil {
			t.Fatalf("Register failed: %v", err)
		}
	}

	tests := []struct {
		seq  int
		want int
	}{
		{0, 2}, // (0,0) and (2,2)
		{1, 1},
		{2, 1},
		{3, 1},
	}
	for _, tt := range tests {
		if got := len(r.Bucket(stage.Physics, tt.seq)); got != tt.want {
			t.Errorf("Bucket %d: expected %d managers, got %d", tt.seq, tt.want, got)
		}
	}

	if len(r.Bucket(stage.Lighting, 0)) != 0 {
		t.Error("Expected no managers in undeclared stage")
	}
	if r.Bucket(stage.Physics, 9) != nil {
		t.Error("Expected nil for out of range bucket")
	}
}

func TestRegistry_DuplicateAndUnknown(t *testing.T) {
	r := NewRegistry(1)
	m := BaseManager{Name: "m", Stages: stage.AllStages}

	if _, err := r.Register(m); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if _, err := r.Register(m); !IsConflict(err) {
		t.Errorf("Expected conflict for duplicate registration, got %v", err)
	}
	if _, err := r.Deregister("missing"); CodeOf(err) != ErrCodeNotFound {
		t.Errorf("Expected not found, got %v", err)
	}
	if _, err := r.Register(nil); err == nil {
		t.Error("Expected nil manager to be rejected")
	}
	if _, err := r.Register(BaseManager{}); err == nil {
		t.Error("Expected empty ID to be rejected")
	}
}

func TestRegistry_DeregisterRemovesFromAllBuckets(t *testing.T) {
	r := NewRegistry(2)
	a := BaseManager{Name: "a", Stages: stage.Of(stage.Lighting, stage.Finalize)}
	b := BaseManager{Name: "b", Stages: stage.Of(stage.Lighting)}
	_, _ = r.Register(a)
	_, _ = r.Register(b)

	held := r.Bucket(stage.Lighting, 0)
	if _, err := r.Deregister("a"); err != nil {
		t.Fatalf("Deregister failed: %v", err)
	}

	if got := r.Bucket(stage.Lighting, 0); len(got) != 1 || got[0].ID() != "b" {
		t.Errorf("Expected only b in lighting bucket, got %v", got)
	}
	if len(r.Bucket(stage.Finalize, 0)) != 0 {
		t.Error("Expected finalize bucket to be empty")
	}
	if len(held) != 2 {
		t.Error("Expected previously returned bucket slice to be unchanged")
	}
	if ids := r.IDs(); len(ids) != 1 || ids[0] != "b" {
		t.Errorf("Expected IDs [b], got %v", ids)
	}
}

func TestRegistry_QueueDuringTick(t *testing.T) {
	r := NewRegistry(1)
	_, _ = r.Register(BaseManager{Name: "a", Stages: stage.AllStages})

	if changes, errs := r.beginTick(); len(changes) != 0 || len(errs) != 0 {
		t.Fatalf("Expected nothing pending, got %v %v", changes, errs)
	}

	applied, err := r.Register(BaseManager{Name: "b", Stages: stage.AllStages})
	if err != nil || applied {
		t.Fatalf("Expected registration to be queued, got applied=%v err=%v", applied, err)
	}
	applied, err = r.Deregister("a")
	if err != nil || applied {
		t.Fatalf("Expected deregistration to be queued, got applied=%v err=%v", applied, err)
	}
	_, _ = r.Deregister("ghost")

	if r.Len() != 1 || r.Pending() != 3 {
		t.Fatalf("Expected 1 manager and 3 pending, got %d and %d", r.Len(), r.Pending())
	}
	r.endTick()

	changes, errs := r.beginTick()
	defer r.endTick()
	if len(changes) != 2 {
		t.Errorf("Expected 2 applied changes, got %v", changes)
	}
	if len(errs) != 1 {
		t.Errorf("Expected 1 rejected change, got %v", errs)
	}
	if ids := r.IDs(); len(ids) != 1 || ids[0] != "b" {
		t.Errorf("Expected IDs [b], got %v", ids)
	}
}
