package stage

import (
	"context"
	"errors"
	"testing"
)

func TestOrder(t *testing.T) {
	order := Order()
	if len(order) != int(numStages) {
		t.Fatalf("Expected %d stages, got %d", numStages, len(order))
	}
	if order[0] != TickStart || order[len(order)-1] != Snapshot {
		t.Errorf("Unexpected order bounds: %v .. %v", order[0], order[len(order)-1])
	}
	if Snapshot.Next() != TickStart {
		t.Errorf("Expected Snapshot to wrap to TickStart, got %v", Snapshot.Next())
	}
	if Lighting.Next() != Finalize {
		t.Errorf("Expected Lighting -> Finalize, got %v", Lighting.Next())
	}
}

func TestSetOperations(t *testing.T) {
	tests := []struct {
		name string
		set  Set
		in   []Stage
		out  []Stage
	}{
		{"single", Of(Physics), []Stage{Physics}, []Stage{GlobalPhysics, Lighting}},
		{"union", Of(Physics).Union(Of(Lighting)), []Stage{Physics, Lighting}, []Stage{Finalize}},
		{"complement", Of(Snapshot).Complement(), []Stage{TickStart, PreSnapshot}, []Stage{Snapshot}},
		{"mutable", Mutable, []Stage{Stage1, Finalize}, []Stage{PreSnapshot, Snapshot}},
		{"none", NoStages, nil, []Stage{TickStart, Snapshot}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, s := range tt.in {
				if !tt.set.Contains(s) {
					t.Errorf("Expected %s to contain %s", tt.set, s)
				}
			}
			for _, s := range tt.out {
				if tt.set.Contains(s) {
					t.Errorf("Expected %s not to contain %s", tt.set, s)
				}
			}
		})
	}

	if AllStages.Len() != int(numStages) {
		t.Errorf("Expected AllStages.Len()=%d, got %d", numStages, AllStages.Len())
	}
	if got := Of(Lighting, Stage1).Stages(); len(got) != 2 || got[0] != Stage1 {
		t.Errorf("Expected stages in tick order, got %v", got)
	}
}

func TestParse(t *testing.T) {
	for _, s := range Order() {
		got, ok := Parse(s.String())
		if !ok || got != s {
			t.Errorf("Parse(%q) = %v, %v", s.String(), got, ok)
		}
	}
	if _, ok := Parse("bogus"); ok {
		t.Error("Expected Parse to reject unknown name")
	}
}

func TestClockCheck(t *testing.T) {
	c := NewClock()
	c.Set(Physics)

	if err := c.Check(Of(Physics, Lighting)); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	err := c.Check(Of(Snapshot))
	var seqErr *SequenceError
	if !errors.As(err, &seqErr) {
		t.Fatalf("Expected *SequenceError, got %v", err)
	}
	if seqErr.Current != Physics {
		t.Errorf("Expected current=physics, got %v", seqErr.Current)
	}
}

func TestClockCheckOwner(t *testing.T) {
	c := NewClock()
	c.Set(Finalize)

	owner := WithOwner(context.Background(), "region-1")
	other := WithOwner(context.Background(), "region-2")

	if err := c.CheckOwner(owner, Of(Stage1), Of(Finalize), "region-1"); err != nil {
		t.Errorf("Expected owner to pass restricted stage, got %v", err)
	}
	if err := c.CheckOwner(other, Of(Stage1), Of(Finalize), "region-1"); err == nil {
		t.Error("Expected non-owner to fail restricted stage")
	}
	if err := c.CheckOwner(context.Background(), Of(Finalize), NoStages, "region-1"); err != nil {
		t.Errorf("Expected allowed stage to pass for anyone, got %v", err)
	}
}

func TestClockAdvance(t *testing.T) {
	c := NewClock()
	c.Set(Snapshot)
	if n := c.Advance(); n != 1 {
		t.Errorf("Expected tick 1, got %d", n)
	}
	if c.Current() != TickStart {
		t.Errorf("Expected TickStart after advance, got %v", c.Current())
	}
}

func TestMustCheckPanics(t *testing.T) {
	c := NewClock()
	defer func() {
		r := recover()
		if _, ok := r.(*SequenceError); !ok {
			t.Errorf("Expected *SequenceError panic, got %v", r)
		}
	}()
	c.MustCheck(Of(Snapshot))
}

func TestContextStage(t *testing.T) {
	ctx := WithStage(context.Background(), Lighting)
	s, ok := FromContext(ctx)
	if !ok || s != Lighting {
		t.Errorf("Expected lighting from context, got %v %v", s, ok)
	}
	if _, ok := FromContext(context.Background()); ok {
		t.Error("Expected no stage in empty context")
	}
}
