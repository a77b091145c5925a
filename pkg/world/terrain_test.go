package world

import (
	"context"
	"testing"
	"time"

	"github.com/openfroyo/tickstage/pkg/region"
	"github.com/openfroyo/tickstage/pkg/stores"
)

func TestTerrain_HeightDeterministic(t *testing.T) {
	a := NewTerrain(42, 128)
	b := NewTerrain(42, 128)
	c := NewTerrain(43, 128)

	differs := false
	for x := -40; x < 40; x += 3 {
		for z := -40; z < 40; z += 7 {
			h := a.Height(x, z)
			if h != b.Height(x, z) {
				t.Fatalf("Expected same height for same seed at %d,%d", x, z)
			}
			if h < a.Base || h >= a.Base+a.Amplitude {
				t.Errorf("Height %d at %d,%d outside [%d,%d)", h, x, z, a.Base, a.Base+a.Amplitude)
			}
			if h != c.Height(x, z) {
				differs = true
			}
		}
	}
	if !differs {
		t.Error("Expected a different seed to change the terrain")
	}
}

func TestTerrain_Generator(t *testing.T) {
	terrain := &Terrain{Seed: 7, Base: 6, Amplitude: 1, Cell: 16}

	c := stores.NewChunk(stores.ChunkKey{Region: "r", X: 0, Y: 0, Z: 0})
	vol := &region.Volume{Region: "r", Width: 1, Chunks: []*stores.Chunk{c}}
	if err := terrain.Generator(0, 0).Generate(context.Background(), vol); err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	tests := []struct {
		y    int
		want stores.Block
	}{
		{0, Bedrock},
		{1, Stone},
		{2, Stone},
		{3, Dirt},
		{4, Dirt},
		{5, Grass},
		{6, stores.Air},
		{15, stores.Air},
	}
	for _, tt := range tests {
		if got := c.At(3, tt.y, 9); got != tt.want {
			t.Errorf("y=%d: expected %s, got %s", tt.y, BlockName(tt.want), BlockName(got))
		}
	}
	if c.Version != 1 || c.UpdatedAt.IsZero() {
		t.Errorf("Expected version 1 and a timestamp, got %d %v", c.Version, c.UpdatedAt)
	}
}

func TestTerrain_FloatingSand(t *testing.T) {
	terrain := &Terrain{Seed: 1, Base: 4, Amplitude: 1, Cell: 16, SandPerMille: 1000, SandLift: 3}
	c := stores.NewChunk(stores.ChunkKey{Region: "r"})
	vol := &region.Volume{Region: "r", Width: 1, Chunks: []*stores.Chunk{c}}
	if err := terrain.Generator(0, 0).Generate(context.Background(), vol); err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	if got := c.At(0, 7, 0); got != Sand {
		t.Errorf("Expected sand at y=7, got %s", BlockName(got))
	}
	if got := c.At(0, 6, 0); got != stores.Air {
		t.Errorf("Expected air under the sand, got %s", BlockName(got))
	}
}

func TestTerrain_GeneratorHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	vol := &region.Volume{Region: "r", Width: 1, Chunks: []*stores.Chunk{stores.NewChunk(stores.ChunkKey{Region: "r"})}}
	if err := NewTerrain(1, 32).Generator(0, 0).Generate(ctx, vol); err == nil {
		t.Error("Expected error for cancelled context")
	}
}

func TestStep(t *testing.T) {
	// Solid below y=4 everywhere, a wall at x=10, and nothing loaded at z>=20.
	solid := func(p Pos) (bool, bool) {
		if p.Z >= 20 {
			return false, false
		}
		return p.Y < 4 || p.X == 10, true
	}
	dt := 100 * time.Millisecond

	tests := []struct {
		name  string
		in    Entity
		want  stepResult
		check func(t *testing.T, e Entity)
	}{
		{
			name: "resting entity is idle",
			in:   Entity{X: 1.5, Y: 4, Z: 1.5, OnGround: true},
			want: stepIdle,
		},
		{
			name: "falls under gravity",
			in:   Entity{X: 1.5, Y: 10, Z: 1.5},
			want: stepMoved,
			check: func(t *testing.T, e Entity) {
				if e.Y >= 10 || e.VY >= 0 || e.OnGround {
					t.Errorf("Expected a falling entity, got %+v", e)
				}
			},
		},
		{
			name: "fast fall lands on the surface",
			in:   Entity{X: 1.5, Y: 6, Z: 1.5, VY: -40},
			want: stepMoved,
			check: func(t *testing.T, e Entity) {
				if e.Y != 4 || !e.OnGround || e.VY != 0 {
					t.Errorf("Expected landing at y=4, got %+v", e)
				}
			},
		},
		{
			name: "wall stops horizontal movement",
			in:   Entity{X: 9.9, Y: 4, Z: 1.5, VX: 5, OnGround: true},
			want: stepMoved,
			check: func(t *testing.T, e Entity) {
				if e.X != 9.9 || e.VX != 0 {
					t.Errorf("Expected to stay at the wall, got %+v", e)
				}
			},
		},
		{
			name: "unloaded chunk freezes",
			in:   Entity{X: 1.5, Y: 8, Z: 19.9, VZ: 5},
			want: stepFrozen,
			check: func(t *testing.T, e Entity) {
				if e.Z != 19.9 || e.Y != 8 {
					t.Errorf("Expected no movement, got %+v", e)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, res := step(tt.in, dt, solid)
			if res != tt.want {
				t.Fatalf("Expected result %d, got %d", tt.want, res)
			}
			if tt.check != nil {
				tt.check(t, got)
			}
		})
	}
}

func TestFloorDiv(t *testing.T) {
	tests := []struct{ a, b, want int }{
		{7, 2, 3},
		{-7, 2, -4},
		{-8, 2, -4},
		{0, 5, 0},
		{-1, 32, -1},
	}
	for _, tt := range tests {
		if got := floorDiv(tt.a, tt.b); got != tt.want {
			t.Errorf("floorDiv(%d, %d): expected %d, got %d", tt.a, tt.b, tt.want, got)
		}
	}
}
