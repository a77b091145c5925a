package world

import (
	"context"
	"time"

	"github.com/openfroyo/tickstage/pkg/region"
	"github.com/openfroyo/tickstage/pkg/stores"
)

// Terrain is a deterministic heightmap generator. Columns are filled with
// bedrock, stone, dirt and a grass top; a few columns carry a sand block
// floating above the surface that falls once its section is active.
type Terrain struct {
	Seed int64

	// Base and Amplitude bound the surface height: Base <= h < Base+Amplitude.
	Base      int
	Amplitude int

	// Cell is the noise lattice spacing in blocks.
	Cell int

	// SandPerMille is the share of columns with floating sand, out of 1000.
	SandPerMille uint64

	// SandLift is how far above the surface floating sand is placed.
	SandLift int
}

// NewTerrain returns terrain sized for regions height blocks tall.
func NewTerrain(seed int64, height int) *Terrain {
	base := height / 4
	if base < 1 {
		base = 1
	}
	amp := height / 8
	if amp < 1 {
		amp = 1
	}
	return &Terrain{
		Seed:         seed,
		Base:         base,
		Amplitude:    amp,
		Cell:         16,
		SandPerMille: 8,
		SandLift:     3,
	}
}

// Height returns the number of solid blocks in the world column at x, z.
func (t *Terrain) Height(x, z int) int {
	cell := t.Cell
	if cell <= 0 {
		cell = 16
	}
	cx, cz := floorDiv(x, cell), floorDiv(z, cell)
	fx := float64(x-cx*cell) / float64(cell)
	fz := float64(z-cz*cell) / float64(cell)

	v00 := t.lattice(cx, cz)
	v10 := t.lattice(cx+1, cz)
	v01 := t.lattice(cx, cz+1)
	v11 := t.lattice(cx+1, cz+1)

	sx, sz := smooth(fx), smooth(fz)
	top := v00 + (v10-v00)*sx
	bottom := v01 + (v11-v01)*sx
	n := top + (bottom-top)*sz

	return t.Base + int(n*float64(t.Amplitude))
}

// HasSand reports whether the column at x, z carries floating sand.
func (t *Terrain) HasSand(x, z int) bool {
	if t.SandPerMille == 0 {
		return false
	}
	return mix(uint64(t.Seed)^0x5a17, x, z)%1000 < t.SandPerMille
}

// Generator returns a region generator for the region whose block origin in
// the world is originX, originZ.
func (t *Terrain) Generator(originX, originZ int) region.Generator {
	return region.GeneratorFunc(func(ctx context.Context, v *region.Volume) error {
		for _, c := range v.Chunks {
			if err := ctx.Err(); err != nil {
				return err
			}
			t.fill(c, originX+c.Key.X*stores.ChunkSize, c.Key.Y*stores.ChunkSize, originZ+c.Key.Z*stores.ChunkSize)
		}
		return nil
	})
}

func (t *Terrain) fill(c *stores.Chunk, x0, y0, z0 int) {
	for bz := 0; bz < stores.ChunkSize; bz++ {
		for bx := 0; bx < stores.ChunkSize; bx++ {
			wx, wz := x0+bx, z0+bz
			h := t.Height(wx, wz)
			sandY := -1
			if t.HasSand(wx, wz) {
				sandY = h + t.SandLift
			}
			for by := 0; by < stores.ChunkSize; by++ {
				wy := y0 + by
				var b stores.Block
				switch {
				case wy == 0:
					b = Bedrock
				case wy < h-3:
					b = Stone
				case wy < h-1:
					b = Dirt
				case wy == h-1:
					b = Grass
				case wy == sandY:
					b = Sand
				default:
					continue
				}
				c.Blocks[stores.Index(bx, by, bz)] = b
			}
		}
	}
	c.Version = 1
	c.UpdatedAt = time.Now().UTC()
}

// lattice returns the noise value in [0,1) at a lattice point.
func (t *Terrain) lattice(x, z int) float64 {
	return float64(mix(uint64(t.Seed), x, z)>>11) / float64(1<<53)
}

func smooth(f float64) float64 {
	return f * f * (3 - 2*f)
}

// mix hashes a seed and a column with splitmix64.
func mix(seed uint64, x, z int) uint64 {
	h := seed ^ uint64(int64(x))*0x9e3779b97f4a7c15 ^ uint64(int64(z))*0xc2b2ae3d27d4eb4f
	h ^= h >> 30
	h *= 0xbf58476d1ce4e5b9
	h ^= h >> 27
	h *= 0x94d049bb133111eb
	h ^= h >> 31
	return h
}
