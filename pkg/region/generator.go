package region

import (
	"context"

	"github.com/openfroyo/tickstage/pkg/stores"
)

// Volume is the staging buffer for one section. Chunks are allocated by the
// region before the generator runs and published only after it returns
// successfully, so a generator never exposes partial results.
type Volume struct {
	Region  string
	Section int

	// OriginX, OriginY and OriginZ are the region chunk coordinates of the
	// volume's lowest corner.
	OriginX, OriginY, OriginZ int

	// Width is the edge length of the volume in chunks.
	Width int

	// Chunks holds Width³ chunks indexed by Index.
	Chunks []*stores.Chunk
}

func newVolume(region string, sec, ox, oy, oz, width int) *Volume {
	v := &Volume{
		Region:  region,
		Section: sec,
		OriginX: ox,
		OriginY: oy,
		OriginZ: oz,
		Width:   width,
		Chunks:  make([]*stores.Chunk, width*width*width),
	}
	for dy := 0; dy < width; dy++ {
		for dz := 0; dz < width; dz++ {
			for dx := 0; dx < width; dx++ {
				v.Chunks[v.Index(dx, dy, dz)] = stores.NewChunk(stores.ChunkKey{
					Region: region,
					X:      ox + dx,
					Y:      oy + dy,
					Z:      oz + dz,
				})
			}
		}
	}
	return v
}

// Index returns the position of volume-local chunk coordinates in Chunks.
func (v *Volume) Index(dx, dy, dz int) int {
	return (dy*v.Width+dz)*v.Width + dx
}

// Chunk returns the chunk at volume-local coordinates.
func (v *Volume) Chunk(dx, dy, dz int) *stores.Chunk {
	return v.Chunks[v.Index(dx, dy, dz)]
}

// Generator fills a section volume with terrain and must honor ctx. It runs
// on a generation pool worker, or on the caller of a waiting Generate. The
// caller can be the tick goroutine when a manager loads a missing section
// during a stage, so a slow generator stalls that tick.
type Generator interface {
	Generate(ctx context.Context, v *Volume) error
}

// GeneratorFunc adapts a function to the Generator interface.
type GeneratorFunc func(ctx context.Context, v *Volume) error

// Generate calls f.
func (f GeneratorFunc) Generate(ctx context.Context, v *Volume) error {
	return f(ctx, v)
}
