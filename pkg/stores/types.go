package stores

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ChunkSize is the edge length of a chunk in blocks.
const ChunkSize = 16

// ChunkVolume is the number of blocks in a chunk.
const ChunkVolume = ChunkSize * ChunkSize * ChunkSize

// Block is a block type identifier. Zero is air.
type Block uint16

// Air is the empty block.
const Air Block = 0

// ErrNotFound is returned when a chunk or section record does not exist.
var ErrNotFound = errors.New("not found")

// ChunkKey identifies a chunk by region name and chunk coordinates local to
// the region.
type ChunkKey struct {
	Region string `json:"region"`
	X      int    `json:"x"`
	Y      int    `json:"y"`
	Z      int    `json:"z"`
}

// String returns the key as region/x/y/z.
func (k ChunkKey) String() string {
	return fmt.Sprintf("%s/%d/%d/%d", k.Region, k.X, k.Y, k.Z)
}

// Validate checks that the key can be stored.
func (k ChunkKey) Validate() error {
	return validateRegion(k.Region)
}

func validateRegion(region string) error {
	if region == "" {
		return fmt.Errorf("region name is required")
	}
	if strings.ContainsAny(region, "/\x00") {
		return fmt.Errorf("region name %q contains a reserved character", region)
	}
	return nil
}

// Chunk is a cube of ChunkSize³ blocks. A chunk that has been published to a
// live chunk table is shared between readers and must not be modified; use
// Clone to derive a new one.
type Chunk struct {
	Key       ChunkKey  `json:"key"`
	Blocks    []Block   `json:"-"`
	Version   uint64    `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewChunk creates an all-air chunk.
func NewChunk(key ChunkKey) *Chunk {
	return &Chunk{
		Key:    key,
		Blocks: make([]Block, ChunkVolume),
	}
}

// Index returns the position of local block coordinates in Blocks.
func Index(x, y, z int) int {
	return (y*ChunkSize+z)*ChunkSize + x
}

// InBounds reports whether local block coordinates fall inside a chunk.
func InBounds(x, y, z int) bool {
	return x >= 0 && x < ChunkSize && y >= 0 && y < ChunkSize && z >= 0 && z < ChunkSize
}

// At returns the block at local coordinates.
func (c *Chunk) At(x, y, z int) Block {
	return c.Blocks[Index(x, y, z)]
}

// Set replaces the block at local coordinates and bumps the version.
func (c *Chunk) Set(x, y, z int, b Block) {
	c.Blocks[Index(x, y, z)] = b
	c.Version++
}

// Solid returns the number of non-air blocks.
func (c *Chunk) Solid() int {
	n := 0
	for _, b := range c.Blocks {
		if b != Air {
			n++
		}
	}
	return n
}

// Clone returns a deep copy.
func (c *Chunk) Clone() *Chunk {
	out := *c
	out.Blocks = make([]Block, len(c.Blocks))
	copy(out.Blocks, c.Blocks)
	return &out
}

// SectionRecord marks a region section whose generation has been persisted.
type SectionRecord struct {
	Region      string    `json:"region"`
	Section     int       `json:"section"`
	Attempts    int       `json:"attempts"`
	GeneratedAt time.Time `json:"generated_at"`
}

// ChunkStore persists chunks and section generation records. Implementations
// are safe for concurrent use and are never called from the tick goroutine.
type ChunkStore interface {
	// Lifecycle
	Init(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
	HealthCheck(ctx context.Context) error

	// Chunk operations
	GetChunk(ctx context.Context, key ChunkKey) (*Chunk, error)
	PutChunk(ctx context.Context, chunk *Chunk) error
	PutChunks(ctx context.Context, chunks []*Chunk) error
	DeleteChunk(ctx context.Context, key ChunkKey) error
	ListChunks(ctx context.Context, region string) ([]ChunkKey, error)
	CountChunks(ctx context.Context, region string) (int, error)
	Regions(ctx context.Context) ([]string, error)

	// Section operations
	MarkSectionGenerated(ctx context.Context, rec SectionRecord) error
	GeneratedSections(ctx context.Context, region string) ([]SectionRecord, error)
}
