package stores

import (
	"errors"
	"testing"
	"time"
)

func TestCodec_RoundTrip(t *testing.T) {
	key := ChunkKey{Region: "r", X: -1, Y: 2, Z: 3}

	tests := []struct {
		name  string
		build func() *Chunk
		runs  int
	}{
		{
			name:  "all air",
			build: func() *Chunk { return NewChunk(key) },
			runs:  1,
		},
		{
			name: "ground layer",
			build: func() *Chunk {
				c := NewChunk(key)
				for x := 0; x < ChunkSize; x++ {
					for z := 0; z < ChunkSize; z++ {
						c.Set(x, 0, z, 1)
					}
				}
				c.UpdatedAt = time.Unix(0, 42).UTC()
				return c
			},
			runs: 2,
		},
		{
			name: "alternating",
			build: func() *Chunk {
				c := NewChunk(key)
				for i := range c.Blocks {
					c.Blocks[i] = Block(i % 2)
				}
				return c
			},
			runs: ChunkVolume,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := tt.build()
			data, err := EncodeChunk(c)
			if err != nil {
				t.Fatalf("encode failed: %v", err)
			}
			if want := headerSize + tt.runs*4; len(data) != want {
				t.Errorf("expected %d bytes, got %d", want, len(data))
			}

			got, err := DecodeChunk(key, data)
			if err != nil {
				t.Fatalf("decode failed: %v", err)
			}
			if got.Version != c.Version || !got.UpdatedAt.Equal(c.UpdatedAt) {
				t.Errorf("expected header %d/%v, got %d/%v", c.Version, c.UpdatedAt, got.Version, got.UpdatedAt)
			}
			for i := range c.Blocks {
				if got.Blocks[i] != c.Blocks[i] {
					t.Fatalf("block %d: expected %d, got %d", i, c.Blocks[i], got.Blocks[i])
				}
			}
		})
	}
}

func TestCodec_Corrupt(t *testing.T) {
	good, err := EncodeChunk(NewChunk(ChunkKey{Region: "r"}))
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	badVersion := append([]byte(nil), good...)
	badVersion[0] = 9

	shortRun := append([]byte(nil), good...)
	shortRun[len(shortRun)-2] = 1
	shortRun[len(shortRun)-1] = 0

	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"bad version", badVersion},
		{"truncated", good[:len(good)-1]},
		{"short run", shortRun},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := DecodeChunk(ChunkKey{Region: "r"}, tt.data); !errors.Is(err, errCorrupt) {
				t.Errorf("expected corrupt error, got %v", err)
			}
		})
	}

	if _, err := EncodeChunk(&Chunk{Blocks: make([]Block, 3)}); err == nil {
		t.Error("expected error encoding undersized chunk")
	}
}

func TestChunk_CloneIsIndependent(t *testing.T) {
	c := NewChunk(ChunkKey{Region: "r"})
	c.Set(1, 1, 1, 5)

	clone := c.Clone()
	clone.Set(1, 1, 1, 6)

	if c.At(1, 1, 1) != 5 {
		t.Errorf("expected original block 5, got %d", c.At(1, 1, 1))
	}
	if clone.Version != c.Version+1 {
		t.Errorf("expected clone version %d, got %d", c.Version+1, clone.Version)
	}
	if c.Solid() != 1 {
		t.Errorf("expected 1 solid block, got %d", c.Solid())
	}
}
