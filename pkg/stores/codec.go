package stores

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

const codecVersion = 1

// headerSize is version(1) + chunk version(8) + updated at(8) + run count(4).
const headerSize = 1 + 8 + 8 + 4

var errCorrupt = errors.New("corrupt chunk data")

// EncodeChunk serializes the chunk body. Blocks are run-length encoded as
// (block, length) uint16 pairs, little endian. The key is not included.
func EncodeChunk(c *Chunk) ([]byte, error) {
	if len(c.Blocks) != ChunkVolume {
		return nil, fmt.Errorf("chunk %s has %d blocks, want %d", c.Key, len(c.Blocks), ChunkVolume)
	}

	runs := 0
	for i := 0; i < len(c.Blocks); {
		j := runEnd(c.Blocks, i)
		runs++
		i = j
	}

	buf := make([]byte, 0, headerSize+runs*4)
	buf = append(buf, codecVersion)
	buf = binary.LittleEndian.AppendUint64(buf, c.Version)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(unixNano(c.UpdatedAt)))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(runs))

	for i := 0; i < len(c.Blocks); {
		j := runEnd(c.Blocks, i)
		buf = binary.LittleEndian.AppendUint16(buf, uint16(c.Blocks[i]))
		buf = binary.LittleEndian.AppendUint16(buf, uint16(j-i))
		i = j
	}
	return buf, nil
}

// runEnd returns the index after the run starting at i. Runs are capped so
// the length fits in a uint16.
func runEnd(blocks []Block, i int) int {
	j := i + 1
	for j < len(blocks) && blocks[j] == blocks[i] && j-i < 0xFFFF {
		j++
	}
	return j
}

// unixNano maps the zero time to 0 instead of an out of range value.
func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(ns int64) time.Time {
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns).UTC()
}

// DecodeChunk parses data produced by EncodeChunk.
func DecodeChunk(key ChunkKey, data []byte) (*Chunk, error) {
	if len(data) < headerSize {
		return nil, fmt.Errorf("%w: %d bytes", errCorrupt, len(data))
	}
	if data[0] != codecVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", errCorrupt, data[0])
	}

	c := NewChunk(key)
	c.Version = binary.LittleEndian.Uint64(data[1:9])
	c.UpdatedAt = fromUnixNano(int64(binary.LittleEndian.Uint64(data[9:17])))
	runs := int(binary.LittleEndian.Uint32(data[17:21]))

	body := data[headerSize:]
	if len(body) != runs*4 {
		return nil, fmt.Errorf("%w: expected %d run bytes, got %d", errCorrupt, runs*4, len(body))
	}

	pos := 0
	for r := 0; r < runs; r++ {
		b := Block(binary.LittleEndian.Uint16(body[r*4:]))
		n := int(binary.LittleEndian.Uint16(body[r*4+2:]))
		if n == 0 || pos+n > ChunkVolume {
			return nil, fmt.Errorf("%w: run %d overflows chunk", errCorrupt, r)
		}
		for i := 0; i < n; i++ {
			c.Blocks[pos+i] = b
		}
		pos += n
	}
	if pos != ChunkVolume {
		return nil, fmt.Errorf("%w: decoded %d of %d blocks", errCorrupt, pos, ChunkVolume)
	}
	return c, nil
}
