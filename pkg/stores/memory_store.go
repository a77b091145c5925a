package stores

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryStore is a ChunkStore held in process memory. Chunks are stored
// encoded so callers never share block slices with the store.
type MemoryStore struct {
	mu       sync.RWMutex
	chunks   map[ChunkKey][]byte
	sections map[string]map[int]SectionRecord
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		chunks:   make(map[ChunkKey][]byte),
		sections: make(map[string]map[int]SectionRecord),
	}
}

func (s *MemoryStore) Init(context.Context) error        { return nil }
func (s *MemoryStore) Migrate(context.Context) error     { return nil }
func (s *MemoryStore) Close() error                      { return nil }
func (s *MemoryStore) HealthCheck(context.Context) error { return nil }

func (s *MemoryStore) GetChunk(_ context.Context, key ChunkKey) (*Chunk, error) {
	s.mu.RLock()
	data, ok := s.chunks[key]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("chunk %s: %w", key, ErrNotFound)
	}
	return DecodeChunk(key, data)
}

func (s *MemoryStore) PutChunk(ctx context.Context, chunk *Chunk) error {
	return s.PutChunks(ctx, []*Chunk{chunk})
}

func (s *MemoryStore) PutChunks(_ context.Context, chunks []*Chunk) error {
	encoded := make(map[ChunkKey][]byte, len(chunks))
	for _, chunk := range chunks {
		if err := chunk.Key.Validate(); err != nil {
			return err
		}
		data, err := EncodeChunk(chunk)
		if err != nil {
			return err
		}
		encoded[chunk.Key] = data
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range encoded {
		s.chunks[k] = v
	}
	return nil
}

func (s *MemoryStore) DeleteChunk(_ context.Context, key ChunkKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.chunks[key]; !ok {
		return fmt.Errorf("chunk %s: %w", key, ErrNotFound)
	}
	delete(s.chunks, key)
	return nil
}

func (s *MemoryStore) ListChunks(_ context.Context, region string) ([]ChunkKey, error) {
	s.mu.RLock()
	var keys []ChunkKey
	for k := range s.chunks {
		if k.Region == region {
			keys = append(keys, k)
		}
	}
	s.mu.RUnlock()

	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		if a.Y != b.Y {
			return a.Y < b.Y
		}
		if a.Z != b.Z {
			return a.Z < b.Z
		}
		return a.X < b.X
	})
	return keys, nil
}

func (s *MemoryStore) CountChunks(_ context.Context, region string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for k := range s.chunks {
		if k.Region == region {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) Regions(context.Context) ([]string, error) {
	s.mu.RLock()
	seen := make(map[string]struct{})
	for k := range s.chunks {
		seen[k.Region] = struct{}{}
	}
	for r := range s.sections {
		seen[r] = struct{}{}
	}
	s.mu.RUnlock()

	regions := make([]string, 0, len(seen))
	for r := range seen {
		regions = append(regions, r)
	}
	sort.Strings(regions)
	return regions, nil
}

func (s *MemoryStore) MarkSectionGenerated(_ context.Context, rec SectionRecord) error {
	if err := validateRegion(rec.Region); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	bySection, ok := s.sections[rec.Region]
	if !ok {
		bySection = make(map[int]SectionRecord)
		s.sections[rec.Region] = bySection
	}
	bySection[rec.Section] = rec
	return nil
}

func (s *MemoryStore) GeneratedSections(_ context.Context, region string) ([]SectionRecord, error) {
	s.mu.RLock()
	records := make([]SectionRecord, 0, len(s.sections[region]))
	for _, rec := range s.sections[region] {
		records = append(records, rec)
	}
	s.mu.RUnlock()

	sort.Slice(records, func(i, j int) bool { return records[i].Section < records[j].Section })
	return records, nil
}
