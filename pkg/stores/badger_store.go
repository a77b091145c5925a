package stores

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"
)

const (
	chunkPrefix   = "chunk/"
	sectionPrefix = "section/"
)

// BadgerConfig holds configuration for a BadgerDB backed store.
type BadgerConfig struct {
	// Path is the directory for BadgerDB files. Ignored when InMemory is set.
	Path string

	// InMemory keeps all data in memory.
	InMemory bool

	// SyncWrites fsyncs every write.
	SyncWrites bool

	// GCInterval is how often value log GC runs. Zero disables it.
	GCInterval time.Duration

	// GCDiscardRatio is the minimum reclaimable ratio before GC rewrites a file.
	GCDiscardRatio float64

	// Logger receives BadgerDB's internal messages. Nil silences them.
	Logger *zerolog.Logger
}

// DefaultBadgerConfig returns production defaults for path.
func DefaultBadgerConfig(path string) BadgerConfig {
	return BadgerConfig{
		Path:           path,
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// badgerLogger adapts zerolog to BadgerDB's Logger interface.
type badgerLogger struct {
	logger zerolog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error().Msgf(strings.TrimSpace(format), args...)
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn().Msgf(strings.TrimSpace(format), args...)
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info().Msgf(strings.TrimSpace(format), args...)
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug().Msgf(strings.TrimSpace(format), args...)
}

// BadgerStore implements ChunkStore on an embedded BadgerDB.
//
// Keys are chunk/<region>/<x>/<y>/<z> holding the encoded chunk and
// section/<region>/<section> holding "<attempts>/<unix nanos>".
type BadgerStore struct {
	cfg BadgerConfig
	db  *badger.DB

	stopGC chan struct{}
	gcDone chan struct{}
	once   sync.Once
}

// NewBadgerStore creates a store. The database is opened by Init.
func NewBadgerStore(cfg BadgerConfig) (*BadgerStore, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent database")
	}
	if cfg.GCDiscardRatio < 0 || cfg.GCDiscardRatio > 1 {
		return nil, errors.New("GC discard ratio must be between 0 and 1")
	}
	return &BadgerStore{cfg: cfg}, nil
}

// Init opens the database and starts value log GC when configured.
func (s *BadgerStore) Init(_ context.Context) error {
	var opts badger.Options
	if s.cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(s.cfg.Path, 0750); err != nil {
			return fmt.Errorf("create database directory %s: %w", s.cfg.Path, err)
		}
		opts = badger.DefaultOptions(s.cfg.Path)
	}

	opts = opts.WithSyncWrites(s.cfg.SyncWrites).WithNumVersionsToKeep(1)
	if s.cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: s.cfg.Logger.With().Str("component", "badger").Logger()})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return fmt.Errorf("open badger database: %w", err)
	}
	s.db = db

	if s.cfg.GCInterval > 0 && !s.cfg.InMemory {
		s.stopGC = make(chan struct{})
		s.gcDone = make(chan struct{})
		go s.runGC()
	}
	return nil
}

// Migrate is a no-op; the key layout needs no schema.
func (s *BadgerStore) Migrate(_ context.Context) error {
	return nil
}

func (s *BadgerStore) runGC() {
	defer close(s.gcDone)

	ticker := time.NewTicker(s.cfg.GCInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopGC:
			return
		case <-ticker.C:
			err := s.db.RunValueLogGC(s.cfg.GCDiscardRatio)
			if err != nil && !errors.Is(err, badger.ErrNoRewrite) && s.cfg.Logger != nil {
				s.cfg.Logger.Warn().Err(err).Msg("badger value log GC failed")
			}
		}
	}
}

// Close stops GC and closes the database. Safe to call more than once.
func (s *BadgerStore) Close() error {
	var err error
	s.once.Do(func() {
		if s.stopGC != nil {
			close(s.stopGC)
			<-s.gcDone
		}
		if s.db != nil {
			err = s.db.Close()
		}
	})
	return err
}

// HealthCheck reports whether the database is open.
func (s *BadgerStore) HealthCheck(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	if s.db.IsClosed() {
		return fmt.Errorf("database closed")
	}
	return nil
}

func chunkKeyBytes(key ChunkKey) []byte {
	return []byte(chunkPrefix + key.String())
}

func parseChunkKey(raw string) (ChunkKey, error) {
	parts := strings.Split(strings.TrimPrefix(raw, chunkPrefix), "/")
	if len(parts) != 4 {
		return ChunkKey{}, fmt.Errorf("malformed chunk key %q", raw)
	}
	var coords [3]int
	for i, p := range parts[1:] {
		v, err := strconv.Atoi(p)
		if err != nil {
			return ChunkKey{}, fmt.Errorf("malformed chunk key %q: %w", raw, err)
		}
		coords[i] = v
	}
	return ChunkKey{Region: parts[0], X: coords[0], Y: coords[1], Z: coords[2]}, nil
}

// GetChunk retrieves a chunk by key.
func (s *BadgerStore) GetChunk(_ context.Context, key ChunkKey) (*Chunk, error) {
	var chunk *Chunk
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(chunkKeyBytes(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("chunk %s: %w", key, ErrNotFound)
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			c, err := DecodeChunk(key, val)
			if err != nil {
				return fmt.Errorf("failed to decode chunk %s: %w", key, err)
			}
			chunk = c
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return chunk, nil
}

// PutChunk inserts or replaces a chunk.
func (s *BadgerStore) PutChunk(ctx context.Context, chunk *Chunk) error {
	return s.PutChunks(ctx, []*Chunk{chunk})
}

// PutChunks writes all chunks in one write batch.
func (s *BadgerStore) PutChunks(_ context.Context, chunks []*Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()

	for _, chunk := range chunks {
		if err := chunk.Key.Validate(); err != nil {
			return err
		}
		data, err := EncodeChunk(chunk)
		if err != nil {
			return err
		}
		if err := wb.Set(chunkKeyBytes(chunk.Key), data); err != nil {
			return fmt.Errorf("failed to put chunk %s: %w", chunk.Key, err)
		}
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("failed to flush chunks: %w", err)
	}
	return nil
}

// DeleteChunk deletes a chunk.
func (s *BadgerStore) DeleteChunk(_ context.Context, key ChunkKey) error {
	return s.db.Update(func(txn *badger.Txn) error {
		k := chunkKeyBytes(key)
		if _, err := txn.Get(k); errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("chunk %s: %w", key, ErrNotFound)
		} else if err != nil {
			return err
		}
		return txn.Delete(k)
	})
}

// scanKeys calls fn with every key under prefix.
func (s *BadgerStore) scanKeys(prefix string, fn func(key string) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(prefix)

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := fn(string(it.Item().Key())); err != nil {
				return err
			}
		}
		return nil
	})
}

// ListChunks returns the keys of every stored chunk in a region.
func (s *BadgerStore) ListChunks(_ context.Context, region string) ([]ChunkKey, error) {
	var keys []ChunkKey
	err := s.scanKeys(chunkPrefix+region+"/", func(raw string) error {
		key, err := parseChunkKey(raw)
		if err != nil {
			return err
		}
		keys = append(keys, key)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list chunks: %w", err)
	}

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

// CountChunks returns the number of stored chunks in a region.
func (s *BadgerStore) CountChunks(_ context.Context, region string) (int, error) {
	n := 0
	err := s.scanKeys(chunkPrefix+region+"/", func(string) error {
		n++
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to count chunks: %w", err)
	}
	return n, nil
}

// Regions returns every region with stored chunks or sections.
func (s *BadgerStore) Regions(_ context.Context) ([]string, error) {
	seen := make(map[string]struct{})
	collect := func(prefix string) error {
		return s.scanKeys(prefix, func(raw string) error {
			rest := strings.TrimPrefix(raw, prefix)
			if i := strings.IndexByte(rest, '/'); i > 0 {
				seen[rest[:i]] = struct{}{}
			}
			return nil
		})
	}
	if err := collect(chunkPrefix); err != nil {
		return nil, fmt.Errorf("failed to list regions: %w", err)
	}
	if err := collect(sectionPrefix); err != nil {
		return nil, fmt.Errorf("failed to list regions: %w", err)
	}

	regions := make([]string, 0, len(seen))
	for r := range seen {
		regions = append(regions, r)
	}
	sort.Strings(regions)
	return regions, nil
}

func sectionKey(region string, section int) []byte {
	return []byte(fmt.Sprintf("%s%s/%d", sectionPrefix, region, section))
}

// MarkSectionGenerated records a generated section.
func (s *BadgerStore) MarkSectionGenerated(_ context.Context, rec SectionRecord) error {
	if err := validateRegion(rec.Region); err != nil {
		return err
	}
	val := fmt.Sprintf("%d/%d", rec.Attempts, unixNano(rec.GeneratedAt))
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(sectionKey(rec.Region, rec.Section), []byte(val))
	})
}

// GeneratedSections lists the generated sections of a region.
func (s *BadgerStore) GeneratedSections(_ context.Context, region string) ([]SectionRecord, error) {
	prefix := sectionPrefix + region + "/"
	var records []SectionRecord

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			section, err := strconv.Atoi(strings.TrimPrefix(string(item.Key()), prefix))
			if err != nil {
				return fmt.Errorf("malformed section key %q: %w", item.Key(), err)
			}
			rec := SectionRecord{Region: region, Section: section}
			err = item.Value(func(val []byte) error {
				var ns int64
				if _, err := fmt.Sscanf(string(val), "%d/%d", &rec.Attempts, &ns); err != nil {
					return fmt.Errorf("malformed section record %q: %w", val, err)
				}
				rec.GeneratedAt = fromUnixNano(ns)
				return nil
			})
			if err != nil {
				return err
			}
			records = append(records, rec)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list sections: %w", err)
	}

	sort.Slice(records, func(i, j int) bool { return records[i].Section < records[j].Section })
	return records, nil
}
