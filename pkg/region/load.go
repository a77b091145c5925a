package region

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/openfroyo/tickstage/pkg/engine"
	"github.com/openfroyo/tickstage/pkg/stores"
)

// LoadOption controls what LoadChunk may do when a chunk is not in the live
// table.
type LoadOption int

const (
	// NoLoad only consults the live table.
	NoLoad LoadOption = iota
	// LoadOnly reads a missing chunk from the store but never generates.
	LoadOnly
	// LoadOrGenerate generates the chunk's section, waiting for it, when the
	// chunk is missing.
	LoadOrGenerate
)

// String returns the option name.
func (o LoadOption) String() string {
	switch o {
	case NoLoad:
		return "no_load"
	case LoadOnly:
		return "load_only"
	case LoadOrGenerate:
		return "load_or_generate"
	default:
		return "unknown"
	}
}

// Restore reads which sections the store holds so that generating them
// loads the stored chunks instead of running the generator.
func (r *Region) Restore(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	records, err := r.store.GeneratedSections(ctx, r.cfg.Name)
	if err != nil {
		return fmt.Errorf("restore region %s: %w", r.cfg.Name, err)
	}

	r.storedMu.Lock()
	for _, rec := range records {
		if rec.Section >= 0 && rec.Section < len(r.sections) {
			r.stored[rec.Section] = struct{}{}
		}
	}
	r.storedMu.Unlock()

	r.logger.Zerolog().Debug().Int("sections", len(records)).Msg("Region restored from store")
	return nil
}

func (r *Region) isStored(sec int) bool {
	r.storedMu.RLock()
	defer r.storedMu.RUnlock()
	_, ok := r.stored[sec]
	return ok
}

// loadVolume replaces the volume's chunks with stored ones. Chunks missing
// from the store stay empty.
func (r *Region) loadVolume(ctx context.Context, vol *Volume) error {
	for i, c := range vol.Chunks {
		stored, err := r.store.GetChunk(ctx, c.Key)
		if errors.Is(err, stores.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		vol.Chunks[i] = stored
	}
	return nil
}

// persist writes a freshly generated section and its record. Failures are
// logged; the section stays Complete in memory.
func (r *Region) persist(ctx context.Context, vol *Volume, attempt int) {
	if err := r.store.PutChunks(ctx, vol.Chunks); err != nil {
		r.logger.WithError(err).WithField("section", vol.Section).Warn("Failed to persist generated section")
		return
	}
	rec := stores.SectionRecord{
		Region:      r.cfg.Name,
		Section:     vol.Section,
		Attempts:    attempt,
		GeneratedAt: time.Now().UTC(),
	}
	if err := r.store.MarkSectionGenerated(ctx, rec); err != nil {
		r.logger.WithError(err).WithField("section", vol.Section).Warn("Failed to record generated section")
		return
	}

	r.storedMu.Lock()
	r.stored[vol.Section] = struct{}{}
	r.storedMu.Unlock()
}

// LoadChunk returns the live chunk at region chunk coordinates, loading or
// generating it as opt allows. A nil chunk with a nil error means the chunk
// does not exist and opt did not allow creating it.
func (r *Region) LoadChunk(ctx context.Context, cx, cy, cz int, opt LoadOption) (*stores.Chunk, error) {
	if !r.InBounds(cx, cy, cz) {
		return nil, engine.NewPermanentError(
			fmt.Sprintf("chunk %d,%d,%d outside region", cx, cy, cz), nil).
			WithCode(engine.ErrCodeValidation).
			WithOwner(r.cfg.Name)
	}

	idx := r.ChunkIndex(cx, cy, cz)
	if c := r.chunks.LiveAt(idx); c != nil {
		return c, nil
	}

	switch opt {
	case NoLoad:
		return nil, nil

	case LoadOnly:
		if r.store == nil {
			r.tel.Metrics.RecordChunkLoad("absent")
			return nil, nil
		}
		return r.loadStored(ctx, stores.ChunkKey{Region: r.cfg.Name, X: cx, Y: cy, Z: cz}, idx)

	case LoadOrGenerate:
		if err := r.Generate(ctx, r.SectionOf(cx, cy, cz), true); err != nil {
			r.tel.Metrics.RecordChunkLoad("failed")
			return nil, err
		}
		r.tel.Metrics.RecordChunkLoad("generated")
		return r.chunks.LiveAt(idx), nil

	default:
		return nil, engine.NewPermanentError(fmt.Sprintf("unknown load option %d", opt), nil).
			WithCode(engine.ErrCodeValidation)
	}
}

// loadStored reads one chunk from the store. Concurrent loads of the same
// chunk share a single store read.
func (r *Region) loadStored(ctx context.Context, key stores.ChunkKey, idx int) (*stores.Chunk, error) {
	v, err, _ := r.loads.Do(key.String(), func() (interface{}, error) {
		if c := r.chunks.LiveAt(idx); c != nil {
			return c, nil
		}

		c, err := r.store.GetChunk(ctx, key)
		if errors.Is(err, stores.ErrNotFound) {
			r.tel.Metrics.RecordChunkLoad("absent")
			return (*stores.Chunk)(nil), nil
		}
		if err != nil {
			r.tel.Metrics.RecordChunkLoad("failed")
			return nil, engine.NewTransientError("chunk load failed", err).
				WithOwner(key.String())
		}

		r.chunks.Update(func(next []*stores.Chunk) bool {
			if next[idx] != nil {
				c = next[idx]
				return false
			}
			next[idx] = c
			return true
		})
		r.tel.Metrics.RecordChunkLoad("stored")
		return c, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*stores.Chunk), nil
}

// Save writes every live chunk to the store.
func (r *Region) Save(ctx context.Context) (int, error) {
	if r.store == nil {
		return 0, nil
	}

	var chunks []*stores.Chunk
	for _, c := range r.chunks.Live() {
		if c != nil {
			chunks = append(chunks, c)
		}
	}
	if err := r.store.PutChunks(ctx, chunks); err != nil {
		return 0, fmt.Errorf("save region %s: %w", r.cfg.Name, err)
	}
	return len(chunks), nil
}
