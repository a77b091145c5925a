package region

import (
	"context"
	"sync"
	"testing"

	"github.com/openfroyo/tickstage/pkg/snapshot"
	"github.com/openfroyo/tickstage/pkg/stores"
)

func TestLoadChunk_Options(t *testing.T) {
	store := stores.NewMemoryStore()
	gen := &countingGenerator{}
	r, _ := newTestRegion(t, gen, WithStore(store))
	ctx := context.Background()

	c, err := r.LoadChunk(ctx, 0, 0, 0, NoLoad)
	if err != nil || c != nil {
		t.Fatalf("Expected nothing for NoLoad, got %v %v", c, err)
	}

	c, err = r.LoadChunk(ctx, 0, 0, 0, LoadOnly)
	if err != nil || c != nil {
		t.Fatalf("Expected nothing for LoadOnly on empty store, got %v %v", c, err)
	}

	c, err = r.LoadChunk(ctx, 0, 0, 0, LoadOrGenerate)
	if err != nil {
		t.Fatalf("LoadOrGenerate failed: %v", err)
	}
	if c == nil || c.At(0, 0, 0) != 1 {
		t.Fatal("Expected generated chunk")
	}
	if gen.calls.Load() != 1 {
		t.Errorf("Expected 1 generation, got %d", gen.calls.Load())
	}

	// Now in the live table, every option returns it.
	for _, opt := range []LoadOption{NoLoad, LoadOnly, LoadOrGenerate} {
		got, err := r.LoadChunk(ctx, 0, 0, 0, opt)
		if err != nil || got != c {
			t.Errorf("%s: expected the live chunk, got %v %v", opt, got, err)
		}
	}

	if _, err := r.LoadChunk(ctx, -1, 0, 0, NoLoad); err == nil {
		t.Error("Expected error for out of bounds chunk")
	}
}

func TestLoadChunk_LoadOnlySharesStoreRead(t *testing.T) {
	store := stores.NewMemoryStore()
	stored := stores.NewChunk(stores.ChunkKey{Region: "test", X: 3, Y: 3, Z: 3})
	stored.Set(4, 4, 4, 42)
	if err := store.PutChunk(context.Background(), stored); err != nil {
		t.Fatalf("PutChunk failed: %v", err)
	}

	gen := &countingGenerator{}
	r, _ := newTestRegion(t, gen, WithStore(store))

	const callers = 16
	results := make([]*stores.Chunk, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := r.LoadChunk(context.Background(), 3, 3, 3, LoadOnly)
			if err != nil {
				t.Errorf("LoadChunk failed: %v", err)
			}
			results[i] = c
		}(i)
	}
	wg.Wait()

	for i, c := range results {
		if c == nil || c.At(4, 4, 4) != 42 {
			t.Fatalf("Caller %d: expected stored chunk", i)
		}
		if c != results[0] {
			t.Errorf("Caller %d: expected every caller to get the published instance", i)
		}
	}
	if gen.calls.Load() != 0 {
		t.Errorf("Expected no generation, got %d", gen.calls.Load())
	}

	// Generating the section keeps the loaded chunk.
	if err := r.Generate(context.Background(), r.SectionOf(3, 3, 3), true); err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if r.LiveChunk(3, 3, 3).At(4, 4, 4) != 42 {
		t.Error("Expected stored chunk to survive section generation")
	}
}

func TestRegion_PersistAndRestore(t *testing.T) {
	store := stores.NewMemoryStore()
	ctx := context.Background()

	gen := &countingGenerator{}
	r, _ := newTestRegion(t, gen, WithStore(store))
	if err := r.Generate(ctx, 5, true); err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	records, err := store.GeneratedSections(ctx, "test")
	if err != nil {
		t.Fatalf("GeneratedSections failed: %v", err)
	}
	if len(records) != 1 || records[0].Section != 5 || records[0].Attempts != 1 {
		t.Fatalf("Expected record for section 5, got %+v", records)
	}
	if n, _ := store.CountChunks(ctx, "test"); n != 8 {
		t.Errorf("Expected 8 stored chunks, got %d", n)
	}

	// Edit a chunk and save it.
	x, y, z := r.SectionOrigin(5)
	r.EditChunk(x, y, z, func(c *stores.Chunk) bool {
		c.Set(7, 7, 7, 77)
		return true
	})
	if n, err := r.Save(ctx); err != nil || n != 8 {
		t.Fatalf("Expected 8 saved chunks, got %d %v", n, err)
	}

	// A fresh region over the same store restores instead of generating.
	gen2 := &countingGenerator{}
	coord := snapshot.NewCoordinator(nil)
	r2, err := New(testConfig(), coord, gen2, WithStore(store))
	if err != nil {
		t.Fatalf("Failed to create region: %v", err)
	}
	if err := r2.Restore(ctx); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	if err := r2.Generate(ctx, 5, true); err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if gen2.calls.Load() != 0 {
		t.Errorf("Expected restored section to skip the generator, got %d calls", gen2.calls.Load())
	}
	if c := r2.LiveChunk(x, y, z); c == nil || c.At(7, 7, 7) != 77 {
		t.Error("Expected restored chunk to carry the saved edit")
	}
	if r2.State(5) != StateComplete {
		t.Errorf("Expected complete, got %s", r2.State(5))
	}

	// Sections that were never stored still generate.
	if err := r2.Generate(ctx, 0, true); err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if gen2.calls.Load() != 1 {
		t.Errorf("Expected 1 generation, got %d", gen2.calls.Load())
	}
}
