package stores_test

import (
	"context"
	"fmt"
	"log"

	"github.com/openfroyo/tickstage/pkg/stores"
)

// ExampleNewSQLiteStore demonstrates creating and initializing a new SQLite store.
func ExampleNewSQLiteStore() {
	store, err := stores.NewSQLiteStore(stores.SQLiteConfig{
		Path: ":memory:", // Use in-memory database for example
	})
	if err != nil {
		log.Fatal(err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		log.Fatal(err)
	}
	if err := store.Migrate(ctx); err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	fmt.Println("Store initialized successfully")
	// Output: Store initialized successfully
}

// ExampleOpen demonstrates persisting and loading a chunk.
func ExampleOpen() {
	ctx := context.Background()
	store, err := stores.Open(ctx, stores.Options{Driver: stores.DriverMemory})
	if err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	chunk := stores.NewChunk(stores.ChunkKey{Region: "overworld", X: 1})
	chunk.Set(0, 0, 0, 7)
	if err := store.PutChunk(ctx, chunk); err != nil {
		log.Fatal(err)
	}

	loaded, err := store.GetChunk(ctx, chunk.Key)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(loaded.Key, loaded.At(0, 0, 0), loaded.Solid())
	// Output: overworld/1/0/0 7 1
}
