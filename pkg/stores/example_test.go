package stores_test

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/openfroyo/converge/pkg/stores"
)

// ExampleNewSQLiteStore demonstrates creating and initializing a new SQLite store.
func ExampleNewSQLiteStore() {
	store, err := stores.NewSQLiteStore(stores.Config{
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

// ExampleSQLiteStore_PutPersistentClass demonstrates a class that survives
// across runs for one hour.
func ExampleSQLiteStore_PutPersistentClass() {
	store, _ := stores.NewSQLiteStore(stores.Config{Path: ":memory:"})
	ctx := context.Background()
	_ = store.Init(ctx)
	_ = store.Migrate(ctx)
	defer store.Close()

	now := time.Unix(1700000000, 0)
	err := store.PutPersistentClass(ctx, &stores.PersistentClass{
		Name:      "patched_recently",
		Tags:      "source=promise",
		SetAt:     now,
		ExpiresAt: now.Add(time.Hour),
	})
	if err != nil {
		log.Fatal(err)
	}

	classes, _ := store.ListPersistentClasses(ctx, now.Add(30*time.Minute))
	for _, c := range classes {
		fmt.Println(c.Name, c.ExpiresAt.Sub(now))
	}
	// Output: patched_recently 1h0m0s
}
