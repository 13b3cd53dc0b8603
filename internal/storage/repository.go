package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"storesync/internal/record"
)

// Config is the minimal configuration needed to open an Upserter.
//
// Edge cases:
//   - Kind must be non-empty and must match a registered backend kind.
//   - DSN is passed through to the backend factory; validation is backend-specific.
//   - A nil Logger is replaced by a discard logger in each backend.
type Config struct {
	Kind   string
	DSN    string
	Logger logrus.FieldLogger
}

// Upserter loads batches into one destination database.
//
// Each backend implements the same contract in its own dialect (Postgres
// ON CONFLICT, SQL Server MERGE, SQLite ON CONFLICT with a TEMP staging table):
//   - ensure the schema and table exist, adding missing columns
//   - ensure a single-column unique guarantee on the key column
//   - merge the batch through a staging table inside one transaction
type Upserter interface {
	// Upsert writes batch into target keyed by target.KeyColumn. An empty
	// batch is a no-op and returns Result{Skipped: true}.
	//
	// Callers must not run two Upserts against the same table concurrently.
	Upsert(ctx context.Context, target Target, batch record.Batch) (Result, error)

	// Close releases connections. Treat it as "call once".
	Close()
}

// Result summarizes one Upsert.
type Result struct {
	// Rows is the number of rows merged after dropping null and duplicate keys.
	Rows int64
	// DroppedNullKeys counts rows discarded because the key was null.
	DroppedNullKeys int
	// DroppedDuplicates counts rows discarded because a later row had the same key.
	DroppedDuplicates int
	// Created is true when the destination table did not exist before.
	Created bool
	// Skipped is true when there was nothing to write.
	Skipped bool
	// AddedColumns lists columns added to an existing table.
	AddedColumns []string
	// Guarantee names how the key's uniqueness is enforced: "existing",
	// "primary_key", "unique_constraint", "unique_index" or "created".
	Guarantee string
}

// Factory opens an Upserter for a backend kind.
type Factory func(ctx context.Context, cfg Config) (Upserter, error)

var (
	mu        sync.RWMutex
	factories = map[string]Factory{}
)

// Register registers a backend under a kind (e.g. "postgres", "sqlite").
//
// When to use:
//   - Call Register from an init() function in a backend package.
//
// Panics:
//   - If kind is empty, f is nil, or kind is already registered.
func Register(kind string, f Factory) {
	mu.Lock()
	defer mu.Unlock()

	if kind == "" {
		panic("storage: Register called with empty kind")
	}
	if f == nil {
		panic("storage: Register called with nil factory")
	}
	if _, exists := factories[kind]; exists {
		panic(fmt.Sprintf("storage: factory already registered for kind=%q", kind))
	}
	factories[kind] = f
}

// Open constructs an Upserter using the registered backend factory.
//
// Errors:
//   - Returns an error if cfg.Kind is empty or unsupported.
//   - Returns whatever error the registered factory returns.
func Open(ctx context.Context, cfg Config) (Upserter, error) {
	if cfg.Kind == "" {
		return nil, fmt.Errorf("storage: missing kind")
	}

	mu.RLock()
	f := factories[cfg.Kind]
	mu.RUnlock()

	if f == nil {
		return nil, fmt.Errorf("unsupported storage kind=%s (registered: %v)", cfg.Kind, Kinds())
	}
	return f(ctx, cfg)
}

// Kinds returns the registered backend kinds, sorted.
func Kinds() []string {
	mu.RLock()
	defer mu.RUnlock()

	out := make([]string, 0, len(factories))
	for k := range factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
