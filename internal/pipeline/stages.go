// Package pipeline wires one sync job together: fetch, transform, sanitize,
// then upsert every table into each destination in order.
//
// Failures are isolated per unit. A tenant, ticket, destination or table that
// fails is recorded in the Report and the rest of the run continues.
package pipeline

import (
	"context"
	"time"

	"storesync/internal/fetch"
	"storesync/internal/helpdesk"
	"storesync/internal/record"
	"storesync/internal/storage"
)

// Table is one named output of a transform, keyed by Key.
type Table struct {
	Name string
	Key  string
	Rows record.Batch
}

// Fetched is what a Source produced, including the units it had to drop.
type Fetched struct {
	Records record.Batch
	Tenants []fetch.TenantError
	Tickets []helpdesk.TicketError
}

// Source produces raw records. A returned error aborts the job.
type Source interface {
	Fetch(ctx context.Context) (Fetched, error)
}

// Transformer reshapes raw records into destination tables.
type Transformer interface {
	Transform(ctx context.Context, b record.Batch) ([]Table, error)
}

// Sanitizer prepares a table's rows for a relational column store.
type Sanitizer interface {
	Sanitize(b record.Batch) record.Batch
}

// SanitizerFunc adapts a function to Sanitizer.
type SanitizerFunc func(record.Batch) record.Batch

func (f SanitizerFunc) Sanitize(b record.Batch) record.Batch { return f(b) }

// Upserter writes batches into one destination. storage.Upserter satisfies it.
type Upserter interface {
	Upsert(ctx context.Context, target storage.Target, batch record.Batch) (storage.Result, error)
	Close()
}

// Destination is one configured database.
type Destination struct {
	Name string
	Kind string
	DSN  string
}

// Opener connects to a destination.
type Opener interface {
	Open(ctx context.Context, d Destination) (Upserter, error)
}

// OpenerFunc adapts a function to Opener.
type OpenerFunc func(ctx context.Context, d Destination) (Upserter, error)

func (f OpenerFunc) Open(ctx context.Context, d Destination) (Upserter, error) { return f(ctx, d) }

var (
	_ Source = (*EcommerceSource)(nil)
	_ Source = (*HelpdeskSource)(nil)
)

// EcommerceSource fetches one resource for every tenant.
type EcommerceSource struct {
	Fetcher  *fetch.Fetcher
	Tenants  []string
	Resource string
	// Since is computed once per run by the caller; nil fetches everything.
	Since *time.Time
}

func (s *EcommerceSource) Fetch(ctx context.Context) (Fetched, error) {
	res := s.Fetcher.FetchAll(ctx, s.Tenants, s.Resource, s.Since)
	return Fetched{Records: res.Records, Tenants: res.Failures}, nil
}

// HelpdeskSource fetches tickets matching Filter.
type HelpdeskSource struct {
	Source *helpdesk.Source
	Filter string
}

func (s *HelpdeskSource) Fetch(ctx context.Context) (Fetched, error) {
	recs, failures, err := s.Source.FetchTickets(ctx, s.Filter)
	if err != nil {
		return Fetched{}, err
	}
	return Fetched{Records: recs, Tickets: failures}, nil
}
