package pipeline

import (
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"

	"storesync/internal/fetch"
	"storesync/internal/helpdesk"
	"storesync/internal/storage"
)

// Unit kinds reported in UnitError.Kind.
const (
	UnitTenant      = "tenant"
	UnitTicket      = "ticket"
	UnitSource      = "source"
	UnitTransform   = "transform"
	UnitDestination = "destination"
	UnitTable       = "table"
)

// UnitError is one isolated failure.
type UnitError struct {
	Kind string
	Name string
	Err  error
}

func (e *UnitError) Error() string { return fmt.Sprintf("%s %s: %v", e.Kind, e.Name, e.Err) }
func (e *UnitError) Unwrap() error { return e.Err }

// TableResult is the outcome of one table upsert into one destination.
type TableResult struct {
	Table  string
	Result storage.Result
	Err    error
}

// DestinationResult is the outcome of one destination.
type DestinationResult struct {
	Name   string
	Tables []TableResult
	// Err is set when the destination could not be opened.
	Err error
}

// Report summarizes one job run.
type Report struct {
	RunID    string
	Job      string
	Started  time.Time
	Duration time.Duration

	// Fetched is the number of raw records the source produced.
	Fetched int
	Tenants []fetch.TenantError
	Tickets []helpdesk.TicketError
	// SourceErr is set when fetch or transform failed and nothing was loaded.
	SourceErr    *UnitError
	Destinations []DestinationResult
}

// Units lists every failed unit in run order.
func (r *Report) Units() []*UnitError {
	var out []*UnitError
	for _, t := range r.Tenants {
		out = append(out, &UnitError{Kind: UnitTenant, Name: t.Tenant, Err: t.Err})
	}
	for _, t := range r.Tickets {
		out = append(out, &UnitError{Kind: UnitTicket, Name: t.ID, Err: t.Err})
	}
	if r.SourceErr != nil {
		out = append(out, r.SourceErr)
	}
	for _, d := range r.Destinations {
		if d.Err != nil {
			out = append(out, &UnitError{Kind: UnitDestination, Name: d.Name, Err: d.Err})
		}
		for _, t := range d.Tables {
			if t.Err != nil {
				out = append(out, &UnitError{Kind: UnitTable, Name: d.Name + "/" + t.Table, Err: t.Err})
			}
		}
	}
	return out
}

// Err aggregates every unit failure, or returns nil for a clean run.
func (r *Report) Err() error {
	var merr *multierror.Error
	for _, u := range r.Units() {
		merr = multierror.Append(merr, u)
	}
	return merr.ErrorOrNil()
}

// Rows is the total number of rows merged across destinations and tables.
func (r *Report) Rows() int64 {
	var n int64
	for _, d := range r.Destinations {
		for _, t := range d.Tables {
			n += t.Result.Rows
		}
	}
	return n
}
