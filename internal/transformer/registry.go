package transformer

import (
	"context"
	"fmt"
	"sort"

	"storesync/internal/pipeline"
	"storesync/internal/record"
)

// Identity flattens records into one table without reshaping them.
type Identity struct {
	Table string
	Key   string
}

func (t Identity) Transform(ctx context.Context, b record.Batch) ([]Table, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key := t.Key
	if key == "" {
		key = "id"
	}
	return []Table{table(t.Table, key, record.FlattenBatch(b, "."))}, nil
}

// Transform names accepted by New.
const (
	NameOrders    = "orders"
	NameLineItems = "line_items"
	NameCustomers = "customers"
	NameAddresses = "addresses"
	NameTickets   = "tickets"
	NameIdentity  = "identity"
)

var builders = map[string]func(Options) pipeline.Transformer{
	NameOrders:    func(o Options) pipeline.Transformer { return Orders{Opts: o} },
	NameLineItems: func(o Options) pipeline.Transformer { return LineItems{Opts: o} },
	NameCustomers: func(o Options) pipeline.Transformer { return Customers{Opts: o} },
	NameAddresses: func(o Options) pipeline.Transformer { return Addresses{Opts: o} },
	NameTickets:   func(o Options) pipeline.Transformer { return Tickets{Opts: o} },
	NameIdentity: func(o Options) pipeline.Transformer {
		return Identity{Table: record.NormalizeColumn(o.Table), Key: o.Key}
	},
}

// New returns the named transform.
func New(name string, opts Options) (pipeline.Transformer, error) {
	b, ok := builders[name]
	if !ok {
		return nil, fmt.Errorf("unknown transform %q", name)
	}
	if name == NameIdentity && opts.Table == "" {
		return nil, fmt.Errorf("transform %q needs a table name", name)
	}
	return b(opts), nil
}

// Known reports whether New accepts name.
func Known(name string) bool {
	_, ok := builders[name]
	return ok
}

// Names lists the transform names in sorted order.
func Names() []string {
	out := make([]string, 0, len(builders))
	for n := range builders {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Sanitizer is the pipeline stage form of Sanitize.
var Sanitizer pipeline.Sanitizer = pipeline.SanitizerFunc(Sanitize)
