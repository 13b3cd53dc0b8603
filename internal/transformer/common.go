// Package transformer turns raw API records into destination tables.
package transformer

import (
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/sirupsen/logrus"

	"storesync/internal/fetch"
	"storesync/internal/logging"
	"storesync/internal/pipeline"
	"storesync/internal/record"
)

// Table is one output table of a transform.
type Table = pipeline.Table

// StampColumn holds the load time of every orders and customers row.
const StampColumn = "ultima_atualizacao"

// TenantColumn is the destination column holding the tenant slug.
const TenantColumn = "shop_slug"

// DefaultLocation is the zone used for StampColumn when none is configured.
const DefaultLocation = "America/Sao_Paulo"

// Options carries what the transforms share.
type Options struct {
	// Now is a test seam; time.Now when nil.
	Now func() time.Time
	// Location for StampColumn; DefaultLocation when nil.
	Location *time.Location
	Log      logrus.FieldLogger

	// TagField is the record field the fetcher wrote the tenant slug to;
	// fetch.DefaultTagField when empty. It is loaded as TenantColumn.
	TagField string

	// OrderFields overrides DefaultOrderFields.
	OrderFields []string

	// Table and Key name the output of the identity transform.
	Table string
	Key   string
}

func (o Options) stamp() record.Value {
	now := time.Now
	if o.Now != nil {
		now = o.Now
	}
	loc := o.Location
	if loc == nil {
		if l, err := time.LoadLocation(DefaultLocation); err == nil {
			loc = l
		} else {
			loc = time.UTC
		}
	}
	return record.TextValue(now().In(loc).Format(time.RFC3339))
}

// tenant reads the tenant slug tagged onto a raw record.
func (o Options) tenant(r *record.Record) record.Value {
	field := o.TagField
	if field == "" {
		field = fetch.DefaultTagField
	}
	return r.Get(field)
}

func (o Options) log() logrus.FieldLogger { return logging.OrDiscard(o.Log) }

// project keeps fields in order. Missing fields become Null.
func project(r *record.Record, fields []string) *record.Record {
	out := record.New()
	for _, f := range fields {
		out.Set(f, r.Get(f))
	}
	return out
}

// uniqueByID drops rows whose id is null and keeps the first row per id.
func uniqueByID(b record.Batch, key string) (record.Batch, int, int) {
	seen := make(map[string]struct{}, len(b))
	out := make(record.Batch, 0, len(b))
	var nulls, dups int
	for _, r := range b {
		v := r.Get(key)
		if v.IsNull() {
			nulls++
			continue
		}
		k := v.String()
		if _, ok := seen[k]; ok {
			dups++
			continue
		}
		seen[k] = struct{}{}
		out = append(out, r)
	}
	return out, nulls, dups
}

// decode fills out from a decoded JSON object, tolerating numbers sent as
// strings and the reverse.
func decode(in any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	return dec.Decode(in)
}

// objects returns the elements of a nested array that are JSON objects.
func objects(v record.Value) []map[string]any {
	list, ok := v.List()
	if !ok {
		return nil
	}
	out := make([]map[string]any, 0, len(list))
	for _, e := range list {
		if m, ok := e.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

// parseAmount reads a money amount that may use a comma as decimal separator.
func parseAmount(x any) (float64, bool) {
	v := record.FromAny(x)
	if f, ok := v.Float(); ok {
		return f, true
	}
	s, ok := v.Text()
	if !ok {
		return 0, false
	}
	s = strings.ReplaceAll(strings.TrimSpace(s), ",", ".")
	if s == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

func text(p *string) any {
	if p == nil {
		return nil
	}
	return *p
}

func table(name, key string, rows record.Batch) Table {
	return Table{Name: name, Key: key, Rows: record.NormalizeBatch(rows)}
}

