package transformer

import "storesync/internal/record"

// Sanitize renders nested values (objects and arrays) as compact JSON text so
// every column maps onto a scalar SQL type. Scalars are left alone.
//
// The input is not modified; records that change are cloned. Running Sanitize
// twice yields the same batch.
func Sanitize(b record.Batch) record.Batch {
	if len(b) == 0 {
		return b
	}

	nested := make(map[string]bool)
	for _, r := range b {
		for _, k := range r.Keys() {
			if r.Get(k).IsNested() {
				nested[k] = true
			}
		}
	}
	if len(nested) == 0 {
		return b
	}

	out := make(record.Batch, len(b))
	for i, r := range b {
		var c *record.Record
		for k := range nested {
			v, ok := r.Lookup(k)
			if !ok || !v.IsNested() {
				continue
			}
			if c == nil {
				c = r.Clone()
			}
			c.Set(k, record.TextValue(v.String()))
		}
		if c == nil {
			c = r
		}
		out[i] = c
	}
	return out
}
