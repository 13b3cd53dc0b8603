package record

import "sort"

// Flatten expands nested objects into dotted top-level fields:
//
//	{"customer": {"id": 7}} -> {"customer.id": 7}
//
// Arrays are left as Nested values, and so are empty objects, so no data is
// dropped. The input record is not modified.
func Flatten(r *Record, sep string) *Record {
	if sep == "" {
		sep = "."
	}
	out := &Record{vals: make(map[string]Value, r.Len())}
	for _, k := range r.Keys() {
		flattenValue(k, r.Get(k), sep, out)
	}
	return out
}

// FlattenBatch applies Flatten to every record.
func FlattenBatch(b Batch, sep string) Batch {
	out := make(Batch, len(b))
	for i, r := range b {
		out[i] = Flatten(r, sep)
	}
	return out
}

func flattenValue(key string, v Value, sep string, out *Record) {
	m, ok := v.Map()
	if !ok || len(m) == 0 {
		out.Set(key, v)
		return
	}

	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		flattenValue(key+sep+k, FromAny(m[k]), sep, out)
	}
}
