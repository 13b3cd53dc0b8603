package record

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
)

// DecodeJSON decodes one JSON document from r into out, keeping numbers as
// json.Number so integers survive without float rounding.
func DecodeJSON(r io.Reader, out any) error {
	dec := json.NewDecoder(r)
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return err
	}
	return nil
}

// FromObject converts a decoded JSON object into a Record.
//
// JSON object order is not preserved by encoding/json, so keys are sorted to
// keep column order stable across runs.
func FromObject(m map[string]any) *Record {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	r := &Record{
		keys: make([]string, 0, len(keys)),
		vals: make(map[string]Value, len(keys)),
	}
	for _, k := range keys {
		r.Set(k, FromAny(m[k]))
	}
	return r
}

// FromArray converts a decoded JSON array of objects into a Batch.
// null elements are skipped; any other non-object element is an error.
func FromArray(arr []any) (Batch, error) {
	out := make(Batch, 0, len(arr))
	for i, el := range arr {
		switch t := el.(type) {
		case nil:
			continue
		case map[string]any:
			out = append(out, FromObject(t))
		default:
			return nil, fmt.Errorf("element %d: want object, got %T", i, el)
		}
	}
	return out, nil
}
