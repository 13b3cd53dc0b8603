package storage

import (
	"fmt"

	"storesync/internal/record"
)

// Prepared is a batch reduced to what gets written: validated columns and
// bound row values in column order.
type Prepared struct {
	Columns           []Column
	Rows              [][]any
	DroppedNullKeys   int
	DroppedDuplicates int
}

// Prepare validates identifiers, drops rows whose key is null, and reduces
// duplicate keys to the last occurrence (kept at the first occurrence's
// position). Column types are inferred from the surviving rows.
func Prepare(t Target, b record.Batch) (Prepared, error) {
	if err := t.Validate(); err != nil {
		return Prepared{}, err
	}

	var p Prepared
	kept := make(record.Batch, 0, len(b))
	pos := make(map[string]int, len(b))
	for _, r := range b {
		if r == nil {
			continue
		}
		k := r.Get(t.KeyColumn)
		if k.IsNull() {
			p.DroppedNullKeys++
			continue
		}
		nk := NormalizeKey(k)
		if i, seen := pos[nk]; seen {
			kept[i] = r
			p.DroppedDuplicates++
			continue
		}
		pos[nk] = len(kept)
		kept = append(kept, r)
	}
	if len(kept) == 0 {
		return p, nil
	}

	p.Columns = InferColumns(kept)
	hasKey := false
	for _, c := range p.Columns {
		if err := ValidateIdent("column", c.Name); err != nil {
			return Prepared{}, fmt.Errorf("%s: %w", t, err)
		}
		if c.Name == t.KeyColumn {
			hasKey = true
		}
	}
	if !hasKey {
		return Prepared{}, fmt.Errorf("%s: key column %q not in batch", t, t.KeyColumn)
	}

	p.Rows = make([][]any, len(kept))
	for i, r := range kept {
		row := make([]any, len(p.Columns))
		for j, c := range p.Columns {
			row[j] = Bind(r.Get(c.Name), c.Type)
		}
		p.Rows[i] = row
	}
	return p, nil
}

// Empty reports whether there is nothing to write.
func (p Prepared) Empty() bool { return len(p.Rows) == 0 }

// NormalizeKey converts a key value to the canonical string used to detect
// duplicates (e.g. Int 42 and Float 42 both become "42").
func NormalizeKey(v record.Value) string {
	return v.String()
}
