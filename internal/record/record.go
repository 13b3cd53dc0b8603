package record

// Field is one name/value pair, used to build records in order.
type Field struct {
	Name  string
	Value Value
}

// F builds a Field from a plain Go value (see FromAny).
func F(name string, v any) Field {
	return Field{Name: name, Value: FromAny(v)}
}

// Record is an ordered mapping from field name to Value.
//
// Keys() preserves first-insertion order so that tables created from a batch
// get a stable column order. A missing field reads as Null.
type Record struct {
	keys []string
	vals map[string]Value
}

// New returns a record holding fields in the given order. Later duplicates
// overwrite earlier values but keep the original position.
func New(fields ...Field) *Record {
	r := &Record{
		keys: make([]string, 0, len(fields)),
		vals: make(map[string]Value, len(fields)),
	}
	for _, f := range fields {
		r.Set(f.Name, f.Value)
	}
	return r
}

// Set assigns a value, appending the key if it is new.
func (r *Record) Set(name string, v Value) {
	if r.vals == nil {
		r.vals = make(map[string]Value)
	}
	if _, ok := r.vals[name]; !ok {
		r.keys = append(r.keys, name)
	}
	r.vals[name] = v
}

// Get returns the value for name, or Null when absent.
func (r *Record) Get(name string) Value {
	if r == nil {
		return NullValue()
	}
	return r.vals[name]
}

// Lookup reports whether name is present.
func (r *Record) Lookup(name string) (Value, bool) {
	if r == nil {
		return NullValue(), false
	}
	v, ok := r.vals[name]
	return v, ok
}

// Keys returns field names in insertion order. The slice must not be modified.
func (r *Record) Keys() []string {
	if r == nil {
		return nil
	}
	return r.keys
}

func (r *Record) Len() int {
	if r == nil {
		return 0
	}
	return len(r.keys)
}

// Delete removes name if present.
func (r *Record) Delete(name string) {
	if _, ok := r.vals[name]; !ok {
		return
	}
	delete(r.vals, name)
	for i, k := range r.keys {
		if k == name {
			r.keys = append(r.keys[:i:i], r.keys[i+1:]...)
			break
		}
	}
}

// Rename moves the value under from to to, keeping from's position.
// If to already exists it is replaced.
func (r *Record) Rename(from, to string) {
	v, ok := r.vals[from]
	if !ok || from == to {
		return
	}
	if _, exists := r.vals[to]; exists {
		r.Delete(to)
	}
	delete(r.vals, from)
	r.vals[to] = v
	for i, k := range r.keys {
		if k == from {
			r.keys[i] = to
			break
		}
	}
}

// Clone returns an independent copy. Nested structures are shared; records
// never mutate them in place.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	out := &Record{
		keys: append([]string(nil), r.keys...),
		vals: make(map[string]Value, len(r.vals)),
	}
	for k, v := range r.vals {
		out.vals[k] = v
	}
	return out
}

// Map returns the record as plain Go values, for JSON output.
func (r *Record) Map() map[string]any {
	out := make(map[string]any, r.Len())
	for _, k := range r.Keys() {
		out[k] = r.vals[k].Any()
	}
	return out
}

// Batch is an ordered sequence of records sharing a mostly uniform field set.
type Batch []*Record

// Columns returns the union of field names in first-seen order.
func (b Batch) Columns() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, r := range b {
		for _, k := range r.Keys() {
			if _, ok := seen[k]; ok {
				continue
			}
			seen[k] = struct{}{}
			out = append(out, k)
		}
	}
	return out
}

// Column returns every row's value for name, Null where absent.
func (b Batch) Column(name string) []Value {
	out := make([]Value, len(b))
	for i, r := range b {
		out[i] = r.Get(name)
	}
	return out
}
