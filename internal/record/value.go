// Package record holds the in-memory row model shared by fetchers, transformers
// and storage backends.
//
// Values are decoded once into a closed tagged variant (Value) so that
// sanitizing and type inference switch on Kind instead of inspecting
// arbitrary interface values at every stage.
package record

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// Kind is the tag of a Value.
type Kind uint8

const (
	Null Kind = iota
	Bool
	Int
	Float
	Text
	Nested
)

func (k Kind) String() string {
	switch k {
	case Null:
		return "null"
	case Bool:
		return "bool"
	case Int:
		return "int"
	case Float:
		return "float"
	case Text:
		return "text"
	case Nested:
		return "nested"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Value is one cell. The zero Value is Null.
//
// Nested values keep the decoded JSON structure (map[string]any or []any,
// with json.Number leaves) so they can be flattened or serialized later.
type Value struct {
	kind Kind
	b    bool
	i    int64
	f    float64
	s    string
	n    any
}

func NullValue() Value           { return Value{} }
func BoolValue(b bool) Value     { return Value{kind: Bool, b: b} }
func IntValue(i int64) Value     { return Value{kind: Int, i: i} }
func FloatValue(f float64) Value { return Value{kind: Float, f: f} }
func TextValue(s string) Value   { return Value{kind: Text, s: s} }
func NestedValue(n any) Value    { return Value{kind: Nested, n: n} }

func (v Value) Kind() Kind           { return v.kind }
func (v Value) IsNull() bool         { return v.kind == Null }
func (v Value) IsNested() bool       { return v.kind == Nested }
func (v Value) Bool() (bool, bool)   { return v.b, v.kind == Bool }
func (v Value) Int() (int64, bool)   { return v.i, v.kind == Int }
func (v Value) Text() (string, bool) { return v.s, v.kind == Text }

// Float returns the value as float64. Int values convert losslessly enough for
// the column types we create (DOUBLE PRECISION).
func (v Value) Float() (float64, bool) {
	switch v.kind {
	case Float:
		return v.f, true
	case Int:
		return float64(v.i), true
	default:
		return 0, false
	}
}

// Nested returns the raw decoded structure for Nested values.
func (v Value) Nested() (any, bool) { return v.n, v.kind == Nested }

// Map returns the object behind a Nested value, if it is one.
func (v Value) Map() (map[string]any, bool) {
	if v.kind != Nested {
		return nil, false
	}
	m, ok := v.n.(map[string]any)
	return m, ok
}

// List returns the array behind a Nested value, if it is one.
func (v Value) List() ([]any, bool) {
	if v.kind != Nested {
		return nil, false
	}
	l, ok := v.n.([]any)
	return l, ok
}

// String renders the value as text. Null renders as "", Nested as compact JSON.
func (v Value) String() string {
	switch v.kind {
	case Null:
		return ""
	case Bool:
		return strconv.FormatBool(v.b)
	case Int:
		return strconv.FormatInt(v.i, 10)
	case Float:
		return strconv.FormatFloat(v.f, 'f', -1, 64)
	case Text:
		return v.s
	case Nested:
		b, err := json.Marshal(v.n)
		if err != nil {
			return fmt.Sprint(v.n)
		}
		return string(b)
	default:
		return ""
	}
}

// Any returns the plain Go value: nil, bool, int64, float64, string, or the
// nested structure.
func (v Value) Any() any {
	switch v.kind {
	case Bool:
		return v.b
	case Int:
		return v.i
	case Float:
		return v.f
	case Text:
		return v.s
	case Nested:
		return v.n
	default:
		return nil
	}
}

// Equal reports whether two values have the same kind and content.
// Nested values compare by their JSON serialization.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case Null:
		return true
	case Bool:
		return v.b == o.b
	case Int:
		return v.i == o.i
	case Float:
		return v.f == o.f || (math.IsNaN(v.f) && math.IsNaN(o.f))
	case Text:
		return v.s == o.s
	default:
		return v.String() == o.String()
	}
}

func (v Value) MarshalJSON() ([]byte, error) {
	if v.kind == Null {
		return []byte("null"), nil
	}
	if v.kind == Float && (math.IsNaN(v.f) || math.IsInf(v.f, 0)) {
		return []byte("null"), nil
	}
	return json.Marshal(v.Any())
}

// FromAny converts a decoded JSON value (or a plain Go scalar) into a Value.
//
// json.Number becomes Int when it parses as int64 and Float otherwise.
// Objects and arrays become Nested. Unknown types are rendered as Text.
func FromAny(x any) Value {
	switch t := x.(type) {
	case nil:
		return NullValue()
	case Value:
		return t
	case bool:
		return BoolValue(t)
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return IntValue(i)
		}
		if f, err := t.Float64(); err == nil {
			return FloatValue(f)
		}
		return TextValue(t.String())
	case string:
		return TextValue(t)
	case int:
		return IntValue(int64(t))
	case int32:
		return IntValue(int64(t))
	case int64:
		return IntValue(t)
	case float32:
		return FloatValue(float64(t))
	case float64:
		return FloatValue(t)
	case map[string]any:
		return NestedValue(t)
	case []any:
		return NestedValue(t)
	default:
		return TextValue(fmt.Sprint(t))
	}
}
