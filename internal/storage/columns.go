package storage

import "storesync/internal/record"

// ColumnType is the portable column type inferred from a batch. Backends map
// it to their own DDL spelling.
type ColumnType int

const (
	TypeText ColumnType = iota
	TypeBigInt
	TypeDouble
	TypeBoolean
)

func (t ColumnType) String() string {
	switch t {
	case TypeBigInt:
		return "BIGINT"
	case TypeDouble:
		return "DOUBLE PRECISION"
	case TypeBoolean:
		return "BOOLEAN"
	default:
		return "TEXT"
	}
}

// Column is one inferred destination column.
type Column struct {
	Name string
	Type ColumnType
}

// InferColumns derives one Column per batch field, in first-seen order.
//
//	all non-null Int          -> BIGINT
//	Int and Float mixed       -> DOUBLE PRECISION
//	all non-null Bool         -> BOOLEAN
//	anything else, or no data -> TEXT
func InferColumns(b record.Batch) []Column {
	names := b.Columns()
	out := make([]Column, 0, len(names))
	for _, name := range names {
		out = append(out, Column{Name: name, Type: inferType(b.Column(name))})
	}
	return out
}

func inferType(vals []record.Value) ColumnType {
	var ints, floats, bools, other int
	for _, v := range vals {
		switch v.Kind() {
		case record.Null:
		case record.Int:
			ints++
		case record.Float:
			floats++
		case record.Bool:
			bools++
		default:
			other++
		}
	}
	switch {
	case other > 0:
		return TypeText
	case bools > 0 && ints+floats == 0:
		return TypeBoolean
	case bools > 0:
		return TypeText
	case floats > 0:
		return TypeDouble
	case ints > 0:
		return TypeBigInt
	default:
		return TypeText
	}
}

// Bind converts v into the driver argument for a column of type t. Null is
// always nil; a value that does not fit t is bound as its text form.
func Bind(v record.Value, t ColumnType) any {
	if v.IsNull() {
		return nil
	}
	switch t {
	case TypeBigInt:
		if i, ok := v.Int(); ok {
			return i
		}
	case TypeDouble:
		if f, ok := v.Float(); ok {
			return f
		}
	case TypeBoolean:
		if b, ok := v.Bool(); ok {
			return b
		}
	}
	return v.String()
}

// ColumnNames returns the names of cols in order.
func ColumnNames(cols []Column) []string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = c.Name
	}
	return out
}

// KeyType returns the type of the key column in cols, or TypeText when absent.
func KeyType(cols []Column, key string) ColumnType {
	for _, c := range cols {
		if c.Name == key {
			return c.Type
		}
	}
	return TypeText
}
