package storage

import (
	"context"
	"errors"
	"strings"
	"testing"

	"storesync/internal/logging"
	"storesync/internal/record"
)

func TestInferColumns(t *testing.T) {
	t.Parallel()

	b := record.Batch{
		record.New(record.F("id", 1), record.F("amount", 1), record.F("paid", true), record.F("note", nil), record.F("mixed", 1)),
		record.New(record.F("id", 2), record.F("amount", 2.5), record.F("paid", false), record.F("note", nil), record.F("mixed", "x")),
	}
	cols := InferColumns(b)

	want := map[string]ColumnType{
		"id":     TypeBigInt,
		"amount": TypeDouble,
		"paid":   TypeBoolean,
		"note":   TypeText,
		"mixed":  TypeText,
	}
	if len(cols) != len(want) {
		t.Fatalf("columns: got %d want %d", len(cols), len(want))
	}
	for _, c := range cols {
		if c.Type != want[c.Name] {
			t.Fatalf("%s: got %v want %v", c.Name, c.Type, want[c.Name])
		}
	}
	if strings.Join(ColumnNames(cols), ",") != "id,amount,paid,note,mixed" {
		t.Fatalf("order: got %v", ColumnNames(cols))
	}
}

func TestBind(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		v    record.Value
		t    ColumnType
		want any
	}{
		{name: "null", v: record.NullValue(), t: TypeBigInt, want: nil},
		{name: "int", v: record.IntValue(7), t: TypeBigInt, want: int64(7)},
		{name: "int_as_double", v: record.IntValue(7), t: TypeDouble, want: float64(7)},
		{name: "bool", v: record.BoolValue(true), t: TypeBoolean, want: true},
		{name: "int_as_text", v: record.IntValue(7), t: TypeText, want: "7"},
		{name: "float_as_text", v: record.FloatValue(1.25), t: TypeText, want: "1.25"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := Bind(tt.v, tt.t); got != tt.want {
				t.Fatalf("Bind: got %#v want %#v", got, tt.want)
			}
		})
	}
}

func TestPrepare_DropsNullKeysAndDuplicates(t *testing.T) {
	t.Parallel()

	b := record.Batch{
		record.New(record.F("id", 1), record.F("v", "a")),
		record.New(record.F("id", nil), record.F("v", "null-key")),
		record.New(record.F("id", 2), record.F("v", "b")),
		record.New(record.F("id", 1), record.F("v", "a2")),
		record.New(record.F("v", "absent-key")),
	}
	p, err := Prepare(Target{Schema: "s", Table: "t", KeyColumn: "id"}, b)
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if p.DroppedNullKeys != 2 {
		t.Fatalf("null keys: got %d want 2", p.DroppedNullKeys)
	}
	if p.DroppedDuplicates != 1 {
		t.Fatalf("duplicates: got %d want 1", p.DroppedDuplicates)
	}
	if len(p.Rows) != 2 {
		t.Fatalf("rows: got %d want 2", len(p.Rows))
	}
	if p.Rows[0][0] != int64(1) || p.Rows[0][1] != "a2" {
		t.Fatalf("last occurrence should win: got %v", p.Rows[0])
	}
}

func TestPrepare_Errors(t *testing.T) {
	t.Parallel()

	good := Target{Schema: "s", Table: "t", KeyColumn: "id"}

	_, err := Prepare(Target{Schema: "s;drop", Table: "t", KeyColumn: "id"}, nil)
	var ie *IdentError
	if !errors.As(err, &ie) || ie.Kind != "schema" {
		t.Fatalf("bad schema: got %v", err)
	}

	_, err = Prepare(good, record.Batch{record.New(record.F("id", 1), record.F("bad col", 1))})
	if !errors.As(err, &ie) || ie.Name != "bad col" {
		t.Fatalf("bad column: got %v", err)
	}

	p, err := Prepare(good, record.Batch{record.New(record.F("id", nil))})
	if err != nil || !p.Empty() {
		t.Fatalf("all-null keys: got %+v, %v", p, err)
	}
}

func TestValidateIdent(t *testing.T) {
	t.Parallel()

	for _, ok := range []string{"orders", "cartpanda_orders", "A1_b2"} {
		if err := ValidateIdent("table", ok); err != nil {
			t.Fatalf("%q: unexpected %v", ok, err)
		}
	}
	for _, bad := range []string{"", "a.b", "a-b", `a"b`, "a b", "tábua"} {
		if err := ValidateIdent("table", bad); err == nil {
			t.Fatalf("%q: expected error", bad)
		}
	}
}

func TestRunLadder(t *testing.T) {
	t.Parallel()

	steps := []LadderStep{
		{Name: GuaranteePrimaryKey, SQL: "pk"},
		{Name: GuaranteeConstraint, SQL: "uk"},
		{Name: GuaranteeIndex, SQL: "idx"},
	}

	var tried []string
	got, err := RunLadder(context.Background(), logging.Discard(), "t", "id", steps, func(_ context.Context, s LadderStep) error {
		tried = append(tried, s.SQL)
		if s.SQL == "idx" {
			return nil
		}
		return errors.New("nope")
	})
	if err != nil || got != GuaranteeIndex {
		t.Fatalf("RunLadder: got %q, %v", got, err)
	}
	if strings.Join(tried, ",") != "pk,uk,idx" {
		t.Fatalf("tried: got %v", tried)
	}

	boom := errors.New("boom")
	_, err = RunLadder(context.Background(), logging.Discard(), "t", "id", steps, func(context.Context, LadderStep) error { return boom })
	var le *LadderError
	if !errors.As(err, &le) || len(le.Attempts) != 3 {
		t.Fatalf("expected LadderError with 3 attempts, got %v", err)
	}
	if !errors.Is(err, boom) {
		t.Fatalf("LadderError should wrap attempts")
	}
}

type fakeUpserter struct{ closed bool }

func (f *fakeUpserter) Upsert(context.Context, Target, record.Batch) (Result, error) {
	return Result{}, nil
}
func (f *fakeUpserter) Close() { f.closed = true }

func TestRegisterAndOpen(t *testing.T) {
	Register("fake-test", func(ctx context.Context, cfg Config) (Upserter, error) {
		if cfg.DSN == "" {
			return nil, errors.New("empty dsn")
		}
		return &fakeUpserter{}, nil
	})

	if _, err := Open(context.Background(), Config{Kind: "fake-test", DSN: "x"}); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := Open(context.Background(), Config{Kind: "fake-test"}); err == nil {
		t.Fatalf("expected factory error")
	}
	if _, err := Open(context.Background(), Config{Kind: "nope"}); err == nil {
		t.Fatalf("expected unsupported kind error")
	}
	if _, err := Open(context.Background(), Config{}); err == nil {
		t.Fatalf("expected missing kind error")
	}

	defer func() {
		if recover() == nil {
			t.Fatalf("duplicate Register should panic")
		}
	}()
	Register("fake-test", func(context.Context, Config) (Upserter, error) { return nil, nil })
}
