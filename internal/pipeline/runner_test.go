package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"storesync/internal/fetch"
	"storesync/internal/helpdesk"
	"storesync/internal/record"
	"storesync/internal/storage"
)

type fakeSource struct {
	out Fetched
	err error
}

func (f fakeSource) Fetch(context.Context) (Fetched, error) { return f.out, f.err }

type fakeTransformer struct {
	tables []Table
	err    error
	got    record.Batch
}

func (f *fakeTransformer) Transform(_ context.Context, b record.Batch) ([]Table, error) {
	f.got = b
	return f.tables, f.err
}

type upsertCall struct {
	dest   string
	target storage.Target
	rows   int
}

type fakeDB struct {
	mu     sync.Mutex
	calls  []upsertCall
	closed map[string]bool
	// failTable makes Upsert fail for that table name.
	failTable map[string]string
	failOpen  map[string]bool
}

type fakeUpserter struct {
	db   *fakeDB
	name string
}

func (u *fakeUpserter) Upsert(_ context.Context, target storage.Target, b record.Batch) (storage.Result, error) {
	u.db.mu.Lock()
	defer u.db.mu.Unlock()
	u.db.calls = append(u.db.calls, upsertCall{dest: u.name, target: target, rows: len(b)})
	if u.db.failTable[u.name] == target.Table {
		return storage.Result{}, errors.New("boom")
	}
	if len(b) == 0 {
		return storage.Result{Skipped: true}, nil
	}
	return storage.Result{Rows: int64(len(b))}, nil
}

func (u *fakeUpserter) Close() {
	u.db.mu.Lock()
	defer u.db.mu.Unlock()
	u.db.closed[u.name] = true
}

func (f *fakeDB) Open(_ context.Context, d Destination) (Upserter, error) {
	if f.failOpen[d.Name] {
		return nil, errors.New("connection refused")
	}
	return &fakeUpserter{db: f, name: d.Name}, nil
}

func newFakeDB() *fakeDB {
	return &fakeDB{closed: map[string]bool{}, failTable: map[string]string{}, failOpen: map[string]bool{}}
}

func testRunner(db *fakeDB) *Runner {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	return &Runner{
		Opener:   db,
		Now: func() time.Time {
			now = now.Add(time.Second)
			return now
		},
		NewRunID: func() string { return "run-1" },
	}
}

func rows(n int) record.Batch {
	b := make(record.Batch, n)
	for i := range b {
		b[i] = record.New(record.F("id", i+1), record.F("tags", []any{"x"}))
	}
	return b
}

func TestRunner_CleanRun(t *testing.T) {
	t.Parallel()

	db := newFakeDB()
	tr := &fakeTransformer{tables: []Table{
		{Name: "orders", Key: "id", Rows: rows(3)},
		{Name: "items", Key: "item_id", Rows: rows(2)},
	}}
	var sanitized int
	job := Job{
		Name:        "orders",
		Schema:      "integracao",
		Source:      fakeSource{out: Fetched{Records: rows(3)}},
		Transformer: tr,
		Sanitizer: SanitizerFunc(func(b record.Batch) record.Batch {
			sanitized++
			return b
		}),
		Destinations: []Destination{{Name: "a"}, {Name: "b"}},
	}

	rep := testRunner(db).Run(context.Background(), job)
	if err := rep.Err(); err != nil {
		t.Fatalf("Err: %v", err)
	}
	if rep.RunID != "run-1" || rep.Job != "orders" || rep.Fetched != 3 {
		t.Fatalf("report header: %+v", rep)
	}
	if rep.Duration <= 0 {
		t.Fatalf("duration not recorded: %v", rep.Duration)
	}
	if sanitized != 2 {
		t.Fatalf("sanitizer calls: got %d want 2", sanitized)
	}
	if len(tr.got) != 3 {
		t.Fatalf("transformer got %d records", len(tr.got))
	}
	if rep.Rows() != 10 {
		t.Fatalf("rows: got %d want 10", rep.Rows())
	}

	want := []string{"a/orders", "a/items", "b/orders", "b/items"}
	if len(db.calls) != len(want) {
		t.Fatalf("calls: got %d want %d", len(db.calls), len(want))
	}
	for i, c := range db.calls {
		if got := c.dest + "/" + c.target.Table; got != want[i] {
			t.Fatalf("call %d: got %s want %s", i, got, want[i])
		}
		if c.target.Schema != "integracao" {
			t.Fatalf("schema: got %q", c.target.Schema)
		}
	}
	if db.calls[1].target.KeyColumn != "item_id" {
		t.Fatalf("key column: %q", db.calls[1].target.KeyColumn)
	}
	if !db.closed["a"] || !db.closed["b"] {
		t.Fatalf("destinations not closed: %v", db.closed)
	}
}

func TestRunner_IsolatesFailures(t *testing.T) {
	t.Parallel()

	db := newFakeDB()
	db.failOpen["down"] = true
	db.failTable["b"] = "orders"

	job := Job{
		Name: "orders",
		Source: fakeSource{out: Fetched{
			Records: rows(1),
			Tenants: []fetch.TenantError{{Tenant: "loja-x", Page: 2, Err: errors.New("503")}},
			Tickets: []helpdesk.TicketError{{ID: "7", Err: helpdesk.ErrNotFound}},
		}},
		Transformer: &fakeTransformer{tables: []Table{
			{Name: "orders", Key: "id", Rows: rows(1)},
			{Name: "items", Key: "item_id", Rows: rows(1)},
		}},
		Destinations: []Destination{{Name: "down"}, {Name: "b"}, {Name: "c"}},
	}

	rep := testRunner(db).Run(context.Background(), job)

	units := rep.Units()
	var kinds []string
	for _, u := range units {
		kinds = append(kinds, u.Kind+":"+u.Name)
	}
	if got := strings.Join(kinds, ","); got != "tenant:loja-x,ticket:7,destination:down,table:b/orders" {
		t.Fatalf("units: %s", got)
	}

	err := rep.Err()
	if err == nil {
		t.Fatalf("expected aggregated error")
	}
	if !errors.Is(err, helpdesk.ErrNotFound) {
		t.Fatalf("aggregate should wrap unit errors: %v", err)
	}

	// b still loads items after orders failed, and c runs after b.
	var got []string
	for _, c := range db.calls {
		got = append(got, c.dest+"/"+c.target.Table)
	}
	if strings.Join(got, ",") != "b/orders,b/items,c/orders,c/items" {
		t.Fatalf("calls: %v", got)
	}
	if rep.Destinations[0].Err == nil || len(rep.Destinations[0].Tables) != 0 {
		t.Fatalf("down destination: %+v", rep.Destinations[0])
	}
}

func TestRunner_SourceAndTransformErrorsStopJob(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		src  Source
		tr   Transformer
		kind string
	}{
		{
			name: "fetch",
			src:  fakeSource{err: errors.New("listing failed")},
			tr:   &fakeTransformer{},
			kind: UnitSource,
		},
		{
			name: "transform",
			src:  fakeSource{out: Fetched{Records: rows(1)}},
			tr:   &fakeTransformer{err: errors.New("bad shape")},
			kind: UnitTransform,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			db := newFakeDB()
			rep := testRunner(db).Run(context.Background(), Job{
				Name:         "j",
				Source:       tt.src,
				Transformer:  tt.tr,
				Destinations: []Destination{{Name: "a"}},
			})
			if rep.SourceErr == nil || rep.SourceErr.Kind != tt.kind {
				t.Fatalf("SourceErr: %+v", rep.SourceErr)
			}
			if len(db.calls) != 0 || len(rep.Destinations) != 0 {
				t.Fatalf("destinations must not run")
			}
			if rep.Err() == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestRunner_EmptyFetchStillVisitsDestinations(t *testing.T) {
	t.Parallel()

	db := newFakeDB()
	rep := testRunner(db).Run(context.Background(), Job{
		Name:         "j",
		Source:       fakeSource{},
		Transformer:  &fakeTransformer{tables: []Table{{Name: "orders", Key: "id"}}},
		Destinations: []Destination{{Name: "a"}},
	})
	if err := rep.Err(); err != nil {
		t.Fatalf("Err: %v", err)
	}
	if len(db.calls) != 1 || db.calls[0].rows != 0 {
		t.Fatalf("calls: %+v", db.calls)
	}
	if !rep.Destinations[0].Tables[0].Result.Skipped {
		t.Fatalf("empty table should be skipped")
	}
}

func TestEcommerceSource_ReportsTenantFailures(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/bad/") {
			http.Error(w, "nope", http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"orders":[{"id":1}],"meta":{"current_page":1,"last_page":1}}`)
	}))
	defer srv.Close()

	src := &EcommerceSource{
		Fetcher: &fetch.Fetcher{
			Client: &fetch.Client{BaseURL: srv.URL, Token: "t", HTTP: fetch.NewHTTPClient(5 * time.Second), Job: "orders"},
		},
		Tenants:  []string{"good", "bad"},
		Resource: "orders",
	}
	got, err := src.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(got.Records) != 1 {
		t.Fatalf("records: got %d want 1", len(got.Records))
	}
	if slug, _ := got.Records[0].Get(fetch.DefaultTagField).Text(); slug != "good" {
		t.Fatalf("tag: got %q", slug)
	}
	if len(got.Tenants) != 1 || got.Tenants[0].Tenant != "bad" {
		t.Fatalf("tenant failures: %+v", got.Tenants)
	}
	var herr *fetch.HTTPError
	if !errors.As(got.Tenants[0].Err, &herr) || herr.StatusCode != http.StatusBadGateway {
		t.Fatalf("want *fetch.HTTPError 502, got %v", got.Tenants[0].Err)
	}
}
