package metrics

import (
	"errors"
	"sync"
	"testing"
	"time"
)

type call struct {
	kind   string
	name   string
	value  float64
	labels Labels
}

type fakeBackend struct {
	mu    sync.Mutex
	calls []call
}

func (f *fakeBackend) IncCounter(name string, delta float64, labels Labels) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{"counter", name, delta, labels})
}

func (f *fakeBackend) ObserveHistogram(name string, value float64, labels Labels) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{"histogram", name, value, labels})
}

func (f *fakeBackend) Flush() error { return nil }

func (f *fakeBackend) find(name string) []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []call
	for _, c := range f.calls {
		if c.name == name {
			out = append(out, c)
		}
	}
	return out
}

// These tests swap the process-wide backend, so they do not run in parallel.

func TestRecordHTTP_ErrorsAndStatusLabels(t *testing.T) {
	fb := &fakeBackend{}
	SetBackend(fb)
	defer SetBackend(nil)

	RecordHTTP("orders", 200, nil, 150*time.Millisecond, 1024)
	RecordHTTP("orders", 0, errors.New("dial"), 0, -1)
	RecordHTTP("orders", 503, nil, time.Second, 10)

	reqs := fb.find(HTTPRequestsTotal)
	if len(reqs) != 3 {
		t.Fatalf("requests: got %d want 3", len(reqs))
	}
	if reqs[1].labels["status"] != "error" {
		t.Fatalf("status label for transport error: got %q", reqs[1].labels["status"])
	}

	errs := fb.find(HTTPErrorsTotal)
	if len(errs) != 2 {
		t.Fatalf("errors: got %d want 2", len(errs))
	}

	if got := len(fb.find(HTTPResponseBytes)); got != 2 {
		t.Fatalf("bytes observations: got %d want 2", got)
	}
}

func TestRecordRows_IgnoresEmpty(t *testing.T) {
	fb := &fakeBackend{}
	SetBackend(fb)
	defer SetBackend(nil)

	RecordRows("orders", "cartpanda_orders", 0)
	RecordRows("orders", "cartpanda_orders", 5)

	rows := fb.find(RowsTotal)
	if len(rows) != 1 || rows[0].value != 5 {
		t.Fatalf("rows: got %+v", rows)
	}
}

func TestSetBackend_NilRestoresNop(t *testing.T) {
	SetBackend(nil)
	RecordStep("job", "fetch", "ok", time.Second)
	if err := Flush(); err != nil {
		t.Fatalf("nop flush: %v", err)
	}
}
