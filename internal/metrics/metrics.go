// Package metrics is the backend-neutral metrics seam.
//
// Pipeline code calls the helpers in this package; a process installs one
// Backend at startup with SetBackend (the default discards everything).
package metrics

import (
	"strconv"
	"sync"
	"time"
)

// Labels are metric dimensions.
type Labels map[string]string

// Backend receives metric observations. Implementations must be safe for
// concurrent use.
type Backend interface {
	IncCounter(name string, delta float64, labels Labels)
	ObserveHistogram(name string, value float64, labels Labels)
	Flush() error
}

// Metric names understood by the backends.
const (
	StepTotal           = "storesync_step_total"
	StepDuration        = "storesync_step_duration_seconds"
	RowsTotal           = "storesync_rows_total"
	UnitFailuresTotal   = "storesync_unit_failures_total"
	HTTPRequestsTotal   = "storesync_http_requests_total"
	HTTPErrorsTotal     = "storesync_http_errors_total"
	HTTPRequestDuration = "storesync_http_request_duration_seconds"
	HTTPResponseBytes   = "storesync_http_response_bytes"
)

type nopBackend struct{}

func (nopBackend) IncCounter(string, float64, Labels)       {}
func (nopBackend) ObserveHistogram(string, float64, Labels) {}
func (nopBackend) Flush() error                             { return nil }

var (
	mu      sync.RWMutex
	backend Backend = nopBackend{}
)

// SetBackend installs b as the process-wide backend. A nil b restores the
// no-op backend.
func SetBackend(b Backend) {
	mu.Lock()
	defer mu.Unlock()
	if b == nil {
		backend = nopBackend{}
		return
	}
	backend = b
}

func current() Backend {
	mu.RLock()
	defer mu.RUnlock()
	return backend
}

// Flush flushes the installed backend.
func Flush() error { return current().Flush() }

// RecordStep counts one pipeline step outcome and its duration.
func RecordStep(job, step, status string, dur time.Duration) {
	l := Labels{"job": job, "step": step, "status": status}
	b := current()
	b.IncCounter(StepTotal, 1, l)
	b.ObserveHistogram(StepDuration, dur.Seconds(), l)
}

// RecordRows counts rows written to a table.
func RecordRows(job, table string, n int) {
	if n <= 0 {
		return
	}
	current().IncCounter(RowsTotal, float64(n), Labels{"job": job, "table": table})
}

// RecordUnitFailure counts a failed isolation unit (tenant, ticket,
// destination or table).
func RecordUnitFailure(job, unit string) {
	current().IncCounter(UnitFailuresTotal, 1, Labels{"job": job, "unit": unit})
}

// RecordHTTP records one HTTP request. status is 0 when no response was
// received; bytes < 0 means unknown.
func RecordHTTP(job string, status int, err error, reqDur time.Duration, bytes int64) {
	st := "error"
	if status > 0 {
		st = strconv.Itoa(status)
	}
	l := Labels{"job": job, "status": st}

	b := current()
	b.IncCounter(HTTPRequestsTotal, 1, l)
	if err != nil || status == 0 || status >= 400 {
		b.IncCounter(HTTPErrorsTotal, 1, l)
	}
	if reqDur > 0 {
		b.ObserveHistogram(HTTPRequestDuration, reqDur.Seconds(), l)
	}
	if bytes >= 0 {
		b.ObserveHistogram(HTTPResponseBytes, float64(bytes), l)
	}
}
