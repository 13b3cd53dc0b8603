package main

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"storesync/internal/metrics"
	"storesync/internal/pipeline"
)

// shopAPI serves one page of orders per tenant. Tenants in fail answer 500.
func shopAPI(t *testing.T, fail map[string]bool) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		tenant := strings.Split(strings.Trim(r.URL.Path, "/"), "/")[0]
		if fail[tenant] {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		base := 1
		if tenant == "loja-b" {
			base = 100
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"orders":[
			{"id":%d,"total_price":"10.50","line_items":[{"id":%d,"name":"Mug","quantity":1}],"tags":["a"]},
			{"id":%d,"total_price":"3.00","line_items":[]}
		],"meta":{"current_page":1,"last_page":1}}`, base, base*10, base+1)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func writeConfig(t *testing.T, apiURL, dbPath string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "storesync.yaml")
	body := fmt.Sprintf(`
ecommerce:
  base_url: %s
  token: tok
  tenants: [loja-a, loja-b]
  page_delay: 1ms
  timeout: 5s
destinations:
  - name: local
    url: sqlite:%s
jobs:
  - name: orders
    resource: orders
    since: none
log:
  level: warn
`, apiURL, dbPath)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func count(t *testing.T, dbPath, table string) int {
	t.Helper()
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	defer db.Close()
	var n int
	if err := db.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&n); err != nil {
		t.Fatalf("count %s: %v", table, err)
	}
	return n
}

func TestRun_LoadsSQLite(t *testing.T) {
	t.Parallel()

	dbPath := filepath.Join(t.TempDir(), "wh.db")
	cfg := writeConfig(t, shopAPI(t, nil).URL, dbPath)

	var stderr bytes.Buffer
	code := run(context.Background(), []string{"run", "--config", cfg, "--env-file", ""}, deps{Stderr: &stderr})
	if code != exitOK {
		t.Fatalf("exit: got %d want %d; stderr=%s", code, exitOK, stderr.String())
	}
	if got := count(t, dbPath, "integracao_cartpanda_orders"); got != 4 {
		t.Fatalf("orders: got %d want 4", got)
	}
	if got := count(t, dbPath, "integracao_cartpanda_items"); got != 2 {
		t.Fatalf("items: got %d want 2", got)
	}

	// A second run updates in place.
	if code := run(context.Background(), []string{"run", "orders", "--config", cfg}, deps{Stderr: &stderr}); code != exitOK {
		t.Fatalf("second run exit: %d; stderr=%s", code, stderr.String())
	}
	if got := count(t, dbPath, "integracao_cartpanda_orders"); got != 4 {
		t.Fatalf("orders after rerun: got %d want 4", got)
	}
}

func TestRun_TenantFailureExitsOne(t *testing.T) {
	t.Parallel()

	dbPath := filepath.Join(t.TempDir(), "wh.db")
	cfg := writeConfig(t, shopAPI(t, map[string]bool{"loja-b": true}).URL, dbPath)

	var stderr bytes.Buffer
	code := run(context.Background(), []string{"run", "--config", cfg}, deps{Stderr: &stderr})
	if code != exitFailed {
		t.Fatalf("exit: got %d want %d; stderr=%s", code, exitFailed, stderr.String())
	}
	if !strings.Contains(stderr.String(), "tenant loja-b") {
		t.Fatalf("stderr should name the failed tenant: %s", stderr.String())
	}
	if got := count(t, dbPath, "integracao_cartpanda_orders"); got != 2 {
		t.Fatalf("good tenant rows: got %d want 2", got)
	}
}

func TestRun_DestinationFailureIsolated(t *testing.T) {
	t.Parallel()

	cfg := writeConfig(t, shopAPI(t, nil).URL, filepath.Join(t.TempDir(), "wh.db"))

	var (
		mu     sync.Mutex
		opened []string
	)
	var stderr bytes.Buffer
	code := run(context.Background(), []string{"run", "--config", cfg}, deps{
		Stderr: &stderr,
		OpenDestination: func(_ context.Context, d pipeline.Destination, _ logrus.FieldLogger) (pipeline.Upserter, error) {
			mu.Lock()
			opened = append(opened, d.Name+":"+d.Kind)
			mu.Unlock()
			return nil, errors.New("connection refused")
		},
	})
	if code != exitFailed {
		t.Fatalf("exit: got %d want %d", code, exitFailed)
	}
	if len(opened) != 1 || opened[0] != "local:sqlite" {
		t.Fatalf("opened: %v", opened)
	}
	if !strings.Contains(stderr.String(), "destination local") {
		t.Fatalf("stderr: %s", stderr.String())
	}
}

func TestRun_ConfigErrors(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	bad := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(bad, []byte("jobs: [{name: x, resource: orders, transform: magic}]\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	good := writeConfig(t, "http://127.0.0.1:1", filepath.Join(dir, "wh.db"))

	tests := []struct {
		name string
		args []string
		code int
		out  string
	}{
		{name: "missing_file", args: []string{"run", "--config", filepath.Join(dir, "nope.yaml")}, code: exitConfig},
		{name: "invalid_config", args: []string{"run", "--config", bad}, code: exitConfig, out: "unknown transform"},
		{name: "unknown_job", args: []string{"run", "ghost", "--config", good}, code: exitConfig, out: "unknown job"},
		{name: "bad_flag", args: []string{"run", "--nope"}, code: exitConfig},
		{name: "bad_log_level", args: []string{"run", "--config", good, "--log-level", "loud"}, code: exitConfig},
		{name: "required_env_file", args: []string{"run", "--config", good, "--env-file", filepath.Join(dir, "missing.env")}, code: exitConfig},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var stderr bytes.Buffer
			code := run(context.Background(), tt.args, deps{Stderr: &stderr})
			if code != tt.code {
				t.Fatalf("exit: got %d want %d; stderr=%s", code, tt.code, stderr.String())
			}
			if tt.out != "" && !strings.Contains(stderr.String(), tt.out) {
				t.Fatalf("stderr missing %q: %s", tt.out, stderr.String())
			}
		})
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	good := writeConfig(t, "http://127.0.0.1:1", filepath.Join(dir, "wh.db"))
	bad := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(bad, []byte("destinations: [{name: a, url: 'nope://x'}]\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	var stdout bytes.Buffer
	if code := run(context.Background(), []string{"validate", "--config", good}, deps{Stdout: &stdout}); code != exitOK {
		t.Fatalf("good config exit: %d; out=%s", code, stdout.String())
	}
	if !strings.Contains(stdout.String(), "configuration is valid") {
		t.Fatalf("stdout: %s", stdout.String())
	}

	stdout.Reset()
	if code := run(context.Background(), []string{"validate", "--config", bad}, deps{Stdout: &stdout}); code != exitFailed {
		t.Fatalf("bad config exit: got %d want %d", code, exitFailed)
	}
	if !strings.Contains(stdout.String(), "destinations[0].url") {
		t.Fatalf("stdout should list the url issue: %s", stdout.String())
	}
}

func TestFetch_PrintsJSONLinesWithoutWriting(t *testing.T) {
	t.Parallel()

	dbPath := filepath.Join(t.TempDir(), "wh.db")
	cfg := writeConfig(t, shopAPI(t, nil).URL, dbPath)

	var stdout, stderr bytes.Buffer
	code := run(context.Background(), []string{"fetch", "orders", "--config", cfg}, deps{
		Stdout: &stdout,
		Stderr: &stderr,
		OpenDestination: func(context.Context, pipeline.Destination, logrus.FieldLogger) (pipeline.Upserter, error) {
			t.Errorf("fetch must not open destinations")
			return nil, errors.New("unexpected")
		},
	})
	if code != exitOK {
		t.Fatalf("exit: %d; stderr=%s", code, stderr.String())
	}

	lines := strings.Split(strings.TrimSpace(stdout.String()), "\n")
	if len(lines) != 6 {
		t.Fatalf("lines: got %d want 6\n%s", len(lines), stdout.String())
	}
	var first jsonLine
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if first.Table != "cartpanda_orders" || first.Row["shop_slug"] != "loja-a" {
		t.Fatalf("first line: %+v", first)
	}
	if tags, _ := first.Row["tags"].(string); tags != `["a"]` {
		t.Fatalf("nested values should print sanitized, got %v", first.Row["tags"])
	}
	if _, err := os.Stat(dbPath); err == nil {
		t.Fatalf("fetch created the database file")
	}
}

type recordingBackend struct {
	mu     sync.Mutex
	names  []string
	closed bool
}

func (b *recordingBackend) IncCounter(name string, _ float64, _ metrics.Labels) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.names = append(b.names, name)
}
func (b *recordingBackend) ObserveHistogram(string, float64, metrics.Labels) {}
func (b *recordingBackend) Flush() error                                     { return nil }
func (b *recordingBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

// Installs a process-wide metrics backend, so not parallel.
func TestRun_DatadogBackendWiring(t *testing.T) {
	cfg := writeConfig(t, shopAPI(t, nil).URL, filepath.Join(t.TempDir(), "wh.db"))
	t.Setenv("METRICS_TAGS", "env:test, team:data")

	b := &recordingBackend{}
	var gotTags []string
	code := run(context.Background(), []string{"run", "--config", cfg, "--metrics-backend", "datadog"}, deps{
		NewMetrics: func(_ context.Context, job string, tags []string, _ time.Duration) (backendCloser, error) {
			if job != "storesync" {
				t.Errorf("job name: got %q", job)
			}
			gotTags = tags
			return b, nil
		},
	})
	if code != exitOK {
		t.Fatalf("exit: %d", code)
	}
	if strings.Join(gotTags, ",") != "env:test,team:data" {
		t.Fatalf("tags: %v", gotTags)
	}
	if !b.closed {
		t.Fatalf("backend not closed")
	}
	seen := map[string]bool{}
	for _, n := range b.names {
		seen[n] = true
	}
	for _, want := range []string{metrics.HTTPRequestsTotal, metrics.StepTotal, metrics.RowsTotal} {
		if !seen[want] {
			t.Fatalf("metric %s not recorded; got %v", want, b.names)
		}
	}
}
