// Package fetch talks to the e-commerce REST API: an authenticated JSON client
// and the concurrent multi-tenant paginated fetcher built on it.
package fetch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"storesync/internal/metrics"
	"storesync/internal/record"
)

// maxErrorBody caps how much of a failed response is kept in HTTPError.
const maxErrorBody = 512

// HTTPError is returned for any non-2xx response. Requests are not retried.
type HTTPError struct {
	URL        string
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("GET %s: status %d: %s", e.URL, e.StatusCode, e.Body)
}

// DecodeError is returned when a 2xx body is not the JSON shape expected.
type DecodeError struct {
	URL string
	Err error
}

func (e *DecodeError) Error() string { return fmt.Sprintf("decode %s: %v", e.URL, e.Err) }
func (e *DecodeError) Unwrap() error { return e.Err }

// Client is a small JSON-over-HTTP client.
type Client struct {
	// BaseURL is joined with request paths, e.g. https://accounts.cartpanda.com/api/v3.
	BaseURL string
	// Token, when set, is sent as "Authorization: Bearer <Token>".
	Token string
	// HTTP defaults to NewHTTPClient(30 * time.Second).
	HTTP *http.Client
	// Job labels HTTP metrics.
	Job string
}

// NewHTTPClient returns a client with pooled keep-alive connections and a
// hard per-request timeout.
func NewHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		IdleConnTimeout:     90 * time.Second,
		MaxIdleConns:        64,
		MaxIdleConnsPerHost: 16,
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}
}

// URL builds the absolute request URL for path and query.
func (c *Client) URL(path string, query url.Values) string {
	u := strings.TrimRight(c.BaseURL, "/") + "/" + strings.TrimLeft(path, "/")
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

// GetJSON issues a GET and decodes the body into out with json.Number
// preserved.
func (c *Client) GetJSON(ctx context.Context, path string, query url.Values, out any) error {
	u := c.URL(path, query)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("build request %s: %w", path, err)
	}
	req.Header.Set("Accept", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	hc := c.HTTP
	if hc == nil {
		hc = NewHTTPClient(0)
	}

	start := time.Now()
	resp, err := hc.Do(req)
	if err != nil {
		metrics.RecordHTTP(c.Job, 0, err, time.Since(start), -1)
		return fmt.Errorf("GET %s: %w", redact(u), err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	metrics.RecordHTTP(c.Job, resp.StatusCode, err, time.Since(start), int64(len(body)))
	if err != nil {
		return fmt.Errorf("read %s: %w", redact(u), err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet := string(body)
		if len(snippet) > maxErrorBody {
			snippet = snippet[:maxErrorBody]
		}
		return &HTTPError{URL: redact(u), StatusCode: resp.StatusCode, Body: strings.TrimSpace(snippet)}
	}

	if err := record.DecodeJSON(bytes.NewReader(body), out); err != nil {
		return &DecodeError{URL: redact(u), Err: err}
	}
	return nil
}

// redact hides a token query parameter before a URL reaches logs or errors.
func redact(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	q := u.Query()
	if q.Has("token") {
		q.Set("token", "REDACTED")
		u.RawQuery = q.Encode()
	}
	return u.String()
}
