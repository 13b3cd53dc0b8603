package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"storesync/internal/logging"
	"storesync/internal/record"
)

// DefaultTagField is the field every fetched record is tagged with.
const DefaultTagField = "shop_slug"

// TenantError records a tenant whose fetch failed. Its partial records are
// discarded.
type TenantError struct {
	Tenant string
	Page   int
	Err    error
}

func (e TenantError) Error() string {
	return fmt.Sprintf("tenant %s page %d: %v", e.Tenant, e.Page, e.Err)
}

func (e TenantError) Unwrap() error { return e.Err }

// Result is the merged output of FetchAll.
type Result struct {
	// Records holds every successful tenant's records, in tenant order then
	// page order.
	Records record.Batch
	// Failures lists the tenants that failed, in tenant order.
	Failures []TenantError
	// Pages is the number of pages read per successful tenant.
	Pages map[string]int
}

// Fetcher pulls one resource for many tenants concurrently.
type Fetcher struct {
	Client *Client
	// Limit is the page size sent as ?limit=.
	Limit int
	// PageDelay is the minimum gap between two page requests of one tenant.
	PageDelay time.Duration
	// TagField defaults to DefaultTagField.
	TagField string
	Log      logrus.FieldLogger
}

// MidnightUTC returns the start of now's calendar day in loc, expressed in
// UTC. A nil loc means UTC.
func MidnightUTC(now time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	local := now.In(loc)
	y, m, d := local.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc).UTC()
}

type tenantOutcome struct {
	records record.Batch
	pages   int
	err     *TenantError
}

// FetchAll runs one worker per tenant. A failing tenant never cancels its
// siblings; it is reported in Result.Failures. since, when non-nil, is sent
// unchanged to every tenant as updated_at_min.
func (f *Fetcher) FetchAll(ctx context.Context, tenants []string, resource string, since *time.Time) Result {
	log := logging.OrDiscard(f.Log).WithField("resource", resource)

	var (
		mu       sync.Mutex
		outcomes = make([]tenantOutcome, len(tenants))
	)

	// Workers return nil so a failure never cancels the group.
	var g errgroup.Group
	g.SetLimit(max(len(tenants), 1))
	for i, tenant := range tenants {
		i, tenant := i, tenant
		g.Go(func() error {
			out := f.fetchTenant(ctx, log.WithField("tenant", tenant), tenant, resource, since)
			mu.Lock()
			outcomes[i] = out
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	res := Result{Pages: map[string]int{}}
	for i, o := range outcomes {
		if o.err != nil {
			res.Failures = append(res.Failures, *o.err)
			continue
		}
		res.Records = append(res.Records, o.records...)
		res.Pages[tenants[i]] = o.pages
	}
	return res
}

func (f *Fetcher) fetchTenant(ctx context.Context, log logrus.FieldLogger, tenant, resource string, since *time.Time) tenantOutcome {
	tag := f.TagField
	if tag == "" {
		tag = DefaultTagField
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 250
	}

	var limiter *rate.Limiter
	if f.PageDelay > 0 {
		limiter = rate.NewLimiter(rate.Every(f.PageDelay), 1)
	}

	var out record.Batch
	start := time.Now()
	for page := 1; ; page++ {
		if limiter != nil {
			// The bucket starts full, so page 1 is not delayed.
			if err := limiter.Wait(ctx); err != nil {
				return tenantOutcome{err: &TenantError{Tenant: tenant, Page: page, Err: err}}
			}
		}

		q := url.Values{}
		q.Set("page", strconv.Itoa(page))
		q.Set("limit", strconv.Itoa(limit))
		if since != nil {
			q.Set("updated_at_min", since.UTC().Format(time.RFC3339))
		}

		var body map[string]any
		if err := f.Client.GetJSON(ctx, tenant+"/"+resource, q, &body); err != nil {
			log.WithError(err).WithField("page", page).Warn("tenant fetch failed; dropping tenant")
			return tenantOutcome{err: &TenantError{Tenant: tenant, Page: page, Err: err}}
		}

		items, err := pageItems(body, resource)
		if err != nil {
			err = &DecodeError{URL: f.Client.URL(tenant+"/"+resource, q), Err: err}
			log.WithError(err).WithField("page", page).Warn("tenant fetch failed; dropping tenant")
			return tenantOutcome{err: &TenantError{Tenant: tenant, Page: page, Err: err}}
		}
		for _, r := range items {
			r.Set(tag, record.TextValue(tenant))
		}
		out = append(out, items...)
		log.Debugf("page %d: %d %s", page, len(items), resource)

		current, last := pageMeta(body, page)
		if current >= last {
			log.Infof("fetched %d %s in %d pages (%s)", len(out), resource, page, time.Since(start).Round(time.Millisecond))
			return tenantOutcome{records: out, pages: page}
		}
	}
}

// pageItems extracts body[resource]. A missing key is an empty page; any
// other non-array or non-object element is an error.
func pageItems(body map[string]any, resource string) (record.Batch, error) {
	raw, ok := body[resource]
	if !ok || raw == nil {
		return nil, nil
	}
	arr, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("%q is %T, want array", resource, raw)
	}
	return record.FromArray(arr)
}

// pageMeta reads meta.current_page and meta.last_page. Missing values default
// to page, which ends pagination.
func pageMeta(body map[string]any, page int) (current, last int) {
	current, last = page, page
	meta, ok := body["meta"].(map[string]any)
	if !ok {
		return current, last
	}
	if v, ok := asInt(meta["current_page"]); ok {
		current = v
	}
	if v, ok := asInt(meta["last_page"]); ok {
		last = v
	}
	return current, last
}

func asInt(v any) (int, bool) {
	switch t := v.(type) {
	case json.Number:
		i, err := t.Int64()
		return int(i), err == nil
	case string:
		i, err := strconv.Atoi(t)
		return i, err == nil
	case float64:
		return int(t), true
	}
	return 0, false
}
