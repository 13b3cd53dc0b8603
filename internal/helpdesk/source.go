// Package helpdesk reads tickets from an OData-style helpdesk API.
//
// The list endpoint only returns ids cheaply, so a sync is two passes: page
// through ids with $top/$skip, then fetch each ticket by id. One broken ticket
// is skipped and reported; a broken listing aborts the source.
package helpdesk

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"storesync/internal/fetch"
	"storesync/internal/logging"
	"storesync/internal/record"
)

// Defaults match the API's documented limits.
const (
	DefaultPageSize    = 500
	DefaultListDelay   = 400 * time.Millisecond
	DefaultDetailDelay = 200 * time.Millisecond
)

// ErrNotFound is recorded when a detail request returns no ticket.
var ErrNotFound = errors.New("ticket not found")

// TicketError records a ticket whose detail fetch failed.
type TicketError struct {
	ID  string
	Err error
}

func (e TicketError) Error() string { return fmt.Sprintf("ticket %s: %v", e.ID, e.Err) }
func (e TicketError) Unwrap() error { return e.Err }

// Source fetches tickets. The token is sent as a query parameter.
type Source struct {
	Client      *fetch.Client
	Token       string
	PageSize    int
	ListDelay   time.Duration
	DetailDelay time.Duration
	Log         logrus.FieldLogger
}

// DefaultFilter selects tickets created or updated after since. A nil since
// means no filter.
func DefaultFilter(since *time.Time) string {
	if since == nil {
		return ""
	}
	ts := since.UTC().Format(time.RFC3339)
	return fmt.Sprintf("createdDate gt %s or lastUpdate gt %s", ts, ts)
}

// FetchTickets lists ticket ids matching filter, newest first, then fetches
// each ticket. The returned error is non-nil only when listing failed.
func (s *Source) FetchTickets(ctx context.Context, filter string) (record.Batch, []TicketError, error) {
	log := logging.OrDiscard(s.Log)

	ids, err := s.ListIDs(ctx, filter)
	if err != nil {
		return nil, nil, err
	}
	log.Infof("listed %d ticket ids", len(ids))

	limiter := newLimiter(s.DetailDelay, DefaultDetailDelay)
	var (
		out      record.Batch
		failures []TicketError
	)
	for i, id := range ids {
		if err := limiter.Wait(ctx); err != nil {
			return out, failures, err
		}
		r, err := s.Ticket(ctx, id)
		if err != nil {
			log.WithError(err).WithField("ticket", id).Warnf("[%d/%d] ticket failed; skipping", i+1, len(ids))
			failures = append(failures, TicketError{ID: id, Err: err})
			continue
		}
		out = append(out, r)
		log.WithField("ticket", id).Debugf("[%d/%d] ticket loaded", i+1, len(ids))
	}
	return out, failures, nil
}

// ListIDs pages through "tickets?$select=id" until an empty page. Duplicate
// ids (rows shifting between pages) are kept once.
func (s *Source) ListIDs(ctx context.Context, filter string) ([]string, error) {
	top := s.PageSize
	if top <= 0 {
		top = DefaultPageSize
	}
	limiter := newLimiter(s.ListDelay, DefaultListDelay)

	var ids []string
	seen := map[string]bool{}
	for skip := 0; ; skip += top {
		if err := limiter.Wait(ctx); err != nil {
			return nil, err
		}

		q := url.Values{}
		q.Set("token", s.Token)
		q.Set("$select", "id")
		if filter != "" {
			q.Set("$filter", filter)
		}
		q.Set("$orderby", "id desc")
		q.Set("$top", strconv.Itoa(top))
		q.Set("$skip", strconv.Itoa(skip))

		var page []any
		if err := s.Client.GetJSON(ctx, "tickets", q, &page); err != nil {
			return nil, fmt.Errorf("list tickets (skip=%d): %w", skip, err)
		}
		if len(page) == 0 {
			return ids, nil
		}
		for _, item := range page {
			m, ok := item.(map[string]any)
			if !ok {
				continue
			}
			v := record.FromAny(m["id"])
			if v.IsNull() {
				continue
			}
			id := v.String()
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}
}

// Ticket fetches one ticket. The API answers with either a one-element list
// or a bare object.
func (s *Source) Ticket(ctx context.Context, id string) (*record.Record, error) {
	q := url.Values{}
	q.Set("token", s.Token)
	q.Set("id", id)

	var body any
	if err := s.Client.GetJSON(ctx, "tickets", q, &body); err != nil {
		return nil, err
	}
	switch t := body.(type) {
	case []any:
		if len(t) == 0 {
			return nil, ErrNotFound
		}
		m, ok := t[0].(map[string]any)
		if !ok {
			return nil, fmt.Errorf("ticket %s: element is %T, want object", id, t[0])
		}
		return record.FromObject(m), nil
	case map[string]any:
		return record.FromObject(t), nil
	case nil:
		return nil, ErrNotFound
	default:
		return nil, fmt.Errorf("ticket %s: body is %T, want object or list", id, body)
	}
}

// newLimiter spaces successive calls by d (or def when d is zero). A negative
// d disables spacing. The first call never waits.
func newLimiter(d, def time.Duration) *rate.Limiter {
	if d == 0 {
		d = def
	}
	if d < 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(d), 1)
}
