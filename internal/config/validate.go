package config

import (
	"fmt"
	"net/url"
	"time"

	"storesync/internal/storage"
	"storesync/internal/transformer"
)

// Severity of a validation Issue.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Issue is one validation finding. Path points at the offending key.
type Issue struct {
	Severity Severity
	Path     string
	Message  string
}

func (i Issue) String() string { return fmt.Sprintf("%s: %s: %s", i.Severity, i.Path, i.Message) }

// HasErrors reports whether any issue is an error.
func HasErrors(issues []Issue) bool {
	for _, i := range issues {
		if i.Severity == SeverityError {
			return true
		}
	}
	return false
}

// Validate checks a defaulted config. It never stops at the first problem.
func Validate(c *Config) []Issue {
	var issues []Issue
	add := func(sev Severity, path, format string, args ...any) {
		issues = append(issues, Issue{Severity: sev, Path: path, Message: fmt.Sprintf(format, args...)})
	}

	if _, err := time.LoadLocation(c.Timezone); err != nil {
		add(SeverityError, "timezone", "unknown timezone %q", c.Timezone)
	}

	uses := map[string]bool{}
	for _, j := range c.Jobs {
		uses[j.Source] = true
	}
	if uses[SourceEcommerce] {
		checkURL(add, "ecommerce.base_url", c.Ecommerce.BaseURL)
		if c.Ecommerce.Token == "" {
			add(SeverityError, "ecommerce.token", "missing token")
		}
		for i, t := range c.Ecommerce.Tenants {
			if !slugOK(t) {
				add(SeverityError, fmt.Sprintf("ecommerce.tenants[%d]", i), "bad tenant slug %q", t)
			}
		}
		if err := storage.ValidateIdent("column", c.Ecommerce.TagField); err != nil {
			add(SeverityError, "ecommerce.tag_field", "%v", err)
		}
	}
	if uses[SourceHelpdesk] {
		checkURL(add, "helpdesk.base_url", c.Helpdesk.BaseURL)
		if c.Helpdesk.Token == "" {
			add(SeverityError, "helpdesk.token", "missing token")
		}
	}

	if len(c.Destinations) == 0 {
		add(SeverityError, "destinations", "no destinations configured")
	}
	seen := map[string]bool{}
	for i, d := range c.Destinations {
		path := fmt.Sprintf("destinations[%d]", i)
		if d.Name == "" {
			add(SeverityError, path+".name", "missing name")
		} else if seen[d.Name] {
			add(SeverityError, path+".name", "duplicate destination %q", d.Name)
		}
		seen[d.Name] = true
		if d.URL == "" {
			add(SeverityError, path+".url", "missing url")
			continue
		}
		if _, err := d.Parse(); err != nil {
			add(SeverityError, path+".url", "%v", err)
		}
	}

	if len(c.Jobs) == 0 {
		add(SeverityWarning, "jobs", "no jobs configured")
	}
	names := map[string]bool{}
	for i, j := range c.Jobs {
		path := fmt.Sprintf("jobs[%d]", i)
		if j.Name == "" {
			add(SeverityError, path+".name", "missing name")
		} else if names[j.Name] {
			add(SeverityError, path+".name", "duplicate job %q", j.Name)
		}
		names[j.Name] = true

		switch j.Source {
		case SourceEcommerce:
			if j.Resource == "" {
				add(SeverityError, path+".resource", "missing resource")
			} else if !slugOK(j.Resource) {
				add(SeverityError, path+".resource", "bad resource %q", j.Resource)
			}
		case SourceHelpdesk:
		default:
			add(SeverityError, path+".source", "unknown source %q", j.Source)
		}
		if !transformer.Known(j.Transform) {
			add(SeverityError, path+".transform", "unknown transform %q (known: %v)", j.Transform, transformer.Names())
		}
		if err := storage.ValidateIdent("schema", j.Schema); err != nil {
			add(SeverityError, path+".schema", "%v", err)
		}
		if j.Transform == transformer.NameIdentity && j.Table != "" {
			if err := storage.ValidateIdent("table", j.Table); err != nil {
				add(SeverityError, path+".table", "%v", err)
			}
		}
		if j.Limit < 0 {
			add(SeverityError, path+".limit", "limit must be positive")
		}
		if j.Since != SinceToday && j.Since != SinceNone {
			add(SeverityError, path+".since", "since must be %q or %q", SinceToday, SinceNone)
		}
	}

	switch c.Metrics.Backend {
	case "", "none", "datadog":
	default:
		add(SeverityWarning, "metrics.backend", "unknown backend %q; metrics disabled", c.Metrics.Backend)
	}
	return issues
}

func checkURL(add func(Severity, string, string, ...any), path, raw string) {
	if raw == "" {
		add(SeverityError, path, "missing url")
		return
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		add(SeverityError, path, "invalid url %q", raw)
	}
}

// slugOK accepts store slugs and resource names: letters, digits, '-' and '_'.
func slugOK(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return false
		}
	}
	return true
}
