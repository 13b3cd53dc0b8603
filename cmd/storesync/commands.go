package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"storesync/internal/config"
	"storesync/internal/fetch"
	"storesync/internal/helpdesk"
	"storesync/internal/pipeline"
	"storesync/internal/transformer"
)

func (a *app) runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run [job...]",
		Short: "Run every configured job, or only the named ones",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, log, err := a.loadValid()
			if err != nil {
				return err
			}
			jobs, err := selectJobs(cfg, args)
			if err != nil {
				return exitWith(exitConfig, "%v", err)
			}
			dests, err := destinations(cfg, log)
			if err != nil {
				return exitWith(exitConfig, "%v", err)
			}

			closeMetrics := a.setupMetrics(ctx, cfg, log)
			defer closeMetrics()

			runner := &pipeline.Runner{
				Opener: pipeline.OpenerFunc(func(ctx context.Context, d pipeline.Destination) (pipeline.Upserter, error) {
					return a.d.OpenDestination(ctx, d, log.WithField("destination", d.Name))
				}),
				Log: log,
				Now: a.d.Now,
			}

			failed := 0
			for _, j := range jobs {
				pj, err := buildJob(cfg, j, dests, log, a.d.Now)
				if err != nil {
					return exitWith(exitConfig, "job %s: %v", j.Name, err)
				}
				rep := runner.Run(ctx, pj)
				if err := rep.Err(); err != nil {
					failed++
					fmt.Fprintf(a.d.Stderr, "job %s (run %s) failed:\n%v\n", j.Name, rep.RunID, err)
					continue
				}
				log.WithFields(logrus.Fields{"job": j.Name, "run_id": rep.RunID}).
					Infof("job ok rows=%d duration=%s", rep.Rows(), rep.Duration.Round(time.Millisecond))
			}
			if failed > 0 {
				return exitWith(exitFailed, "%d of %d jobs had failures", failed, len(jobs))
			}
			return nil
		},
	}
}

func (a *app) validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the config file and print every issue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := a.load()
			if err != nil {
				return err
			}
			issues := config.Validate(cfg)
			for _, iss := range issues {
				fmt.Fprintln(a.d.Stdout, iss)
			}
			if config.HasErrors(issues) {
				return exitWith(exitFailed, "configuration is invalid: %s", a.cfgPath)
			}
			fmt.Fprintf(a.d.Stdout, "configuration is valid: %s (%d jobs, %d destinations)\n",
				a.cfgPath, len(cfg.Jobs), len(cfg.Destinations))
			return nil
		},
	}
}

func (a *app) fetchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fetch <job>",
		Short: "Fetch and transform one job and print its rows as JSON lines; writes nothing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, log, err := a.loadValid()
			if err != nil {
				return err
			}
			jobs, err := selectJobs(cfg, args)
			if err != nil {
				return exitWith(exitConfig, "%v", err)
			}
			pj, err := buildJob(cfg, jobs[0], nil, log, a.d.Now)
			if err != nil {
				return exitWith(exitConfig, "job %s: %v", jobs[0].Name, err)
			}

			fetched, err := pj.Source.Fetch(ctx)
			if err != nil {
				return exitWith(exitFailed, "fetch: %v", err)
			}
			tables, err := pj.Transformer.Transform(ctx, fetched.Records)
			if err != nil {
				return exitWith(exitFailed, "transform: %v", err)
			}

			enc := json.NewEncoder(a.d.Stdout)
			for _, t := range tables {
				for _, r := range pj.Sanitizer.Sanitize(t.Rows) {
					if err := enc.Encode(jsonLine{Table: t.Name, Row: r.Map()}); err != nil {
						return exitWith(exitFailed, "write: %v", err)
					}
				}
			}

			for _, te := range fetched.Tenants {
				fmt.Fprintln(a.d.Stderr, te)
			}
			for _, te := range fetched.Tickets {
				fmt.Fprintln(a.d.Stderr, te)
			}
			if len(fetched.Tenants)+len(fetched.Tickets) > 0 {
				return exitWith(exitFailed, "%d units failed", len(fetched.Tenants)+len(fetched.Tickets))
			}
			return nil
		},
	}
}

// jsonLine is one row printed by fetch.
type jsonLine struct {
	Table string         `json:"table"`
	Row   map[string]any `json:"row"`
}

func selectJobs(cfg *config.Config, names []string) ([]config.Job, error) {
	if len(names) == 0 {
		if len(cfg.Jobs) == 0 {
			return nil, fmt.Errorf("no jobs configured")
		}
		return cfg.Jobs, nil
	}
	out := make([]config.Job, 0, len(names))
	for _, n := range names {
		j, ok := cfg.Job(n)
		if !ok {
			return nil, fmt.Errorf("unknown job %q", n)
		}
		out = append(out, j)
	}
	return out, nil
}

func destinations(cfg *config.Config, log logrus.FieldLogger) ([]pipeline.Destination, error) {
	out := make([]pipeline.Destination, 0, len(cfg.Destinations))
	for _, d := range cfg.Destinations {
		p, err := d.Parse()
		if err != nil {
			return nil, err
		}
		log.WithField("destination", p.Name).Debugf("destination kind=%s url=%s", p.Kind, p.Redacted)
		out = append(out, pipeline.Destination{Name: p.Name, Kind: p.Kind, DSN: p.DSN})
	}
	return out, nil
}

// buildJob wires sources and transforms for one configured job. since is
// computed here, once, and shared by every tenant.
func buildJob(cfg *config.Config, j config.Job, dests []pipeline.Destination, log logrus.FieldLogger, now func() time.Time) (pipeline.Job, error) {
	loc, err := cfg.Location()
	if err != nil {
		return pipeline.Job{}, err
	}
	jlog := log.WithField("job", j.Name)

	var since *time.Time
	if j.Since == config.SinceToday {
		s := fetch.MidnightUTC(now(), loc)
		since = &s
	}

	tr, err := transformer.New(j.Transform, transformer.Options{
		Now:      now,
		Location: loc,
		Log:      jlog,
		TagField: cfg.Ecommerce.TagField,
		Table:    j.Table,
		Key:      j.Key,
	})
	if err != nil {
		return pipeline.Job{}, err
	}

	var src pipeline.Source
	switch j.Source {
	case config.SourceEcommerce:
		e := cfg.Ecommerce
		src = &pipeline.EcommerceSource{
			Fetcher: &fetch.Fetcher{
				Client:    &fetch.Client{BaseURL: e.BaseURL, Token: e.Token, HTTP: fetch.NewHTTPClient(e.Timeout), Job: j.Name},
				Limit:     j.Limit,
				PageDelay: e.PageDelay,
				TagField:  e.TagField,
				Log:       jlog,
			},
			Tenants:  e.Tenants,
			Resource: j.Resource,
			Since:    since,
		}
	case config.SourceHelpdesk:
		h := cfg.Helpdesk
		src = &pipeline.HelpdeskSource{
			Source: &helpdesk.Source{
				Client:      &fetch.Client{BaseURL: h.BaseURL, HTTP: fetch.NewHTTPClient(h.Timeout), Job: j.Name},
				Token:       h.Token,
				PageSize:    h.PageSize,
				ListDelay:   h.ListDelay,
				DetailDelay: h.DetailDelay,
				Log:         jlog,
			},
			Filter: helpdesk.DefaultFilter(since),
		}
	default:
		return pipeline.Job{}, fmt.Errorf("unknown source %q", j.Source)
	}

	return pipeline.Job{
		Name:         j.Name,
		Schema:       j.Schema,
		Source:       src,
		Transformer:  tr,
		Sanitizer:    transformer.Sanitizer,
		Destinations: dests,
	}, nil
}
