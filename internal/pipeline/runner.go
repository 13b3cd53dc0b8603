package pipeline

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"storesync/internal/logging"
	"storesync/internal/metrics"
	"storesync/internal/storage"
)

// Job is one configured sync.
type Job struct {
	Name         string
	Schema       string
	Source       Source
	Transformer  Transformer
	Sanitizer    Sanitizer
	Destinations []Destination
}

// Runner executes jobs.
type Runner struct {
	Opener Opener
	Log    logrus.FieldLogger
	// Now and NewRunID are test seams.
	Now      func() time.Time
	NewRunID func() string
}

func (r *Runner) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// Run executes job and never panics on unit failures; inspect Report.Err.
//
// Destinations run sequentially in configured order, and tables run
// sequentially within a destination, so no two upserts ever touch the same
// table concurrently.
func (r *Runner) Run(ctx context.Context, job Job) (rep Report) {
	newID := r.NewRunID
	if newID == nil {
		newID = uuid.NewString
	}
	runID := newID()
	rep = Report{RunID: runID, Job: job.Name, Started: r.now()}
	log := logging.OrDiscard(r.Log).WithFields(logrus.Fields{"run_id": runID, "job": job.Name})
	defer func() {
		rep.Duration = r.now().Sub(rep.Started)
		for _, u := range rep.Units() {
			metrics.RecordUnitFailure(job.Name, u.Kind)
		}
	}()

	start := r.now()
	fetched, err := job.Source.Fetch(ctx)
	rep.Tenants, rep.Tickets = fetched.Tenants, fetched.Tickets
	rep.Fetched = len(fetched.Records)
	if err != nil {
		metrics.RecordStep(job.Name, "fetch", "error", r.now().Sub(start))
		log.WithError(err).Error("fetch failed")
		rep.SourceErr = &UnitError{Kind: UnitSource, Name: job.Name, Err: err}
		return rep
	}
	metrics.RecordStep(job.Name, "fetch", "ok", r.now().Sub(start))
	for _, t := range fetched.Tenants {
		log.WithField("tenant", t.Tenant).WithError(t.Err).Warn("tenant dropped")
	}
	log.Infof("stage=fetch ok records=%d duration=%s", len(fetched.Records), r.now().Sub(start))

	start = r.now()
	tables, err := job.Transformer.Transform(ctx, fetched.Records)
	if err != nil {
		metrics.RecordStep(job.Name, "transform", "error", r.now().Sub(start))
		log.WithError(err).Error("transform failed")
		rep.SourceErr = &UnitError{Kind: UnitTransform, Name: job.Name, Err: err}
		return rep
	}
	if job.Sanitizer != nil {
		for i := range tables {
			tables[i].Rows = job.Sanitizer.Sanitize(tables[i].Rows)
		}
	}
	metrics.RecordStep(job.Name, "transform", "ok", r.now().Sub(start))

	for _, d := range job.Destinations {
		rep.Destinations = append(rep.Destinations, r.load(ctx, log.WithField("destination", d.Name), job, d, tables))
	}

	if err := rep.Err(); err != nil {
		log.WithField("failures", len(rep.Units())).Warnf("job finished with failures rows=%d", rep.Rows())
	} else {
		log.Infof("job finished rows=%d", rep.Rows())
	}
	return rep
}

func (r *Runner) load(ctx context.Context, log logrus.FieldLogger, job Job, d Destination, tables []Table) DestinationResult {
	dr := DestinationResult{Name: d.Name}

	up, err := r.Opener.Open(ctx, d)
	if err != nil {
		log.WithError(err).Error("open destination failed; skipping")
		dr.Err = err
		return dr
	}
	defer up.Close()

	for _, t := range tables {
		tlog := log.WithField("table", t.Name)
		start := r.now()
		target := storage.Target{Schema: job.Schema, Table: t.Name, KeyColumn: t.Key}

		res, err := up.Upsert(ctx, target, t.Rows)
		dr.Tables = append(dr.Tables, TableResult{Table: t.Name, Result: res, Err: err})
		if err != nil {
			metrics.RecordStep(job.Name, "upsert", "error", r.now().Sub(start))
			tlog.WithError(err).Error("upsert failed")
			continue
		}
		metrics.RecordStep(job.Name, "upsert", "ok", r.now().Sub(start))
		metrics.RecordRows(job.Name, t.Name, int(res.Rows))
		if res.Skipped {
			tlog.Info("nothing to upsert")
		}
	}
	return dr
}
