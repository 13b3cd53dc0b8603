package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"storesync/internal/logging"
	"storesync/internal/record"
	"storesync/internal/storage"
)

/*
Repo implements storage.Upserter for Postgres.

One Upsert is one transaction:
  - a TEMP staging table loaded with COPY
  - schema, table and column ensure
  - the unique-key ladder, each attempt in its own savepoint
  - INSERT ... SELECT ... ON CONFLICT merge
*/
type Repo struct {
	pool *pgxpool.Pool
	log  logrus.FieldLogger
}

// New creates a Postgres-backed Repo.
func New(ctx context.Context, cfg storage.Config) (storage.Upserter, error) {
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Repo{pool: pool, log: logging.OrDiscard(cfg.Logger)}, nil
}

// Close closes the connection pool.
func (r *Repo) Close() {
	r.pool.Close()
}

// Upsert implements storage.Upserter.
func (r *Repo) Upsert(ctx context.Context, target storage.Target, batch record.Batch) (storage.Result, error) {
	log := r.log.WithFields(logrus.Fields{"destination": "postgres", "table": target.String()})

	if len(batch) == 0 {
		log.Info("empty batch; skipping upsert")
		return storage.Result{Skipped: true}, nil
	}

	p, err := storage.Prepare(target, batch)
	if err != nil {
		return storage.Result{}, err
	}
	res := storage.Result{DroppedNullKeys: p.DroppedNullKeys, DroppedDuplicates: p.DroppedDuplicates}
	if p.DroppedNullKeys > 0 {
		log.Warnf("dropped %d rows with null %s", p.DroppedNullKeys, target.KeyColumn)
	}
	if p.DroppedDuplicates > 0 {
		log.Infof("dropped %d duplicate %s rows (last wins)", p.DroppedDuplicates, target.KeyColumn)
	}
	if p.Empty() {
		log.Info("no rows left after key filtering; skipping upsert")
		res.Skipped = true
		return res, nil
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return storage.Result{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	staging := storage.StagingName(target.Table)
	names := storage.ColumnNames(p.Columns)

	start := time.Now()
	if _, err := tx.Exec(ctx, buildDropStagingSQL(staging)); err != nil {
		return storage.Result{}, fmt.Errorf("drop stale staging %s: %w", staging, err)
	}
	if _, err := tx.Exec(ctx, buildCreateStagingSQL(staging, p.Columns)); err != nil {
		return storage.Result{}, fmt.Errorf("create staging %s: %w", staging, err)
	}
	if _, err := tx.CopyFrom(ctx, pgx.Identifier{staging}, names, pgx.CopyFromRows(p.Rows)); err != nil {
		return storage.Result{}, fmt.Errorf("copy into staging %s: %w", staging, err)
	}
	log.Debugf("stage=staging ok rows=%d duration=%s", len(p.Rows), time.Since(start))

	start = time.Now()
	casts, err := r.ensure(ctx, tx, log, target, p.Columns, &res)
	if err != nil {
		return storage.Result{}, err
	}
	log.Debugf("stage=ensure ok guarantee=%s duration=%s", res.Guarantee, time.Since(start))

	start = time.Now()
	if _, err := tx.Exec(ctx, buildMergeSQL(target, staging, names, casts)); err != nil {
		return storage.Result{}, fmt.Errorf("merge into %s: %w", target, err)
	}
	if _, err := tx.Exec(ctx, buildDropStagingSQL(staging)); err != nil {
		return storage.Result{}, fmt.Errorf("drop staging %s: %w", staging, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return storage.Result{}, fmt.Errorf("commit %s: %w", target, err)
	}
	res.Rows = int64(len(p.Rows))
	log.Infof("stage=merge ok rows=%d duration=%s", res.Rows, time.Since(start))
	return res, nil
}

// ensure creates or widens the table and guarantees a unique key. It returns
// the merge casts for staged columns whose type differs from the table's.
func (r *Repo) ensure(ctx context.Context, tx pgx.Tx, log logrus.FieldLogger, t storage.Target, cols []storage.Column, res *storage.Result) (map[string]string, error) {
	if _, err := tx.Exec(ctx, fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s`, pgIdent(t.Schema))); err != nil {
		return nil, fmt.Errorf("create schema %s: %w", t.Schema, err)
	}

	var exists bool
	if err := tx.QueryRow(ctx, tableExistsSQL, t.Schema, t.Table).Scan(&exists); err != nil {
		return nil, fmt.Errorf("check table %s: %w", t, err)
	}
	if !exists {
		if _, err := tx.Exec(ctx, buildCreateTableSQL(t, cols)); err != nil {
			return nil, fmt.Errorf("create base table %s: %w", t, err)
		}
		log.Infof("created table %s", t)
		res.Created = true
		res.Guarantee = storage.GuaranteeCreated
		return nil, nil
	}

	existing, err := existingColumns(ctx, tx, t)
	if err != nil {
		return nil, err
	}
	for _, c := range cols {
		if _, ok := existing[c.Name]; ok {
			continue
		}
		if _, err := tx.Exec(ctx, buildAddColumnSQL(t, c)); err != nil {
			return nil, fmt.Errorf("add column %s.%s: %w", t, c.Name, err)
		}
		log.Infof("added column %s %s", c.Name, c.Type)
		res.AddedColumns = append(res.AddedColumns, c.Name)
	}
	casts := mergeCasts(cols, existing)
	if len(casts) > 0 {
		log.Debugf("casting staged columns to table types: %v", casts)
	}

	var unique, hasPK bool
	if err := tx.QueryRow(ctx, keyIsUniqueSQL, t.Schema, t.Table, t.KeyColumn).Scan(&unique); err != nil {
		return nil, fmt.Errorf("check unique key %s: %w", t, err)
	}
	if unique {
		res.Guarantee = storage.GuaranteeExisting
		return casts, nil
	}
	if err := tx.QueryRow(ctx, hasPrimaryKeySQL, t.Schema, t.Table).Scan(&hasPK); err != nil {
		return nil, fmt.Errorf("check primary key %s: %w", t, err)
	}

	g, err := storage.RunLadder(ctx, log, t.String(), t.KeyColumn, ladderSteps(t, hasPK), func(ctx context.Context, s storage.LadderStep) error {
		// A nested pgx transaction is a savepoint.
		sp, err := tx.Begin(ctx)
		if err != nil {
			return err
		}
		if _, err := sp.Exec(ctx, s.SQL); err != nil {
			_ = sp.Rollback(ctx)
			return err
		}
		return sp.Commit(ctx)
	})
	if err != nil {
		return nil, err
	}
	res.Guarantee = g
	return casts, nil
}

// existingColumns maps column name to declared type.
func existingColumns(ctx context.Context, tx pgx.Tx, t storage.Target) (map[string]string, error) {
	rows, err := tx.Query(ctx, existingColumnsSQL, t.Schema, t.Table)
	if err != nil {
		return nil, fmt.Errorf("list columns %s: %w", t, err)
	}
	defer rows.Close()

	out := map[string]string{}
	for rows.Next() {
		var name, typ string
		if err := rows.Scan(&name, &typ); err != nil {
			return nil, err
		}
		out[name] = typ
	}
	return out, rows.Err()
}

var _ storage.Upserter = (*Repo)(nil)
