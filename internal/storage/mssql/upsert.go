// Package mssql is the SQL Server upsert backend.
//
// It follows the same contract as the Postgres backend with SQL Server
// spelling: a #temp staging table, OBJECT_ID / SCHEMA_ID guards instead of
// IF NOT EXISTS, SAVE TRANSACTION for ladder attempts and MERGE for the
// final write.
package mssql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/microsoft/go-mssqldb"
	"github.com/sirupsen/logrus"

	"storesync/internal/logging"
	"storesync/internal/record"
	"storesync/internal/storage"
)

// maxParams stays under SQL Server's 2100 parameters per request.
const maxParams = 2000

// maxValuesRows is SQL Server's limit on rows in one VALUES list.
const maxValuesRows = 1000

const savepoint = "sp_unique_key"

// Repo implements storage.Upserter for Microsoft SQL Server.
type Repo struct {
	db  dbConn
	log logrus.FieldLogger
}

func init() {
	storage.Register("mssql", New)
}

// New opens a SQL Server connection with the "sqlserver" driver registered by
// github.com/microsoft/go-mssqldb and validates it with PingContext.
func New(ctx context.Context, cfg storage.Config) (storage.Upserter, error) {
	raw, err := sql.Open("sqlserver", cfg.DSN)
	if err != nil {
		return nil, err
	}
	raw.SetMaxOpenConns(8)
	raw.SetMaxIdleConns(8)

	if err := raw.PingContext(ctx); err != nil {
		_ = raw.Close()
		return nil, err
	}
	return &Repo{db: &sqlDB{db: raw}, log: logging.OrDiscard(cfg.Logger)}, nil
}

// Close releases database resources held by this repository.
func (r *Repo) Close() {
	if r == nil || r.db == nil {
		return
	}
	_ = r.db.Close()
}

// Upsert implements storage.Upserter.
func (r *Repo) Upsert(ctx context.Context, target storage.Target, batch record.Batch) (storage.Result, error) {
	log := r.log.WithFields(logrus.Fields{"destination": "mssql", "table": target.String()})

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

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return storage.Result{}, fmt.Errorf("begin tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	staging := stagingIdent(target.Table)
	names := storage.ColumnNames(p.Columns)

	start := time.Now()
	for _, q := range []string{
		fmt.Sprintf("IF OBJECT_ID(N'tempdb..%s') IS NOT NULL DROP TABLE %s", staging, staging),
		buildCreateTableSQL(staging, p.Columns, ""),
	} {
		if _, err := tx.ExecContext(ctx, q); err != nil {
			return storage.Result{}, fmt.Errorf("create staging %s: %w", staging, err)
		}
	}
	for _, chunk := range chunkRows(p.Rows, len(names)) {
		q, args := buildBulkInsertSQL(staging, names, chunk)
		if _, err := tx.ExecContext(ctx, q, args...); err != nil {
			return storage.Result{}, fmt.Errorf("load staging %s: %w", staging, err)
		}
	}
	log.Debugf("stage=staging ok rows=%d duration=%s", len(p.Rows), time.Since(start))

	start = time.Now()
	if err := r.ensure(ctx, tx, log, target, p.Columns, &res); err != nil {
		return storage.Result{}, err
	}
	log.Debugf("stage=ensure ok guarantee=%s duration=%s", res.Guarantee, time.Since(start))

	start = time.Now()
	if _, err := tx.ExecContext(ctx, buildMergeSQL(target, staging, names)); err != nil {
		return storage.Result{}, fmt.Errorf("merge into %s: %w", target, err)
	}
	if _, err := tx.ExecContext(ctx, "DROP TABLE "+staging); err != nil {
		return storage.Result{}, fmt.Errorf("drop staging %s: %w", staging, err)
	}
	if err := tx.Commit(); err != nil {
		return storage.Result{}, fmt.Errorf("commit %s: %w", target, err)
	}
	committed = true
	res.Rows = int64(len(p.Rows))
	log.Infof("stage=merge ok rows=%d duration=%s", res.Rows, time.Since(start))
	return res, nil
}

func (r *Repo) ensure(ctx context.Context, tx txConn, log logrus.FieldLogger, t storage.Target, cols []storage.Column, res *storage.Result) error {
	if _, err := tx.ExecContext(ctx, buildEnsureSchemaSQL(t.Schema)); err != nil {
		return fmt.Errorf("create schema %s: %w", t.Schema, err)
	}

	table := tableIdent(t)
	exists, err := queryBool(ctx, tx, tableExistsSQL, table)
	if err != nil {
		return fmt.Errorf("check table %s: %w", t, err)
	}
	if !exists {
		if _, err := tx.ExecContext(ctx, buildCreateTableSQL(table, cols, t.KeyColumn)); err != nil {
			return fmt.Errorf("create base table %s: %w", t, err)
		}
		log.Infof("created table %s", t)
		res.Created = true
		res.Guarantee = storage.GuaranteeCreated
		return nil
	}

	for _, c := range cols {
		has, err := queryBool(ctx, tx, columnExistsSQL, table, c.Name)
		if err != nil {
			return fmt.Errorf("check column %s.%s: %w", t, c.Name, err)
		}
		if has {
			continue
		}
		q := fmt.Sprintf("ALTER TABLE %s ADD %s %s NULL", table, mssqlIdent(c.Name), columnType(c, ""))
		if _, err := tx.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("add column %s.%s: %w", t, c.Name, err)
		}
		log.Infof("added column %s %s", c.Name, columnType(c, ""))
		res.AddedColumns = append(res.AddedColumns, c.Name)
	}

	unique, err := queryBool(ctx, tx, keyIsUniqueSQL, table, t.KeyColumn)
	if err != nil {
		return fmt.Errorf("check unique key %s: %w", t, err)
	}
	if unique {
		res.Guarantee = storage.GuaranteeExisting
		return nil
	}
	hasPK, err := queryBool(ctx, tx, hasPrimaryKeySQL, table)
	if err != nil {
		return fmt.Errorf("check primary key %s: %w", t, err)
	}

	g, err := storage.RunLadder(ctx, log, t.String(), t.KeyColumn, ladderSteps(t, hasPK), func(ctx context.Context, s storage.LadderStep) error {
		if _, err := tx.ExecContext(ctx, "SAVE TRANSACTION "+savepoint); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, s.SQL); err != nil {
			if _, rbErr := tx.ExecContext(ctx, "ROLLBACK TRANSACTION "+savepoint); rbErr != nil {
				return errors.Join(err, fmt.Errorf("rollback to savepoint: %w", rbErr))
			}
			return err
		}
		return nil
	})
	if err != nil {
		return err
	}
	res.Guarantee = g
	return nil
}

func queryBool(ctx context.Context, tx txConn, q string, args ...any) (bool, error) {
	var n int
	if err := tx.QueryRowContext(ctx, q, args...).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

// chunkRows splits rows so each INSERT stays under the parameter and
// VALUES-row limits.
func chunkRows(rows [][]any, ncols int) [][][]any {
	per := maxValuesRows
	if ncols > 0 && maxParams/ncols < per {
		per = maxParams / ncols
	}
	if per < 1 {
		per = 1
	}
	var out [][][]any
	for i := 0; i < len(rows); i += per {
		end := i + per
		if end > len(rows) {
			end = len(rows)
		}
		out = append(out, rows[i:end])
	}
	return out
}

var _ storage.Upserter = (*Repo)(nil)
