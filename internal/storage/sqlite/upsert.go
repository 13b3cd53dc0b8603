// Package sqlite is the SQLite upsert backend, used for local runs and as the
// storage integration-test vehicle.
//
// SQLite has no schemas, so a target's schema becomes a table-name prefix:
// Target{Schema: "integracao", Table: "orders"} is stored as
// "integracao_orders". It also cannot ALTER a table to add a PRIMARY KEY or a
// named constraint, so on an existing table without a unique key the ladder
// ends at CREATE UNIQUE INDEX.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"storesync/internal/logging"
	"storesync/internal/record"
	"storesync/internal/storage"
)

// Repo implements storage.Upserter for SQLite.
type Repo struct {
	db  *sql.DB
	log logrus.FieldLogger
}

func init() {
	storage.Register("sqlite", New)
}

// New opens the database at cfg.DSN (a file path or modernc.org/sqlite DSN).
func New(ctx context.Context, cfg storage.Config) (storage.Upserter, error) {
	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, err
	}
	// One connection: TEMP tables and ":memory:" databases are per connection.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Repo{db: db, log: logging.OrDiscard(cfg.Logger)}, nil
}

func (r *Repo) Close() { _ = r.db.Close() }

// PhysicalName is the table name a target is stored under.
func PhysicalName(t storage.Target) string {
	if t.Schema == "" {
		return t.Table
	}
	return t.Schema + "_" + t.Table
}

// Upsert implements storage.Upserter.
func (r *Repo) Upsert(ctx context.Context, target storage.Target, batch record.Batch) (storage.Result, error) {
	log := r.log.WithFields(logrus.Fields{"destination": "sqlite", "table": target.String()})

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

	table := PhysicalName(target)
	staging := storage.StagingName(table)

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return storage.Result{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	start := time.Now()
	if err := loadStaging(ctx, tx, staging, p); err != nil {
		return storage.Result{}, err
	}
	log.Debugf("stage=staging ok rows=%d duration=%s", len(p.Rows), time.Since(start))

	start = time.Now()
	if err := r.ensure(ctx, tx, log, table, target.KeyColumn, p.Columns, &res); err != nil {
		return storage.Result{}, err
	}
	log.Debugf("stage=ensure ok guarantee=%s duration=%s", res.Guarantee, time.Since(start))

	start = time.Now()
	if _, err := tx.ExecContext(ctx, buildMergeSQL(table, staging, target.KeyColumn, storage.ColumnNames(p.Columns))); err != nil {
		return storage.Result{}, fmt.Errorf("merge into %s: %w", table, err)
	}
	if _, err := tx.ExecContext(ctx, "DROP TABLE IF EXISTS temp."+sqlIdent(staging)); err != nil {
		return storage.Result{}, fmt.Errorf("drop staging %s: %w", staging, err)
	}
	if err := tx.Commit(); err != nil {
		return storage.Result{}, fmt.Errorf("commit %s: %w", table, err)
	}
	res.Rows = int64(len(p.Rows))
	log.Infof("stage=merge ok rows=%d duration=%s", res.Rows, time.Since(start))
	return res, nil
}

func loadStaging(ctx context.Context, tx *sql.Tx, staging string, p storage.Prepared) error {
	if _, err := tx.ExecContext(ctx, "DROP TABLE IF EXISTS temp."+sqlIdent(staging)); err != nil {
		return fmt.Errorf("drop stale staging %s: %w", staging, err)
	}
	if _, err := tx.ExecContext(ctx, buildCreateTableSQL(sqlIdent(staging), p.Columns, "", true)); err != nil {
		return fmt.Errorf("create staging %s: %w", staging, err)
	}

	names := storage.ColumnNames(p.Columns)
	stmt, err := tx.PrepareContext(ctx, buildInsertSQL("temp."+sqlIdent(staging), names))
	if err != nil {
		return fmt.Errorf("prepare staging insert: %w", err)
	}
	defer stmt.Close()

	for i, row := range p.Rows {
		if _, err := stmt.ExecContext(ctx, row...); err != nil {
			return fmt.Errorf("load staging row %d: %w", i, err)
		}
	}
	return nil
}

// ensure creates the table, adds missing columns and makes sure the key
// column carries a unique guarantee, all inside tx.
func (r *Repo) ensure(ctx context.Context, tx *sql.Tx, log logrus.FieldLogger, table, key string, cols []storage.Column, res *storage.Result) error {
	exists, err := tableExists(ctx, tx, table)
	if err != nil {
		return err
	}
	if !exists {
		if _, err := tx.ExecContext(ctx, buildCreateTableSQL(sqlIdent(table), cols, key, false)); err != nil {
			return fmt.Errorf("create base table %s: %w", table, err)
		}
		log.Infof("created table %s", table)
		res.Created = true
		res.Guarantee = storage.GuaranteeCreated
		return nil
	}

	existing, err := existingColumns(ctx, tx, table)
	if err != nil {
		return err
	}
	for _, c := range cols {
		if existing[strings.ToLower(c.Name)] {
			continue
		}
		q := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", sqlIdent(table), sqlIdent(c.Name), c.Type)
		if _, err := tx.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("add column %s.%s: %w", table, c.Name, err)
		}
		log.Infof("added column %s %s", c.Name, c.Type)
		res.AddedColumns = append(res.AddedColumns, c.Name)
	}

	unique, hasPK, err := keyGuarantee(ctx, tx, table, key)
	if err != nil {
		return err
	}
	if unique {
		res.Guarantee = storage.GuaranteeExisting
		return nil
	}

	g, err := storage.RunLadder(ctx, log, table, key, ladderSteps(table, key, hasPK), func(ctx context.Context, s storage.LadderStep) error {
		return withSavepoint(ctx, tx, "sp_unique_key", s.SQL)
	})
	if err != nil {
		return err
	}
	res.Guarantee = g
	return nil
}

func ladderSteps(table, key string, hasPK bool) []storage.LadderStep {
	var steps []storage.LadderStep
	if !hasPK {
		steps = append(steps, storage.LadderStep{
			Name: storage.GuaranteePrimaryKey,
			SQL:  fmt.Sprintf("ALTER TABLE %s ADD PRIMARY KEY (%s)", sqlIdent(table), sqlIdent(key)),
		})
	}
	return append(steps,
		storage.LadderStep{
			Name: storage.GuaranteeConstraint,
			SQL: fmt.Sprintf("ALTER TABLE %s ADD CONSTRAINT %s UNIQUE (%s)",
				sqlIdent(table), sqlIdent(storage.UniqueConstraintName(table, key)), sqlIdent(key)),
		},
		storage.LadderStep{
			Name: storage.GuaranteeIndex,
			SQL: fmt.Sprintf("CREATE UNIQUE INDEX %s ON %s (%s)",
				sqlIdent(storage.UniqueIndexName(table, key)), sqlIdent(table), sqlIdent(key)),
		},
	)
}

func withSavepoint(ctx context.Context, tx *sql.Tx, name, q string) error {
	if _, err := tx.ExecContext(ctx, "SAVEPOINT "+name); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, q); err != nil {
		if _, rbErr := tx.ExecContext(ctx, "ROLLBACK TO "+name); rbErr != nil {
			return errors.Join(err, fmt.Errorf("rollback to savepoint: %w", rbErr))
		}
		_, _ = tx.ExecContext(ctx, "RELEASE "+name)
		return err
	}
	_, err := tx.ExecContext(ctx, "RELEASE "+name)
	return err
}

func tableExists(ctx context.Context, tx *sql.Tx, table string) (bool, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT count(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check table %s: %w", table, err)
	}
	return n > 0, nil
}

func existingColumns(ctx context.Context, tx *sql.Tx, table string) (map[string]bool, error) {
	rows, err := tx.QueryContext(ctx, `SELECT name FROM pragma_table_info(?)`, table)
	if err != nil {
		return nil, fmt.Errorf("list columns %s: %w", table, err)
	}
	defer rows.Close()

	out := map[string]bool{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out[strings.ToLower(name)] = true
	}
	return out, rows.Err()
}

// keyGuarantee reports whether key alone is covered by a primary key or a
// non-partial unique index, and whether the table has any primary key.
func keyGuarantee(ctx context.Context, tx *sql.Tx, table, key string) (unique, hasPK bool, err error) {
	pkRows, err := tx.QueryContext(ctx, `SELECT name FROM pragma_table_info(?) WHERE pk > 0`, table)
	if err != nil {
		return false, false, fmt.Errorf("read primary key %s: %w", table, err)
	}
	var pkCols []string
	for pkRows.Next() {
		var n string
		if err := pkRows.Scan(&n); err != nil {
			pkRows.Close()
			return false, false, err
		}
		pkCols = append(pkCols, n)
	}
	pkRows.Close()
	if err := pkRows.Err(); err != nil {
		return false, false, err
	}
	hasPK = len(pkCols) > 0
	if len(pkCols) == 1 && strings.EqualFold(pkCols[0], key) {
		return true, true, nil
	}

	idxRows, err := tx.QueryContext(ctx, `SELECT name FROM pragma_index_list(?) WHERE "unique" = 1 AND partial = 0`, table)
	if err != nil {
		return false, hasPK, fmt.Errorf("list indexes %s: %w", table, err)
	}
	var indexes []string
	for idxRows.Next() {
		var n string
		if err := idxRows.Scan(&n); err != nil {
			idxRows.Close()
			return false, hasPK, err
		}
		indexes = append(indexes, n)
	}
	idxRows.Close()
	if err := idxRows.Err(); err != nil {
		return false, hasPK, err
	}

	for _, idx := range indexes {
		cols, err := indexColumns(ctx, tx, idx)
		if err != nil {
			return false, hasPK, err
		}
		if len(cols) == 1 && strings.EqualFold(cols[0], key) {
			return true, hasPK, nil
		}
	}
	return false, hasPK, nil
}

func indexColumns(ctx context.Context, tx *sql.Tx, index string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `SELECT name FROM pragma_index_info(?)`, index)
	if err != nil {
		return nil, fmt.Errorf("read index %s: %w", index, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var n sql.NullString
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		// Expression index columns have no name.
		out = append(out, n.String)
	}
	return out, rows.Err()
}

func sqlIdent(id string) string {
	return `"` + strings.ReplaceAll(id, `"`, `""`) + `"`
}

func buildCreateTableSQL(name string, cols []storage.Column, key string, temp bool) string {
	parts := make([]string, 0, len(cols))
	for _, c := range cols {
		col := fmt.Sprintf("%s %s", sqlIdent(c.Name), c.Type)
		if key != "" && c.Name == key {
			col += " PRIMARY KEY"
		}
		parts = append(parts, col)
	}
	create := "CREATE TABLE "
	if temp {
		create = "CREATE TEMP TABLE "
	}
	return fmt.Sprintf("%s%s (\n  %s\n)", create, name, strings.Join(parts, ",\n  "))
}

func buildInsertSQL(table string, columns []string) string {
	ph := strings.TrimRight(strings.Repeat("?, ", len(columns)), ", ")
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", table, joinIdentList(columns), ph)
}

// buildMergeSQL builds the staging-to-target upsert. SQLite needs the WHERE
// clause so the parser does not read ON CONFLICT as a join constraint.
func buildMergeSQL(table, staging, key string, columns []string) string {
	cols := joinIdentList(columns)
	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (%s) SELECT %s FROM temp.%s WHERE true ON CONFLICT (%s) ",
		sqlIdent(table), cols, cols, sqlIdent(staging), sqlIdent(key))

	var sets []string
	for _, c := range columns {
		if c == key {
			continue
		}
		sets = append(sets, fmt.Sprintf("%s = excluded.%s", sqlIdent(c), sqlIdent(c)))
	}
	if len(sets) == 0 {
		b.WriteString("DO NOTHING")
	} else {
		b.WriteString("DO UPDATE SET ")
		b.WriteString(strings.Join(sets, ", "))
	}
	return b.String()
}

func joinIdentList(columns []string) string {
	out := make([]string, len(columns))
	for i, c := range columns {
		out[i] = sqlIdent(c)
	}
	return strings.Join(out, ", ")
}

var _ storage.Upserter = (*Repo)(nil)
