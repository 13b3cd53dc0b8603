package postgres

import (
	"fmt"
	"strings"

	"storesync/internal/storage"
)

const tableExistsSQL = `SELECT EXISTS (
  SELECT 1 FROM information_schema.tables
  WHERE table_schema = $1 AND table_name = $2
)`

// existingColumnsSQL lists each column with its declared type, spelled the
// way a cast expects it.
const existingColumnsSQL = `SELECT a.attname, format_type(a.atttypid, a.atttypmod)
FROM pg_attribute a
JOIN pg_class c ON c.oid = a.attrelid
JOIN pg_namespace n ON n.oid = c.relnamespace
WHERE n.nspname = $1 AND c.relname = $2 AND a.attnum > 0 AND NOT a.attisdropped`

// keyIsUniqueSQL matches a unique, single-column, non-partial index on the
// key. Primary keys are backed by such an index, so they match too.
const keyIsUniqueSQL = `SELECT EXISTS (
  SELECT 1
  FROM pg_index i
  JOIN pg_class c ON c.oid = i.indrelid
  JOIN pg_namespace n ON n.oid = c.relnamespace
  JOIN pg_attribute a ON a.attrelid = c.oid AND a.attnum = i.indkey[0]
  WHERE n.nspname = $1
    AND c.relname = $2
    AND a.attname = $3
    AND i.indisunique
    AND i.indnatts = 1
    AND i.indpred IS NULL
)`

const hasPrimaryKeySQL = `SELECT EXISTS (
  SELECT 1 FROM information_schema.table_constraints
  WHERE table_schema = $1 AND table_name = $2 AND constraint_type = 'PRIMARY KEY'
)`

func pgIdent(id string) string {
	return `"` + strings.ReplaceAll(id, `"`, `""`) + `"`
}

func qualified(t storage.Target) string {
	return pgIdent(t.Schema) + "." + pgIdent(t.Table)
}

func columnDefs(cols []storage.Column) []string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = fmt.Sprintf("%s %s", pgIdent(c.Name), c.Type)
	}
	return out
}

// buildDropStagingSQL names pg_temp explicitly so a permanent table with the
// same name is never dropped.
func buildDropStagingSQL(staging string) string {
	return "DROP TABLE IF EXISTS pg_temp." + pgIdent(staging)
}

func buildCreateStagingSQL(staging string, cols []storage.Column) string {
	return fmt.Sprintf("CREATE TEMP TABLE %s (\n  %s\n)", pgIdent(staging), strings.Join(columnDefs(cols), ",\n  "))
}

func buildCreateTableSQL(t storage.Target, cols []storage.Column) string {
	parts := columnDefs(cols)
	parts = append(parts, fmt.Sprintf("PRIMARY KEY (%s)", pgIdent(t.KeyColumn)))
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n  %s\n)", qualified(t), strings.Join(parts, ",\n  "))
}

func buildAddColumnSQL(t storage.Target, c storage.Column) string {
	return fmt.Sprintf("ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s %s", qualified(t), pgIdent(c.Name), c.Type)
}

func ladderSteps(t storage.Target, hasPK bool) []storage.LadderStep {
	var steps []storage.LadderStep
	if !hasPK {
		steps = append(steps, storage.LadderStep{
			Name: storage.GuaranteePrimaryKey,
			SQL:  fmt.Sprintf("ALTER TABLE %s ADD PRIMARY KEY (%s)", qualified(t), pgIdent(t.KeyColumn)),
		})
	}
	return append(steps,
		storage.LadderStep{
			Name: storage.GuaranteeConstraint,
			SQL: fmt.Sprintf("ALTER TABLE %s ADD CONSTRAINT %s UNIQUE (%s)",
				qualified(t), pgIdent(storage.UniqueConstraintName(t.Table, t.KeyColumn)), pgIdent(t.KeyColumn)),
		},
		storage.LadderStep{
			Name: storage.GuaranteeIndex,
			SQL: fmt.Sprintf("CREATE UNIQUE INDEX %s ON %s (%s)",
				pgIdent(storage.UniqueIndexName(t.Table, t.KeyColumn)), qualified(t), pgIdent(t.KeyColumn)),
		},
	)
}

// mergeCasts maps each staged column whose inferred type differs from the
// destination's declared type to the destination type. An all-null column
// stages as TEXT, and TEXT has no assignment cast to BIGINT or BOOLEAN.
func mergeCasts(cols []storage.Column, existing map[string]string) map[string]string {
	casts := map[string]string{}
	for _, c := range cols {
		dt, ok := existing[c.Name]
		if !ok || strings.EqualFold(dt, c.Type.String()) {
			continue
		}
		casts[c.Name] = dt
	}
	return casts
}

// buildMergeSQL builds INSERT ... SELECT ... ON CONFLICT from staging. With
// the key as the only column there is nothing to update, so it does nothing.
// Columns in casts are converted to the destination type in the SELECT.
func buildMergeSQL(t storage.Target, staging string, columns []string, casts map[string]string) string {
	quoted := make([]string, len(columns))
	selected := make([]string, len(columns))
	for i, c := range columns {
		quoted[i] = pgIdent(c)
		selected[i] = quoted[i]
		if dt, ok := casts[c]; ok {
			selected[i] = fmt.Sprintf("%s::%s", quoted[i], dt)
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (%s)\nSELECT %s FROM %s\nON CONFLICT (%s) ",
		qualified(t), strings.Join(quoted, ", "), strings.Join(selected, ", "), pgIdent(staging), pgIdent(t.KeyColumn))

	var sets []string
	for _, c := range columns {
		if c == t.KeyColumn {
			continue
		}
		sets = append(sets, fmt.Sprintf("%s = EXCLUDED.%s", pgIdent(c), pgIdent(c)))
	}
	if len(sets) == 0 {
		b.WriteString("DO NOTHING")
		return b.String()
	}
	b.WriteString("DO UPDATE SET ")
	b.WriteString(strings.Join(sets, ", "))
	return b.String()
}
