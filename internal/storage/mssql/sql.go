package mssql

import (
	"fmt"
	"strings"

	"storesync/internal/storage"
)

const tableExistsSQL = `SELECT CASE WHEN OBJECT_ID(@p1, N'U') IS NULL THEN 0 ELSE 1 END`

const columnExistsSQL = `SELECT CASE WHEN COL_LENGTH(@p1, @p2) IS NULL THEN 0 ELSE 1 END`

// keyIsUniqueSQL counts unique, unfiltered indexes (primary keys included)
// whose only key column is @p2.
const keyIsUniqueSQL = `SELECT COUNT(*)
FROM sys.indexes i
WHERE i.object_id = OBJECT_ID(@p1)
  AND i.is_unique = 1
  AND i.has_filter = 0
  AND (SELECT COUNT(*) FROM sys.index_columns ic
       WHERE ic.object_id = i.object_id AND ic.index_id = i.index_id AND ic.key_ordinal > 0) = 1
  AND EXISTS (SELECT 1 FROM sys.index_columns ic
              JOIN sys.columns c ON c.object_id = ic.object_id AND c.column_id = ic.column_id
              WHERE ic.object_id = i.object_id AND ic.index_id = i.index_id
                AND ic.key_ordinal > 0 AND c.name = @p2)`

const hasPrimaryKeySQL = `SELECT COUNT(*) FROM sys.key_constraints
WHERE parent_object_id = OBJECT_ID(@p1) AND type = 'PK'`

// mssqlIdent returns a bracket-quoted identifier, escaping ']' as ']]'.
func mssqlIdent(name string) string {
	return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
}

// tableIdent returns [schema].[table].
func tableIdent(t storage.Target) string {
	return mssqlIdent(t.Schema) + "." + mssqlIdent(t.Table)
}

// stagingIdent names the session-local temp table. Names are allow-listed,
// so no quoting is needed.
func stagingIdent(table string) string {
	return "#" + storage.StagingName(table)
}

// columnType maps a portable type to SQL Server. A TEXT key becomes
// NVARCHAR(450) because NVARCHAR(MAX) cannot be indexed.
func columnType(c storage.Column, key string) string {
	switch c.Type {
	case storage.TypeBigInt:
		return "BIGINT"
	case storage.TypeDouble:
		return "FLOAT"
	case storage.TypeBoolean:
		return "BIT"
	default:
		if key != "" && c.Name == key {
			return "NVARCHAR(450)"
		}
		return "NVARCHAR(MAX)"
	}
}

func buildEnsureSchemaSQL(schema string) string {
	return fmt.Sprintf("IF SCHEMA_ID(N'%s') IS NULL EXEC('CREATE SCHEMA %s')", schema, mssqlIdent(schema))
}

// buildCreateTableSQL creates table with one column per cols entry. A non-empty
// key is declared NOT NULL PRIMARY KEY.
func buildCreateTableSQL(table string, cols []storage.Column, key string) string {
	parts := make([]string, 0, len(cols))
	for _, c := range cols {
		def := fmt.Sprintf("%s %s", mssqlIdent(c.Name), columnType(c, key))
		if key != "" && c.Name == key {
			def += " NOT NULL PRIMARY KEY"
		} else {
			def += " NULL"
		}
		parts = append(parts, def)
	}
	return fmt.Sprintf("CREATE TABLE %s (\n  %s\n)", table, strings.Join(parts, ",\n  "))
}

// buildBulkInsertSQL builds a single INSERT ... VALUES statement for all rows.
func buildBulkInsertSQL(table string, columns []string, rows [][]any) (string, []any) {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(table)
	b.WriteString(" (")

	for i, c := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(mssqlIdent(c))
	}
	b.WriteString(") VALUES ")

	args := make([]any, 0, len(rows)*len(columns))
	p := 1
	for i, row := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(")
		for j := range columns {
			if j > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "@p%d", p)
			args = append(args, row[j])
			p++
		}
		b.WriteString(")")
	}

	return b.String(), args
}

func ladderSteps(t storage.Target, hasPK bool) []storage.LadderStep {
	table := tableIdent(t)
	key := mssqlIdent(t.KeyColumn)

	var steps []storage.LadderStep
	if !hasPK {
		steps = append(steps, storage.LadderStep{
			Name: storage.GuaranteePrimaryKey,
			SQL:  fmt.Sprintf("ALTER TABLE %s ADD PRIMARY KEY (%s)", table, key),
		})
	}
	return append(steps,
		storage.LadderStep{
			Name: storage.GuaranteeConstraint,
			SQL: fmt.Sprintf("ALTER TABLE %s ADD CONSTRAINT %s UNIQUE (%s)",
				table, mssqlIdent(storage.UniqueConstraintName(t.Table, t.KeyColumn)), key),
		},
		storage.LadderStep{
			Name: storage.GuaranteeIndex,
			SQL: fmt.Sprintf("CREATE UNIQUE INDEX %s ON %s (%s)",
				mssqlIdent(storage.UniqueIndexName(t.Table, t.KeyColumn)), table, key),
		},
	)
}

// buildMergeSQL merges staging into the target. With the key as the only
// column there is no WHEN MATCHED branch.
func buildMergeSQL(t storage.Target, staging string, columns []string) string {
	key := mssqlIdent(t.KeyColumn)

	var sets, cols, vals []string
	for _, c := range columns {
		q := mssqlIdent(c)
		cols = append(cols, q)
		vals = append(vals, "src."+q)
		if c != t.KeyColumn {
			sets = append(sets, fmt.Sprintf("tgt.%s = src.%s", q, q))
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "MERGE INTO %s WITH (HOLDLOCK) AS tgt\nUSING %s AS src\nON tgt.%s = src.%s\n", tableIdent(t), staging, key, key)
	if len(sets) > 0 {
		fmt.Fprintf(&b, "WHEN MATCHED THEN UPDATE SET %s\n", strings.Join(sets, ", "))
	}
	fmt.Fprintf(&b, "WHEN NOT MATCHED BY TARGET THEN INSERT (%s) VALUES (%s);", strings.Join(cols, ", "), strings.Join(vals, ", "))
	return b.String()
}
