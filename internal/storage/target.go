package storage

import (
	"fmt"
	"regexp"
)

var identRE = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// Target names a destination table and the column that identifies a row.
type Target struct {
	Schema    string
	Table     string
	KeyColumn string
}

func (t Target) String() string {
	return t.Schema + "." + t.Table
}

// Validate checks every identifier in t against the allow-list.
func (t Target) Validate() error {
	if err := ValidateIdent("schema", t.Schema); err != nil {
		return err
	}
	if err := ValidateIdent("table", t.Table); err != nil {
		return err
	}
	return ValidateIdent("key column", t.KeyColumn)
}

// IdentError reports an identifier rejected by the allow-list. Identifiers are
// interpolated into SQL, so nothing outside [A-Za-z0-9_] is accepted.
type IdentError struct {
	Kind string
	Name string
}

func (e *IdentError) Error() string {
	return fmt.Sprintf("invalid %s identifier %q: want [A-Za-z0-9_]+", e.Kind, e.Name)
}

// ValidateIdent returns *IdentError when name is empty or contains anything
// outside [A-Za-z0-9_].
func ValidateIdent(kind, name string) error {
	if !identRE.MatchString(name) {
		return &IdentError{Kind: kind, Name: name}
	}
	return nil
}

// StagingName is the name of the per-upsert staging table for table.
func StagingName(table string) string { return table + "_temp" }

// UniqueConstraintName is the name used for ADD CONSTRAINT ... UNIQUE.
func UniqueConstraintName(table, key string) string { return "uk_" + table + "_" + key }

// UniqueIndexName is the name used for CREATE UNIQUE INDEX.
func UniqueIndexName(table, key string) string { return "idx_unique_" + table + "_" + key }
