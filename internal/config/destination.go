package config

import (
	"fmt"
	"strings"

	"github.com/xo/dburl"
)

// Backend kinds registered by internal/storage/*.
const (
	KindPostgres = "postgres"
	KindMSSQL    = "mssql"
	KindSQLite   = "sqlite"
)

// ParsedDestination is a Destination resolved to a storage backend.
type ParsedDestination struct {
	Name string
	Kind string
	DSN  string
	// Redacted is the URL with the password masked, for logs.
	Redacted string
}

// Parse resolves the destination URL to a backend kind and driver DSN.
func (d Destination) Parse() (ParsedDestination, error) {
	if strings.TrimSpace(d.URL) == "" {
		return ParsedDestination{}, fmt.Errorf("destination %s: empty url", d.Name)
	}
	u, err := dburl.Parse(d.URL)
	if err != nil {
		return ParsedDestination{}, fmt.Errorf("destination %s: parse url: %w", d.Name, err)
	}

	out := ParsedDestination{Name: d.Name, Redacted: u.Redacted()}
	switch u.Driver {
	case "postgres", "pgx":
		// pgx parses the URL form itself, but only with its own schemes.
		pu := u.URL
		pu.Scheme = "postgres"
		out.Kind, out.DSN = KindPostgres, pu.String()
	case "sqlserver", "mssql", "azuresql":
		out.Kind, out.DSN = KindMSSQL, u.DSN
	case "sqlite3", "sqlite", "moderncsqlite":
		out.Kind, out.DSN = KindSQLite, sqlitePath(u)
	default:
		return ParsedDestination{}, fmt.Errorf("destination %s: unsupported driver %q", d.Name, u.Driver)
	}
	if out.DSN == "" {
		return ParsedDestination{}, fmt.Errorf("destination %s: no database in url", d.Name)
	}
	return out, nil
}

func sqlitePath(u *dburl.URL) string {
	if u.DSN != "" {
		return u.DSN
	}
	if u.Opaque != "" {
		return u.Opaque
	}
	return u.Path
}
