package database

import (
	"strconv"
	"strings"
)

type dialect int

const (
	sqliteDialect dialect = iota
	postgresDialect
)

func isPostgres(dsn string) bool {
	return strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")
}

func (d dialect) String() string {
	if d == postgresDialect {
		return "postgres"
	}
	return "sqlite3"
}

// rebind rewrites ? placeholders as $1, $2, ... for Postgres. Queries in
// this package never contain a literal question mark.
func (d dialect) rebind(query string) string {
	if d != postgresDialect || !strings.Contains(query, "?") {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

type columnTypes struct {
	timestamp  string
	serial     string
	boolean    string
	falseValue string
}

func (d dialect) columnTypes() columnTypes {
	if d == postgresDialect {
		return columnTypes{
			timestamp:  "TIMESTAMPTZ",
			serial:     "BIGSERIAL PRIMARY KEY",
			boolean:    "BOOLEAN",
			falseValue: "FALSE",
		}
	}
	return columnTypes{
		timestamp:  "DATETIME",
		serial:     "INTEGER PRIMARY KEY AUTOINCREMENT",
		boolean:    "INTEGER",
		falseValue: "0",
	}
}
