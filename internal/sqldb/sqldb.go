// Package sqldb holds the bits shared by the postgres and sqlite backends:
// driver registration, placeholder rebinding and identifier quoting.
package sqldb

import (
	"database/sql"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

const OperationTimeout = 5 * time.Second

type OpenFunc func(driverName, dsn string) (*sql.DB, error)

type Dialect struct {
	Driver string
	// numbered placeholders ($1, $2) instead of ?
	Numbered bool
	// sqlite serializes writers; more than one connection only produces
	// SQLITE_BUSY
	SingleConn bool
}

var (
	Postgres = Dialect{Driver: "postgres", Numbered: true}
	SQLite   = Dialect{Driver: "sqlite3", SingleConn: true}
)

// Rebind rewrites ? placeholders for dialects that number them.
func (d Dialect) Rebind(query string) string {
	if !d.Numbered {
		return query
	}
	var b strings.Builder
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

func (d Dialect) Open(open OpenFunc, dsn string) (*sql.DB, error) {
	if open == nil {
		open = sql.Open
	}
	db, err := open(d.Driver, dsn)
	if err != nil {
		return nil, err
	}
	if d.SingleConn {
		db.SetMaxOpenConns(1)
	}
	return db, nil
}

func QuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}

// SQLiteDSN adds a busy timeout to a sqlite path unless one is set.
func SQLiteDSN(path string) string {
	if strings.Contains(path, "_busy_timeout") {
		return path
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_busy_timeout=5000"
}
