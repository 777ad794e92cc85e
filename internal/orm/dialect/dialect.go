// Package dialect covers the few statement differences the save engine cares
// about and opens database handles for the supported drivers.
package dialect

import (
	"database/sql"
	"fmt"
	"strings"

	// Registered drivers: "pgx", "postgres" and "sqlite3"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// Dialect describes placeholder style and identifier capture
type Dialect struct {
	name      string
	numbered  bool
	returning bool
}

var (
	// Postgres uses $n placeholders and INSERT ... RETURNING
	Postgres = Dialect{name: "postgres", numbered: true, returning: true}
	// SQLite uses ? placeholders and LastInsertId
	SQLite = Dialect{name: "sqlite3"}
)

// Name returns the dialect name
func (d Dialect) Name() string { return d.name }

// Returning reports whether generated ids are read with RETURNING
func (d Dialect) Returning() bool { return d.returning }

// Placeholder returns the placeholder of the n-th argument, counting from 1
func (d Dialect) Placeholder(n int) string {
	if d.numbered {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

// Placeholders returns count comma separated placeholders starting at first
func (d Dialect) Placeholders(first, count int) string {
	parts := make([]string, count)
	for i := range parts {
		parts[i] = d.Placeholder(first + i)
	}
	return strings.Join(parts, ", ")
}

// ForDriver returns the dialect of a database/sql driver name
func ForDriver(driver string) (Dialect, error) {
	switch driver {
	case "pgx", "postgres":
		return Postgres, nil
	case "sqlite3":
		return SQLite, nil
	default:
		return Dialect{}, fmt.Errorf("unsupported database driver: %s", driver)
	}
}

// Open opens a database handle and verifies the connection
func Open(driver, dsn string) (*sql.DB, Dialect, error) {
	d, err := ForDriver(driver)
	if err != nil {
		return nil, Dialect{}, err
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, Dialect{}, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, Dialect{}, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, d, nil
}
