package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Dialect captures the few differences between the Postgres and SQLite
// backends. Queries are written with $n placeholders.
type Dialect struct {
	Name   string
	Driver string
	// TxOptions is passed to BeginTx for ledger transactions.
	TxOptions *sql.TxOptions
	numbered  bool
}

var (
	Postgres = Dialect{
		Name:      "postgres",
		Driver:    "postgres",
		TxOptions: &sql.TxOptions{Isolation: sql.LevelSerializable},
	}
	SQLite = Dialect{
		Name:     "sqlite",
		Driver:   "sqlite",
		numbered: true,
	}
)

// DialectFor maps a storage driver name from config onto a Dialect.
func DialectFor(name string) (Dialect, error) {
	switch name {
	case "postgres":
		return Postgres, nil
	case "sqlite":
		return SQLite, nil
	}
	return Dialect{}, fmt.Errorf("unsupported sql driver %q", name)
}

// Rebind rewrites $n placeholders to ?n for SQLite.
func (d Dialect) Rebind(q string) string {
	if !d.numbered {
		return q
	}
	return strings.ReplaceAll(q, "$", "?")
}

// OpenDB opens and pings a database for the dialect. SQLite is limited to a
// single connection: it serializes writers anyway and :memory: databases are
// per-connection.
func OpenDB(ctx context.Context, d Dialect, dsn string) (*sql.DB, error) {
	db, err := sql.Open(d.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("%s open: %w", d.Name, err)
	}

	if d.Name == "sqlite" {
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(20)
		db.SetMaxIdleConns(10)
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("%s ping: %w", d.Name, err)
	}
	return db, nil
}
