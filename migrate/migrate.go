// Package migrate applies embedded SQL migrations on startup.
package migrate

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"lanchat/migrations"
)

// Dialect selects both the goose dialect and the migrations directory.
type Dialect string

const (
	SQLite   Dialect = "sqlite"
	Postgres Dialect = "postgres"
)

func (d Dialect) goose() (string, error) {
	switch d {
	case SQLite:
		return "sqlite3", nil
	case Postgres:
		return "postgres", nil
	}
	return "", fmt.Errorf("unsupported dialect %q", string(d))
}

// goose keeps its base FS and dialect in package state.
var mu sync.Mutex

// Up runs all pending migrations of dialect against db.
func Up(ctx context.Context, db *sql.DB, dialect Dialect) error {
	name, err := dialect.goose()
	if err != nil {
		return err
	}

	mu.Lock()
	defer mu.Unlock()

	goose.SetBaseFS(migrations.FS)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect(name); err != nil {
		return err
	}
	return goose.UpContext(ctx, db, string(dialect))
}

// UpDSN opens a PostgreSQL database through the pgx stdlib driver and
// migrates it.
func UpDSN(ctx context.Context, dsn string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return err
	}
	defer db.Close()

	return Up(ctx, db, Postgres)
}
