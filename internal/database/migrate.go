package database

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"sync"

	"github.com/pressly/goose/v3"
)

//go:embed migrations
var migrationsFS embed.FS

type dialect struct {
	goose string
	dir   string
}

var (
	dialectSQLite   = dialect{goose: "sqlite3", dir: "migrations/sqlite"}
	dialectPostgres = dialect{goose: "postgres", dir: "migrations/postgres"}
)

// goose keeps its base FS and dialect in package globals.
var gooseMu sync.Mutex

func migrate(ctx context.Context, conn *sql.DB, d dialect) error {
	gooseMu.Lock()
	defer gooseMu.Unlock()

	goose.SetBaseFS(migrationsFS)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect(d.goose); err != nil {
		return fmt.Errorf("set dialect %s: %w", d.goose, err)
	}
	if err := goose.UpContext(ctx, conn, d.dir); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// SchemaVersion reports the applied migration version of a store.
func SchemaVersion(ctx context.Context, s Store) (int64, error) {
	var (
		conn *sql.DB
		d    dialect
	)
	switch st := s.(type) {
	case *DB:
		conn, d = st.conn, dialectSQLite
	case *PostgresStore:
		conn, d = st.conn, dialectPostgres
	default:
		return 0, fmt.Errorf("schema version: unsupported store %T", s)
	}

	gooseMu.Lock()
	defer gooseMu.Unlock()
	if err := goose.SetDialect(d.goose); err != nil {
		return 0, fmt.Errorf("set dialect %s: %w", d.goose, err)
	}
	return goose.GetDBVersionContext(ctx, conn)
}
