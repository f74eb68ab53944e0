package main

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"strings"
	"time"

	persistence "github.com/goliatone/go-persistence-bun"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/schema"

	linkmigrations "github.com/goliatone/go-calendar-links/migrations"
)

type databaseConfig struct {
	driver string
	dsn    string
	debug  bool
}

func (c databaseConfig) GetDebug() bool { return c.debug }
func (c databaseConfig) GetDriver() string { return c.driver }
func (c databaseConfig) GetServer() string { return c.dsn }
func (c databaseConfig) GetPingTimeout() time.Duration { return 5 * time.Second }
func (c databaseConfig) GetOtelIdentifier() string { return "calendar-links" }

// migrationDialect maps a database/sql driver name to the migration tree
// that matches it.
func migrationDialect(driver string) (string, schema.Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "postgres", "pgx":
		return linkmigrations.DialectPostgres, pgdialect.New(), nil
	case "sqlite3", "sqlite":
		return linkmigrations.DialectSQLite, sqlitedialect.New(), nil
	default:
		return "", nil, fmt.Errorf("unsupported database driver %q", driver)
	}
}

func openPersistence(ctx context.Context, driver, dsn string, debug bool) (*persistence.Client, error) {
	dialectName, dialect, err := migrationDialect(driver)
	if err != nil {
		return nil, err
	}
	sqlDriver := "postgres"
	if dialectName == linkmigrations.DialectSQLite {
		sqlDriver = "sqlite3"
	}
	sqlDB, err := sql.Open(sqlDriver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", sqlDriver, err)
	}
	if dialectName == linkmigrations.DialectSQLite {
		sqlDB.SetMaxOpenConns(1)
	}

	client, err := persistence.New(databaseConfig{driver: sqlDriver, dsn: dsn, debug: debug}, sqlDB, dialect)
	if err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("new persistence client: %w", err)
	}

	_, err = linkmigrations.Register(ctx, func(_ context.Context, target string, _ string, fsys fs.FS) error {
		if target != dialectName {
			return nil
		}
		client.RegisterSQLMigrations(fsys)
		return nil
	}, linkmigrations.WithValidationTargets(dialectName))
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}
