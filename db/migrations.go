package db

import (
	"context"
	"embed"
	"fmt"

	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Migrate brings the schema up to the latest version.
func (db *DB) Migrate(ctx context.Context) error {
	goose.SetBaseFS(migrations)
	goose.SetLogger(gooseLogger{db})

	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db.db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

type gooseLogger struct{ db *DB }

func (l gooseLogger) Printf(format string, v ...interface{}) {
	l.db.logger.Debugf(format, v...)
}

func (l gooseLogger) Fatalf(format string, v ...interface{}) {
	l.db.logger.Fatalf(format, v...)
}
