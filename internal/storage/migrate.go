package storage

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"

	"github.com/pressly/goose/v3"

	logx "chronos/pkg/logx"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrationsFS embed.FS

func migrate(ctx context.Context, db *sql.DB, d dialect, log logx.Logger) error {
	dir, gd := "migrations/sqlite", goose.DialectSQLite3
	if d == dialectPostgres {
		dir, gd = "migrations/postgres", goose.DialectPostgres
	}
	fsys, err := fs.Sub(migrationsFS, dir)
	if err != nil {
		return err
	}
	p, err := goose.NewProvider(gd, db, fsys)
	if err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	results, err := p.Up(ctx)
	if err != nil {
		return fmt.Errorf("migrate up: %w", err)
	}
	for _, r := range results {
		log.Info("migration applied",
			logx.Int64("version", r.Source.Version),
			logx.Duration("took", r.Duration),
		)
	}
	return nil
}
