package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"

	logx "chronos/pkg/logx"
)

func openPostgres(ctx context.Context, cfg Config, log logx.Logger) (Repository, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("postgres dsn is required")
	}
	pcfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, err
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = cfg.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, err
	}
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	err = pool.Ping(pctx)
	cancel()
	if err != nil {
		pool.Close()
		return nil, err
	}

	db := stdlib.OpenDBFromPool(pool)
	if err := migrate(ctx, db, dialectPostgres, log); err != nil {
		_ = db.Close()
		pool.Close()
		return nil, err
	}
	log.Info("storage opened", logx.String("driver", "postgres"))
	return &sqlStore{
		db:      db,
		dialect: dialectPostgres,
		log:     log,
		now:     time.Now,
		closeFn: func() error { pool.Close(); return nil },
	}, nil
}
