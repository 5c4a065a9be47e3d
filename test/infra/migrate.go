package infra

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"sharerepo/db"
	"sharerepo/store"
)

// Open connects to d, migrates it and empties every table. Shared databases
// get a fresh schema for the run, dropped again by the returned teardown.
func Open(ctx context.Context, d *Database) (*pgxpool.Pool, func(context.Context) error, error) {
	pc := db.PoolConfig{MaxConns: 32, MaxConnIdleTime: 30 * time.Second}
	teardown := func(context.Context) error { return nil }

	if d.Shared {
		pc.Schema = fmt.Sprintf("stress_run_%d", time.Now().UnixNano())
		if err := execOnce(ctx, d.DSN, "CREATE SCHEMA "+pgx.Identifier{pc.Schema}.Sanitize()); err != nil {
			return nil, nil, fmt.Errorf("create schema %s: %w", pc.Schema, err)
		}
		teardown = func(ctx context.Context) error {
			return execOnce(ctx, d.DSN, "DROP SCHEMA IF EXISTS "+pgx.Identifier{pc.Schema}.Sanitize()+" CASCADE")
		}
	}

	pool, err := db.NewPool(ctx, d.DSN, pc)
	if err != nil {
		return nil, nil, err
	}
	if _, err := store.Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, nil, err
	}
	if err := store.Reset(ctx, pool); err != nil {
		pool.Close()
		return nil, nil, err
	}
	return pool, teardown, nil
}

func execOnce(ctx context.Context, dsn, sql string) error {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)
	_, err = conn.Exec(ctx, sql)
	return err
}
