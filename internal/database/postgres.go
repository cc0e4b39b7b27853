// internal/database/postgres.go
package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jason-s-yu/cambia-lobby/internal/apperr"
	"github.com/sirupsen/logrus"
)

// ConnectionString builds a postgres URL from the individual connection settings.
func ConnectionString(user, password, host, port, database string) string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s", user, password, host, port, database)
}

// OpenPostgres connects a pgx pool, pings it, and applies the embedded Postgres migrations.
func OpenPostgres(ctx context.Context, connStr string, logger *logrus.Logger) (*Store, error) {
	config, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("unable to parse pgx config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create pgx pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("db ping error: %w", err)
	}

	s := newPostgresStore(pool)
	if err := applyMigrations(ctx, s, "postgres"); err != nil {
		pool.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	logger.WithFields(logrus.Fields{
		"host":     config.ConnConfig.Host,
		"database": config.ConnConfig.Database,
	}).Info("connected to postgres")
	return s, nil
}

func newPostgresStore(pool *pgxpool.Pool) *Store {
	return &Store{
		queries: queries{engine: enginePostgres, c: pgxConn{q: pool}},
		closeFn: pool.Close,
		begin: func(ctx context.Context, fn func(conn) error) error {
			return pgx.BeginTxFunc(ctx, pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
				return fn(pgxConn{q: tx})
			})
		},
	}
}

// pgxQuerier is satisfied by both *pgxpool.Pool and pgx.Tx.
type pgxQuerier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type pgxConn struct {
	q pgxQuerier
}

func (c pgxConn) exec(ctx context.Context, q string, args ...any) (int64, error) {
	tag, err := c.q.Exec(ctx, rebind(enginePostgres, q), args...)
	if err != nil {
		return 0, pgError(err)
	}
	return tag.RowsAffected(), nil
}

func (c pgxConn) queryRow(ctx context.Context, q string, args ...any) row {
	return pgxRow{r: c.q.QueryRow(ctx, rebind(enginePostgres, q), args...)}
}

func (c pgxConn) query(ctx context.Context, q string, args ...any) (rows, error) {
	r, err := c.q.Query(ctx, rebind(enginePostgres, q), args...)
	if err != nil {
		return nil, pgError(err)
	}
	return r, nil
}

type pgxRow struct {
	r pgx.Row
}

func (r pgxRow) Scan(dest ...any) error {
	return pgError(r.r.Scan(dest...))
}

// pgError maps pgx sentinel and constraint errors onto the package errors.
func pgError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return &ConflictError{Constraint: pgErr.ConstraintName, Err: err}
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) || pgconn.Timeout(err) {
		return apperr.Unavailable("postgres", err)
	}
	return err
}
