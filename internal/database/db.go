// internal/database/db.go

// Package database is the membership store: lobbies, parties, and the users' lobby_id /
// party_id pointers. It runs on Postgres (pgx) or SQLite (modernc); queries are written once
// with '?' placeholders and rebound per engine.
package database

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jason-s-yu/cambia-lobby/internal/apperr"
)

// ErrNotFound is returned by reads that match no row.
var ErrNotFound = errors.New("record not found")

// AsNotFound converts ErrNotFound into an apperr not_found naming what was missing. Other
// errors pass through unchanged.
func AsNotFound(err error, what string) error {
	if errors.Is(err, ErrNotFound) {
		return &apperr.Error{Kind: apperr.KindNotFound, Reason: what, Err: err}
	}
	return err
}

// ConflictError reports a unique-constraint violation. Constraint is the engine's name for
// the violated constraint ("lobbies_title_key" on Postgres, "lobbies.title" on SQLite).
type ConflictError struct {
	Constraint string
	Err        error
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("unique constraint %q violated: %v", e.Constraint, e.Err)
}

func (e *ConflictError) Unwrap() error { return e.Err }

// IsConflictOn reports whether err is a unique violation on a constraint mentioning column.
func IsConflictOn(err error, column string) bool {
	var ce *ConflictError
	if !errors.As(err, &ce) {
		return false
	}
	return strings.Contains(ce.Constraint, column)
}

type engine int

const (
	enginePostgres engine = iota
	engineSQLite
)

func (e engine) String() string {
	if e == enginePostgres {
		return "postgres"
	}
	return "sqlite"
}

// row and rows are the subset of pgx and database/sql result types the queries use.
type row interface {
	Scan(dest ...any) error
}

type rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close()
}

// conn abstracts a pool or a transaction on either engine.
type conn interface {
	exec(ctx context.Context, q string, args ...any) (int64, error)
	queryRow(ctx context.Context, q string, args ...any) row
	query(ctx context.Context, q string, args ...any) (rows, error)
}

// queries holds the read and write statements shared by Store and Tx.
type queries struct {
	engine engine
	c      conn
}

// Store is the pooled entry point. Reads run outside any transaction; every mutation goes
// through InTx.
type Store struct {
	queries
	closeFn func()
	begin   func(ctx context.Context, fn func(conn) error) error
}

// Tx is an open transaction. All membership mutations are methods on Tx.
type Tx struct {
	queries
}

// Engine names the backing storage engine.
func (s *Store) Engine() string {
	return s.engine.String()
}

// Close releases the underlying pool.
func (s *Store) Close() {
	if s != nil && s.closeFn != nil {
		s.closeFn()
	}
}

// InTx runs fn inside one transaction. An error from fn rolls back and is returned as-is;
// failures to open or commit the transaction are reported as apperr.KindUnavailable.
func (s *Store) InTx(ctx context.Context, fn func(tx *Tx) error) error {
	var fnErr error
	err := s.begin(ctx, func(c conn) error {
		fnErr = fn(&Tx{queries: queries{engine: s.engine, c: c}})
		return fnErr
	})
	if fnErr != nil {
		return fnErr
	}
	if err != nil {
		return apperr.Unavailable(s.engine.String()+" transaction", err)
	}
	return nil
}

// rebind converts '?' placeholders into '$n' for Postgres.
func rebind(e engine, q string) string {
	if e != enginePostgres || !strings.Contains(q, "?") {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 8)
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}

// placeholders returns "?, ?, ?" for n arguments.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// likePattern escapes LIKE wildcards and wraps s for a lower-cased substring match.
func likePattern(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + r.Replace(strings.ToLower(s)) + "%"
}

func now() int64 {
	return toMillis(time.Now())
}
