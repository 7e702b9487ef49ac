package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	sentinal_errors "sentinal-e2ee/pkg/errors"
)

// DBTX abstracts *pgxpool.Pool, *pgx.Conn and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

type beginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

// notFoundOr maps pgx.ErrNoRows to ErrNotFound and anything else to a storage error.
func notFoundOr(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return sentinal_errors.ErrNotFound
	}
	return sentinal_errors.Storage(err)
}

// WithTx executes fn inside a transaction when db can begin one.
// If db is already a pgx.Tx, fn runs inside a savepoint of it.
func WithTx(ctx context.Context, db DBTX, fn func(DBTX) error) error {
	if db == nil {
		return errors.New("database not initialized")
	}
	b, ok := db.(beginner)
	if !ok {
		return errors.New("unsupported db type")
	}
	return pgx.BeginFunc(ctx, b, func(tx pgx.Tx) error {
		return fn(tx)
	})
}
