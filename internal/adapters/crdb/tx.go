package crdb

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/robertarktes/event-ticketing/internal/domain"
	"github.com/robertarktes/event-ticketing/internal/observability"
)

const (
	SerializationFailureCode = "40001"
	LockNotAvailableCode     = "55P03"
	UniqueViolationCode      = "23505"
	CheckViolationCode       = "23514"
)

type txKey struct{}

// WithTx runs fn in a SERIALIZABLE transaction carried by the context. A nested
// call joins the outer transaction. Serialization failures and lock timeouts
// restart fn from scratch up to maxRetries times, then surface as ErrConflict.
func (r *Repository) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if txFromContext(ctx) != nil {
		return fn(ctx)
	}

	ctx, span := observability.StartSpan(ctx, "crdb.tx")
	defer span.End()

	start := time.Now()
	defer func() {
		observability.DBTxDuration.Observe(time.Since(start).Seconds())
	}()

	var err error
	for attempt := 0; attempt <= r.maxRetries; attempt++ {
		if attempt > 0 {
			observability.DBTxRetries.Inc()
			backoff := time.Duration(1<<(attempt-1)) * 20 * time.Millisecond
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}

		err = r.runTx(ctx, fn)
		if !isRetryable(err) {
			return err
		}
	}
	span.RecordError(err)
	return errors.Mark(errors.Wrapf(err, "transaction aborted after %d attempts", r.maxRetries+1), domain.ErrConflict)
}

func (r *Repository) runTx(ctx context.Context, fn func(ctx context.Context) error) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	defer tx.Rollback(ctx)

	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func txFromContext(ctx context.Context) pgx.Tx {
	tx, _ := ctx.Value(txKey{}).(pgx.Tx)
	return tx
}

func (r *Repository) exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if tx := txFromContext(ctx); tx != nil {
		return tx.Exec(ctx, sql, args...)
	}
	return r.pool.Exec(ctx, sql, args...)
}

func (r *Repository) query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	if tx := txFromContext(ctx); tx != nil {
		return tx.Query(ctx, sql, args...)
	}
	return r.pool.Query(ctx, sql, args...)
}

func (r *Repository) queryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if tx := txFromContext(ctx); tx != nil {
		return tx.QueryRow(ctx, sql, args...)
	}
	return r.pool.QueryRow(ctx, sql, args...)
}

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

func isRetryable(err error) bool {
	switch pgCode(err) {
	case SerializationFailureCode, LockNotAvailableCode:
		return true
	}
	return false
}

func isUniqueViolation(err error) bool {
	return pgCode(err) == UniqueViolationCode
}

func isCheckViolation(err error) bool {
	return pgCode(err) == CheckViolationCode
}
