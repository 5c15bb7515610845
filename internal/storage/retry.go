package storage

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgconn"
)

// Postgres SQLSTATE codes worth another attempt when two archive writers
// upsert the same run.
const (
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
)

func isRetriable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == codeSerializationFailure || pgErr.Code == codeDeadlockDetected
}

// WithRetry runs fn, retrying up to maxRetries times while it fails with a
// serialization or deadlock error. Delays start at baseDelay and double with
// jitter. A non-positive baseDelay retries without waiting.
func WithRetry(ctx context.Context, maxRetries int, baseDelay time.Duration, fn func() error) error {
	if baseDelay < 0 {
		baseDelay = 0
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = baseDelay
	eb.MaxInterval = baseDelay << 6
	eb.MaxElapsedTime = 0
	eb.Reset()

	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(maxRetries)), ctx)
	return backoff.Retry(func() error {
		err := fn()
		if err != nil && !isRetriable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, b)
}
