/**
 * @description
 * Bounded retry helper for store operations that can lose a lock or
 * serialization race under concurrent settlement. Retries are limited to the
 * SQLSTATEs that indicate transient contention; everything else surfaces
 * immediately.
 */

package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

const (
	maxAttempts    = 5
	baseBackoff    = 100 * time.Millisecond
	operationLimit = 30 * time.Second
)

// retryableSQLStates are the contention errors worth another attempt:
// serialization failure, deadlock detected, lock not available, and
// object in use.
var retryableSQLStates = map[string]bool{
	"40001": true,
	"40P01": true,
	"55P03": true,
	"55006": true,
}

func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return retryableSQLStates[pgErr.Code]
	}
	return false
}

// withRetry runs fn under a bounded deadline, retrying contention errors with
// exponential backoff (100ms base, doubling). The failed transaction is rolled
// back by fn's defer before the next attempt runs.
func withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	opCtx, cancel := context.WithTimeout(ctx, operationLimit)
	defer cancel()

	backoff := baseBackoff
	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err = fn(opCtx)
		if err == nil || !isRetryable(err) {
			return err
		}
		if attempt == maxAttempts {
			break
		}
		select {
		case <-time.After(backoff):
		case <-opCtx.Done():
			return opCtx.Err()
		}
		backoff *= 2
	}
	return err
}
