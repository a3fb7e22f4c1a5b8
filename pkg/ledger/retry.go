package ledger

import (
	"context"
	"errors"
	"time"
)

// retryOnConflict reruns fn while it loses a compare-and-swap, at most maxConflictAttempts times.
func (service *Service) retryOnConflict(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 1; attempt <= maxConflictAttempts; attempt++ {
		err = fn()
		if !errors.Is(err, ErrPersistenceConflict) {
			return err
		}
		if attempt == maxConflictAttempts {
			break
		}
		timer := time.NewTimer(service.backoff(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return WrapError(errorOperationService, errorSubjectRetry, errorCodeAttemptsExceeded, err)
}

func exponentialBackoff(attempt int) time.Duration {
	return defaultConflictBackoff << (attempt - 1)
}
