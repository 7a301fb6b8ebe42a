package apply

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cockroachdb/errors"

	"github.com/tailbase/tailbase/storage"
)

const writeConflictBackoff = time.Millisecond

// writeConflictRetry runs fn until it stops failing with ErrWriteConflict.
// Conflicts only arise from concurrent writers, which drain, so the retry is
// unbounded; the context is the only way out.
func writeConflictRetry(ctx context.Context, log *slog.Logger, opName, ns string, fn func() error) error {
	attempt := 0
	op := func() error {
		err := fn()
		if err == nil {
			return nil
		}
		if errors.Is(err, storage.ErrWriteConflict) {
			attempt++
			log.Debug("caught write conflict, retrying",
				slog.String("op", opName),
				slog.String("ns", ns),
				slog.Int("attempt", attempt),
			)
			return err
		}
		return backoff.Permanent(err)
	}

	bo := backoff.WithContext(backoff.NewConstantBackOff(writeConflictBackoff), ctx)
	return backoff.Retry(op, bo)
}
