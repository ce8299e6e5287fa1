package idempotency

import (
	"context"
	"log/slog"
	"time"
)

// CleanupOldKeys removes records older than expiry.
// Run it periodically against repositories without native expiry.
func CleanupOldKeys(ctx context.Context, repo Repository, expiry time.Duration) (int64, error) {
	deleted, err := repo.DeleteOlderThan(ctx, expiry)
	if err != nil {
		slog.ErrorContext(ctx, "failed to cleanup old idempotency keys", "error", err)
		return 0, err
	}

	if deleted > 0 {
		slog.InfoContext(ctx, "cleaned up old idempotency keys", "deleted", deleted, "older_than", expiry)
	}

	return deleted, nil
}
