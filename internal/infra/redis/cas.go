package redis

import (
	"context"
	"errors"
	"fmt"

	"geoquest-engine/internal/domain"
	"github.com/redis/go-redis/v9"
)

const maxWatchRetries = 16

// watchRetry runs fn under WATCH key and retries when another client wrote the key between
// the read and EXEC. Errors returned by fn end the loop unchanged.
func watchRetry(ctx context.Context, client *redis.Client, key string, fn func(tx *redis.Tx) error) error {
	for i := 0; i < maxWatchRetries; i++ {
		err := client.Watch(ctx, fn, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("watch %s: %w", key, domain.ErrStaleState)
}
