package monitoring

import (
	"context"
	"fmt"
	"time"

	"mprisctl/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

// Runner executes a function on the controller's event loop.
type Runner interface {
	Do(ctx context.Context, fn func()) error
}

// AddLoopCheck fails when the event loop does not pick up work in time,
// which means a handler is stuck.
func (h *HealthChecker) AddLoopCheck(loop Runner, timeout time.Duration) {
	h.AddCheck("event_loop", func(ctx context.Context) error {
		if err := loop.Do(ctx, func() {}); err != nil {
			return fmt.Errorf("event loop unresponsive: %w", err)
		}
		return nil
	}, timeout)
}

// AddRedisCheck adds a Redis health check
func (h *HealthChecker) AddRedisCheck(client *redis.Client, timeout time.Duration) {
	h.AddCheck("redis", func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}, timeout)
}

// AddPreferenceCheck verifies the pinned-peer store can be read.
func (h *HealthChecker) AddPreferenceCheck(repo ports.PreferenceRepository, timeout time.Duration) {
	h.AddCheck("preferences", func(ctx context.Context) error {
		_, _, err := repo.LoadPinned(ctx)
		return err
	}, timeout)
}
