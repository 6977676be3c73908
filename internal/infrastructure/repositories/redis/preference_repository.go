package redis

import (
	"context"
	"errors"
	"fmt"

	"mprisctl/internal/core/domain"
	"mprisctl/internal/core/ports"
	"mprisctl/pkg/circuitbreaker"
	"mprisctl/pkg/tracing"

	"github.com/redis/go-redis/v9"
)

// PreferenceRepository stores the pinned peer under <prefix>pinned. Calls go
// through a circuit breaker so a dead server does not stall every pin.
type PreferenceRepository struct {
	client  redis.Cmdable
	key     string
	breaker *circuitbreaker.Breaker
}

var _ ports.PreferenceRepository = (*PreferenceRepository)(nil)

func NewPreferenceRepository(client redis.Cmdable, prefix string, breaker *circuitbreaker.Breaker) *PreferenceRepository {
	if breaker == nil {
		breaker = circuitbreaker.New(circuitbreaker.DefaultConfig())
	}
	return &PreferenceRepository{
		client:  client,
		key:     prefix + "pinned",
		breaker: breaker,
	}
}

func (r *PreferenceRepository) LoadPinned(ctx context.Context) (domain.PeerID, bool, error) {
	ctx, span := tracing.TraceRedis(ctx, "get", r.key)
	defer span.End()

	value, err := circuitbreaker.Do(r.breaker, func() (string, error) {
		value, err := r.client.Get(ctx, r.key).Result()
		if errors.Is(err, redis.Nil) {
			return "", nil
		}
		return value, err
	})
	if err != nil {
		tracing.Fail(span, err)
		return "", false, fmt.Errorf("failed to load pinned peer: %w", err)
	}
	if value == "" {
		return "", false, nil
	}
	return domain.PeerID(value), true, nil
}

func (r *PreferenceRepository) SavePinned(ctx context.Context, id domain.PeerID) error {
	ctx, span := tracing.TraceRedis(ctx, "set", r.key)
	defer span.End()

	err := r.breaker.Execute(func() error {
		return r.client.Set(ctx, r.key, string(id), 0).Err()
	})
	if err != nil {
		tracing.Fail(span, err)
		return fmt.Errorf("failed to save pinned peer: %w", err)
	}
	return nil
}

func (r *PreferenceRepository) ClearPinned(ctx context.Context) error {
	ctx, span := tracing.TraceRedis(ctx, "del", r.key)
	defer span.End()

	err := r.breaker.Execute(func() error {
		return r.client.Del(ctx, r.key).Err()
	})
	if err != nil {
		tracing.Fail(span, err)
		return fmt.Errorf("failed to clear pinned peer: %w", err)
	}
	return nil
}
