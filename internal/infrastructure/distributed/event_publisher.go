// Package distributed fans controller events out over Redis pub/sub so
// other processes on the host can follow the active player.
package distributed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"mprisctl/internal/core/domain"
	"mprisctl/pkg/batch"
	"mprisctl/pkg/events"
	"mprisctl/pkg/tracing"
	"mprisctl/pkg/utils"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Envelope is one controller event as it travels on the channel.
type Envelope struct {
	Instance  string       `json:"instance"`
	Timestamp time.Time    `json:"timestamp"`
	Event     domain.Event `json:"event"`
}

// EventSource is the subscription half of the controller.
type EventSource interface {
	OnActivePeerChanged(fn func(domain.Event)) events.CancelFunc
	OnAvailablePeersChanged(fn func(domain.Event)) events.CancelFunc
	OnAnyPropertyChanged(fn func(domain.Event)) events.CancelFunc
	OnSeeked(fn func(domain.Event)) events.CancelFunc
}

type PublisherConfig struct {
	Channel string
	// Instance tags every envelope; a random id is used when empty.
	Instance      string
	BatchSize     int
	FlushInterval time.Duration
	Logger        *zap.SugaredLogger
	Now           func() time.Time
}

// EventPublisher batches controller events and publishes each batch in
// one Redis pipeline, off the event loop.
type EventPublisher struct {
	client   redis.Cmdable
	channel  string
	instance string
	batcher  *batch.Batcher[Envelope]
	cancels  []events.CancelFunc
	now      func() time.Time
	logger   *zap.SugaredLogger
}

func NewEventPublisher(client redis.Cmdable, cfg PublisherConfig) *EventPublisher {
	if cfg.Instance == "" {
		cfg.Instance = uuid.NewString()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 32
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 50 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}
	if cfg.Now == nil {
		cfg.Now = utils.Now
	}
	p := &EventPublisher{
		client:   client,
		channel:  cfg.Channel,
		instance: cfg.Instance,
		now:      cfg.Now,
		logger:   cfg.Logger.With("channel", cfg.Channel),
	}
	p.batcher = batch.NewBatcher[Envelope](cfg.BatchSize, cfg.FlushInterval, p.publish,
		batch.WithErrorHandler(func(err error, dropped int) {
			p.logger.Warnw("failed to publish events", "dropped", dropped, "error", err)
		}))
	return p
}

func (p *EventPublisher) Instance() string {
	return p.instance
}

// Attach starts forwarding events from src. It must run on the loop.
func (p *EventPublisher) Attach(src EventSource) {
	p.cancels = append(p.cancels,
		src.OnActivePeerChanged(p.enqueue),
		src.OnAvailablePeersChanged(p.enqueue),
		src.OnAnyPropertyChanged(p.enqueue),
		src.OnSeeked(p.enqueue),
	)
}

// Detach stops forwarding. It must run on the loop.
func (p *EventPublisher) Detach() {
	for _, cancel := range p.cancels {
		cancel()
	}
	p.cancels = nil
}

func (p *EventPublisher) enqueue(ev domain.Event) {
	p.batcher.Add(Envelope{Instance: p.instance, Timestamp: p.now(), Event: ev})
}

func (p *EventPublisher) publish(ctx context.Context, items []Envelope) error {
	ctx, span := tracing.TraceRedis(ctx, "publish", p.channel)
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	pipe := p.client.Pipeline()
	for _, env := range items {
		data, err := json.Marshal(env)
		if err != nil {
			p.logger.Warnw("dropping unencodable event", "kind", env.Event.Kind, "error", err)
			continue
		}
		pipe.Publish(ctx, p.channel, data)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		tracing.Fail(span, err)
		return fmt.Errorf("failed to publish %d events: %w", len(items), err)
	}
	p.logger.Debugw("published events", "count", len(items))
	return nil
}

// Close flushes queued events. Detach first so nothing new arrives.
func (p *EventPublisher) Close() {
	p.batcher.Stop()
}

// Follow delivers envelopes published on channel until ctx is done.
// Envelopes from skipInstance are dropped.
func Follow(ctx context.Context, client *redis.Client, channel, skipInstance string, logger *zap.SugaredLogger, handler func(Envelope)) error {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	pubsub := client.Subscribe(ctx, channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", channel, err)
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			env, err := decodeEnvelope(msg.Payload)
			if err != nil {
				logger.Warnw("failed to decode event", "error", err)
				continue
			}
			if skipInstance != "" && env.Instance == skipInstance {
				continue
			}
			handler(env)
		}
	}
}

func decodeEnvelope(payload string) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		return Envelope{}, err
	}
	if env.Event.Kind == "" {
		return Envelope{}, fmt.Errorf("envelope without event kind")
	}
	return env, nil
}
