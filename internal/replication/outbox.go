package replication

import (
	"context"
	"errors"
	"time"

	"PariLedger/internal/core"
	"PariLedger/internal/observability"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Transport delivers encoded envelopes to other domains.
type Transport interface {
	Name() string
	Publish(ctx context.Context, env Envelope, data []byte) error
}

// Outbox is the controller's Notifier. Notify only enqueues; Run publishes
// to every transport, retrying each with exponential backoff.
type Outbox struct {
	origin     string
	transports []Transport
	queue      chan Envelope
	clock      core.Clock
	metrics    *observability.Metrics
	log        zerolog.Logger

	backoff    time.Duration
	maxBackoff time.Duration
}

type OutboxConfig struct {
	Origin     string
	Capacity   int
	Backoff    time.Duration
	MaxBackoff time.Duration
}

func NewOutbox(cfg OutboxConfig, clock core.Clock, metrics *observability.Metrics, log zerolog.Logger, transports ...Transport) *Outbox {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 4096
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 100 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	return &Outbox{
		origin:     cfg.Origin,
		transports: transports,
		queue:      make(chan Envelope, cfg.Capacity),
		clock:      clock,
		metrics:    metrics,
		log:        log.With().Str("component", "outbox").Logger(),
		backoff:    cfg.Backoff,
		maxBackoff: cfg.MaxBackoff,
	}
}

// Notify stamps the notice and queues it. A full queue drops the notice.
func (o *Outbox) Notify(n core.Notice) {
	env := Envelope{
		ID:        uuid.NewString(),
		Origin:    o.origin,
		EmittedAt: o.clock.NowMillis(),
		Notice:    n,
	}
	select {
	case o.queue <- env:
		if o.metrics != nil {
			o.metrics.OutboxDepth.Set(float64(len(o.queue)))
		}
	default:
		if o.metrics != nil {
			o.metrics.PublishDrops.Inc()
		}
		o.log.Error().Str("id", env.ID).Str("kind", string(n.Kind)).
			Uint64("market_id", uint64(n.MarketID)).Msg("outbox full, notice dropped")
	}
}

// Run publishes queued notices until ctx is cancelled.
func (o *Outbox) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env := <-o.queue:
			if o.metrics != nil {
				o.metrics.OutboxDepth.Set(float64(len(o.queue)))
			}
			data, err := Marshal(env)
			if err != nil {
				o.log.Error().Err(err).Msg("dropping unencodable notice")
				continue
			}
			for _, t := range o.transports {
				if err := o.publishWithRetry(ctx, t, env, data); err != nil {
					return err
				}
			}
		}
	}
}

// publishWithRetry retries until the publish succeeds or ctx ends. Backoff
// starts at o.backoff and doubles up to o.maxBackoff.
func (o *Outbox) publishWithRetry(ctx context.Context, t Transport, env Envelope, data []byte) error {
	backoff := o.backoff
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			o.log.Warn().Int("attempt", attempt).Dur("backoff", backoff).
				Str("transport", t.Name()).Str("id", env.ID).Msg("publish retry")
			if o.metrics != nil {
				o.metrics.PublishRetry.Inc()
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, o.maxBackoff)
		}

		err := t.Publish(ctx, env, data)
		if err == nil {
			if o.metrics != nil {
				o.metrics.NoticesPublished.WithLabelValues(t.Name(), string(env.Kind)).Inc()
			}
			if attempt > 0 {
				o.log.Info().Int("retries", attempt).Str("id", env.ID).Msg("publish succeeded")
			}
			return nil
		}
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return ctx.Err()
		}
		if o.metrics != nil {
			o.metrics.PublishErrors.WithLabelValues(t.Name()).Inc()
		}
		o.log.Debug().Err(err).Str("transport", t.Name()).Msg("publish failed")
	}
}

// Pending reports how many notices wait in the queue.
func (o *Outbox) Pending() int { return len(o.queue) }
