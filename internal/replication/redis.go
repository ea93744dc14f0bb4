package replication

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// streamMaxLen bounds the audit stream via XADD MAXLEN ~.
const streamMaxLen int64 = 10000

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// Channel is the pub/sub channel prefix; notices go to {Channel}.{kind}.
	Channel string
	// Stream, when set, also receives every notice through XADD.
	Stream string
}

// NewRedisClient connects and pings.
func NewRedisClient(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	return rdb, nil
}

// RedisTransport publishes envelopes over pub/sub and appends them to a
// capped stream for late readers.
type RedisTransport struct {
	rdb     *redis.Client
	channel string
	stream  string
}

func NewRedisTransport(rdb *redis.Client, cfg RedisConfig) *RedisTransport {
	return &RedisTransport{rdb: rdb, channel: cfg.Channel, stream: cfg.Stream}
}

func (t *RedisTransport) Name() string { return "redis" }

func (t *RedisTransport) Publish(ctx context.Context, env Envelope, data []byte) error {
	channel := Subject(t.channel, env.Kind)
	if err := t.rdb.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("redis: publish %s: %w", channel, err)
	}
	if t.stream == "" {
		return nil
	}
	err := t.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: t.stream,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]interface{}{
			"id":      env.ID,
			"kind":    string(env.Kind),
			"payload": data,
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("redis: stream append %s: %w", t.stream, err)
	}
	return nil
}

// RedisSubscriber feeds {Channel}.* into an Inbound. Pub/sub has no
// redelivery, so failed notices are retried in place a few times.
type RedisSubscriber struct {
	rdb     *redis.Client
	inbound *Inbound
	pattern string
	log     zerolog.Logger
}

func NewRedisSubscriber(rdb *redis.Client, inbound *Inbound, cfg RedisConfig, log zerolog.Logger) *RedisSubscriber {
	return &RedisSubscriber{rdb: rdb, inbound: inbound, pattern: cfg.Channel + ".*", log: log}
}

// Run blocks until ctx is cancelled or the subscription fails.
func (s *RedisSubscriber) Run(ctx context.Context) error {
	pubsub := s.rdb.PSubscribe(ctx, s.pattern)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("redis: subscribe %s: %w", s.pattern, err)
	}
	s.log.Info().Str("pattern", s.pattern).Msg("subscribed")

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("redis: subscription %s closed", s.pattern)
			}
			s.deliver(ctx, msg.Channel, []byte(msg.Payload))
		}
	}
}

func (s *RedisSubscriber) deliver(ctx context.Context, channel string, data []byte) {
	backoff := 100 * time.Millisecond
	for attempt := 1; ; attempt++ {
		err := s.inbound.Handle(ctx, data)
		if err == nil {
			return
		}
		if attempt == 5 || ctx.Err() != nil {
			s.log.Error().Err(err).Str("channel", channel).Int("attempts", attempt).Msg("notice lost")
			return
		}
		select {
		case <-ctx.Done():
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}
