package replication

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// StreamConfig names the JetStream stream carrying sync notices.
type StreamConfig struct {
	Stream        string
	SubjectPrefix string
	Consumer      string
	MaxAge        time.Duration
}

func DefaultStreamConfig(instance string) StreamConfig {
	return StreamConfig{
		Stream:        "PARI_LEDGER_SYNC",
		SubjectPrefix: "pari.ledger.sync",
		Consumer:      "ledger-sync-" + instance,
		MaxAge:        72 * time.Hour,
	}
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string, log zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}
	return nc, js, nil
}

// EnsureStream creates the sync stream if it does not exist. The duplicate
// window lets JetStream drop republished envelopes by Nats-Msg-Id.
func EnsureStream(ctx context.Context, js jetstream.JetStream, cfg StreamConfig) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       cfg.Stream,
		Subjects:   []string{cfg.SubjectPrefix + ".>"},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     cfg.MaxAge,
		Duplicates: 10 * time.Minute,
		Replicas:   1,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", cfg.Stream, err)
	}
	return nil
}

// NATSTransport publishes envelopes to {prefix}.{kind}.
type NATSTransport struct {
	js     jetstream.JetStream
	prefix string
}

func NewNATSTransport(js jetstream.JetStream, prefix string) *NATSTransport {
	return &NATSTransport{js: js, prefix: prefix}
}

func (t *NATSTransport) Name() string { return "nats" }

func (t *NATSTransport) Publish(ctx context.Context, env Envelope, data []byte) error {
	_, err := t.js.Publish(ctx, Subject(t.prefix, env.Kind), data, jetstream.WithMsgID(env.ID))
	return err
}

// NATSSubscriber feeds the sync stream into an Inbound through a durable
// consumer. Messages are acked once handled and nak'd with a delay when the
// handler asks for redelivery.
type NATSSubscriber struct {
	js       jetstream.JetStream
	inbound  *Inbound
	cfg      StreamConfig
	consumer jetstream.ConsumeContext
	log      zerolog.Logger
}

func NewNATSSubscriber(js jetstream.JetStream, inbound *Inbound, cfg StreamConfig, log zerolog.Logger) *NATSSubscriber {
	return &NATSSubscriber{js: js, inbound: inbound, cfg: cfg, log: log}
}

// Subscribe creates the consumer with explicit ACK, max_deliver=5 and
// ack_wait=30s, then starts consuming.
func (ns *NATSSubscriber) Subscribe(ctx context.Context) error {
	consumer, err := ns.js.CreateOrUpdateConsumer(ctx, ns.cfg.Stream, jetstream.ConsumerConfig{
		Durable:       ns.cfg.Consumer,
		FilterSubject: ns.cfg.SubjectPrefix + ".>",
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    5,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", ns.cfg.Consumer, err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		if err := ns.inbound.Handle(ctx, msg.Data()); err != nil {
			ns.log.Warn().Err(err).Str("subject", msg.Subject()).Msg("notice not applied, requesting redelivery")
			msg.NakWithDelay(time.Second)
			return
		}
		msg.Ack()
	})
	if err != nil {
		return fmt.Errorf("consume %s: %w", ns.cfg.Consumer, err)
	}
	ns.consumer = cc
	ns.log.Info().Str("subject", ns.cfg.SubjectPrefix+".>").Str("consumer", ns.cfg.Consumer).Msg("subscribed")
	return nil
}

func (ns *NATSSubscriber) Stop() {
	if ns.consumer != nil {
		ns.consumer.Stop()
	}
}
