package replication

import (
	"context"
	"errors"

	"PariLedger/internal/core"
	"PariLedger/internal/observability"

	"github.com/rs/zerolog"
)

// Inbound turns raw messages from any transport into Runner applications.
type Inbound struct {
	runner  *core.Runner
	origin  string
	metrics *observability.Metrics
	log     zerolog.Logger
}

func NewInbound(runner *core.Runner, origin string, metrics *observability.Metrics, log zerolog.Logger) *Inbound {
	return &Inbound{
		runner:  runner,
		origin:  origin,
		metrics: metrics,
		log:     log.With().Str("component", "inbound").Logger(),
	}
}

// Handle applies one raw message. A non-nil error means the message should
// be redelivered: malformed, foreign-rejected and self-originated messages
// all return nil.
func (in *Inbound) Handle(ctx context.Context, data []byte) error {
	env, err := Parse(data)
	if err != nil {
		in.log.Warn().Err(err).Int("bytes", len(data)).Msg("dropping malformed notice")
		return nil
	}
	if env.Origin == in.origin {
		return nil
	}
	if in.metrics != nil {
		in.metrics.NoticesReceived.WithLabelValues(string(env.Kind)).Inc()
	}

	err = in.runner.ApplyNotice(ctx, env.ID, env.Notice)
	switch {
	case err == nil:
		return nil
	case core.IsStoreError(err), errors.Is(err, core.ErrRunnerStopped),
		errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		// Rejected by the controller; already logged and recorded by the runner.
		return nil
	}
}
