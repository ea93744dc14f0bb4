package core

import (
	"context"
	"errors"
	"time"

	"PariLedger/internal/observability"

	"github.com/rs/zerolog"
)

var ErrRunnerStopped = errors.New("runner stopped")

// Command is one unit of work executed on the Runner goroutine.
type Command func(ctx context.Context, c *Controller) error

type request struct {
	ctx  context.Context
	fn   Command
	done chan error
}

// Runner serializes every command against the controller on a single
// goroutine. HTTP handlers and sync subscribers submit work through Do.
type Runner struct {
	ctrl    *Controller
	dedup   *IdempotencyChecker
	cmds    chan request
	stopped chan struct{}
	metrics *observability.Metrics
	log     zerolog.Logger
	now     func() time.Time
}

// NewRunner creates a runner with a command queue of the given capacity.
// dedup may be nil, in which case inbound notices are applied every time.
func NewRunner(ctrl *Controller, capacity int, dedup *IdempotencyChecker) *Runner {
	return &Runner{
		ctrl:    ctrl,
		dedup:   dedup,
		cmds:    make(chan request, capacity),
		stopped: make(chan struct{}),
		metrics: ctrl.metrics,
		log:     ctrl.log.With().Str("component", "runner").Logger(),
		now:     time.Now,
	}
}

// Run executes queued commands until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	defer close(r.stopped)
	r.log.Info().Int("capacity", cap(r.cmds)).Msg("runner started")
	for {
		select {
		case <-ctx.Done():
			r.log.Info().Msg("runner stopping")
			return ctx.Err()
		case req := <-r.cmds:
			if r.metrics != nil {
				r.metrics.SetChannelMetrics("commands", len(r.cmds), cap(r.cmds))
			}
			// A caller that gave up before its turn gets nothing applied.
			if err := req.ctx.Err(); err != nil {
				req.done <- err
				continue
			}
			req.done <- req.fn(req.ctx, r.ctrl)
		}
	}
}

// Do queues fn and waits for its result. If ctx ends after fn was queued the
// command may still run.
func (r *Runner) Do(ctx context.Context, fn Command) error {
	req := request{ctx: ctx, fn: fn, done: make(chan error, 1)}
	select {
	case r.cmds <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-r.stopped:
		return ErrRunnerStopped
	}
	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-r.stopped:
		select {
		case err := <-req.done:
			return err
		default:
			return ErrRunnerStopped
		}
	}
}

// Submit runs a value-returning command on r.
func Submit[T any](ctx context.Context, r *Runner, fn func(context.Context, *Controller) (T, error)) (T, error) {
	var out T
	err := r.Do(ctx, func(ctx context.Context, c *Controller) error {
		var err error
		out, err = fn(ctx, c)
		return err
	})
	return out, err
}

// ApplyNotice applies an inbound notice at most once per notice id.
// Rejected notices are recorded as processed so redelivery does not retry
// them; store failures are not, so redelivery does.
func (r *Runner) ApplyNotice(ctx context.Context, noticeID string, n Notice) error {
	return r.Do(ctx, func(ctx context.Context, c *Controller) error {
		kind := string(n.Kind)
		if r.dedup != nil && r.dedup.IsDuplicate(kind, noticeID) {
			r.countNotice(kind, "duplicate")
			return nil
		}

		err := c.ApplyNotice(ctx, n)
		if IsStoreError(err) {
			r.countNotice(kind, "store_error")
			return err
		}
		result := "applied"
		if err != nil {
			result = "rejected"
			r.log.Warn().Err(err).Str("kind", kind).Str("notice_id", noticeID).Msg("inbound notice rejected")
		}
		r.countNotice(kind, result)

		if r.dedup != nil {
			if markErr := r.dedup.MarkProcessed(ctx, kind, noticeID, r.now()); markErr != nil {
				r.log.Error().Err(markErr).Str("notice_id", noticeID).Msg("failed to record processed notice")
			}
		}
		return err
	})
}

func (r *Runner) countNotice(kind, result string) {
	if r.metrics != nil {
		r.metrics.NoticesApplied.WithLabelValues(kind, result).Inc()
	}
}
