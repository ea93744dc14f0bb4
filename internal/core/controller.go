package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"PariLedger/internal/ledger"
	"PariLedger/internal/market"
	"PariLedger/internal/observability"
	"PariLedger/internal/store"

	"github.com/rs/zerolog"
)

// Op carries the identity and clock reading for one operation. The
// controller never reads the wall clock for business rules.
type Op struct {
	Caller string
	Now    int64 // ms since epoch
}

// StoreError wraps a failure of the underlying store. The operation that hit
// it was rolled back.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string { return fmt.Sprintf("store failure during %s: %v", e.Op, e.Err) }

func (e *StoreError) Unwrap() error { return e.Err }

// IsStoreError reports whether err is (or wraps) a *StoreError.
func IsStoreError(err error) bool {
	var se *StoreError
	return errors.As(err, &se)
}

// Controller owns every mutation of the ledger. Each public operation runs
// inside exactly one store transaction.
type Controller struct {
	store     store.Store
	notifier  Notifier
	validator *ledger.InvariantValidator
	metrics   *observability.Metrics
	log       zerolog.Logger
}

type Option func(*Controller)

func WithNotifier(n Notifier) Option { return func(c *Controller) { c.notifier = n } }

func WithMetrics(m *observability.Metrics) Option { return func(c *Controller) { c.metrics = m } }

func WithLogger(l zerolog.Logger) Option { return func(c *Controller) { c.log = l } }

func NewController(s store.Store, opts ...Option) *Controller {
	c := &Controller{
		store:     s,
		notifier:  nopNotifier{},
		validator: ledger.NewInvariantValidator(),
		log:       zerolog.Nop(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// unit is the state of one in-flight operation.
type unit struct {
	name    string
	tx      store.Tx
	notices []Notice
}

func (u *unit) storeErr(what string, err error) error {
	return &StoreError{Op: u.name + ": " + what, Err: err}
}

func (u *unit) emit(n Notice) { u.notices = append(u.notices, n) }

// run executes fn in a transaction. Any error rolls back; notices are
// delivered only after a successful commit.
func (c *Controller) run(ctx context.Context, name string, fn func(u *unit) error) error {
	start := time.Now()

	tx, err := c.store.Begin(ctx)
	if err != nil {
		return c.finish(name, start, &StoreError{Op: name + ": begin", Err: err})
	}
	defer tx.Rollback()

	u := &unit{name: name, tx: tx}
	if err := fn(u); err != nil {
		return c.finish(name, start, err)
	}
	if err := tx.Commit(); err != nil {
		return c.finish(name, start, &StoreError{Op: name + ": commit", Err: err})
	}

	for _, n := range u.notices {
		c.notifier.Notify(n)
	}
	return c.finish(name, start, nil)
}

// view runs a read-only fn. The transaction is always rolled back.
func (c *Controller) view(ctx context.Context, name string, fn func(u *unit) error) error {
	tx, err := c.store.Begin(ctx)
	if err != nil {
		return &StoreError{Op: name + ": begin", Err: err}
	}
	defer tx.Rollback()
	return fn(&unit{name: name, tx: tx})
}

func (c *Controller) finish(name string, start time.Time, err error) error {
	if c.metrics != nil {
		c.metrics.OpDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	}
	switch {
	case err == nil:
		if c.metrics != nil {
			c.metrics.OpsApplied.WithLabelValues(name).Inc()
		}
	case IsStoreError(err):
		c.log.Error().Err(err).Str("op", name).Msg("store failure, operation rolled back")
		if c.metrics != nil {
			c.metrics.StoreErrors.WithLabelValues(name).Inc()
		}
	default:
		code := market.CodeOf(err)
		c.log.Debug().Str("op", name).Str("code", string(code)).Msg("operation rejected")
		if c.metrics != nil {
			c.metrics.OpsRejected.WithLabelValues(name, string(code)).Inc()
		}
	}
	return err
}

// --- read helpers shared by operations ---

func (u *unit) globals() (store.Globals, error) {
	g, err := u.tx.Globals()
	if err != nil {
		return g, u.storeErr("read globals", err)
	}
	return g, nil
}

func (u *unit) initializedGlobals() (store.Globals, error) {
	g, err := u.globals()
	if err != nil {
		return g, err
	}
	if !g.Initialized {
		return g, market.ErrNotInitialized
	}
	return g, nil
}

func (u *unit) market(id market.MarketID) (*market.Market, error) {
	m, ok, err := u.tx.Market(id)
	if err != nil {
		return nil, u.storeErr("read market", err)
	}
	if !ok {
		return nil, market.Reject(market.CodeMarketNotFound, fmt.Sprintf("market %d", id))
	}
	return m, nil
}

func (u *unit) bet(id market.BetID) (*market.Bet, error) {
	b, ok, err := u.tx.Bet(id)
	if err != nil {
		return nil, u.storeErr("read bet", err)
	}
	if !ok {
		return nil, market.Reject(market.CodeBetNotFound, fmt.Sprintf("bet %d", id))
	}
	return b, nil
}

func (u *unit) balance(owner string) (int64, error) {
	v, err := u.tx.Balance(owner)
	if err != nil {
		return 0, u.storeErr("read balance", err)
	}
	return v, nil
}

// check turns a store write error into a StoreError.
func (u *unit) check(what string, err error) error {
	if err != nil {
		return u.storeErr(what, err)
	}
	return nil
}
