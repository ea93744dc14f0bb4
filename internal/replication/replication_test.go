package replication_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"PariLedger/internal/core"
	"PariLedger/internal/market"
	"PariLedger/internal/observability"
	"PariLedger/internal/replication"
	"PariLedger/internal/store/memory"
	"PariLedger/internal/testutil"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Test helpers ---

func sampleMarket(id market.MarketID) *market.Market {
	return &market.Market{
		ID: id, MatchID: "m-1", Title: "Final", CreatedAt: 100, LocksAt: 5_000, Status: market.StatusOpen,
		Options: []market.Option{{ID: 0, Label: "home", Pool: 10}, {ID: 1, Label: "away"}},
	}
}

func envelope(origin string, n core.Notice) []byte {
	data, err := replication.Marshal(replication.Envelope{
		ID: uuid.NewString(), Origin: origin, EmittedAt: 1, Notice: n,
	})
	if err != nil {
		panic(err)
	}
	return data
}

type node struct {
	ctrl    *core.Controller
	runner  *core.Runner
	inbound *replication.Inbound
}

// newNode starts a controller + runner + inbound handler on a memory store.
func newNode(t *testing.T, origin string, opts ...core.Option) *node {
	t.Helper()
	ctrl := core.NewController(memory.New(), opts...)
	require.NoError(t, ctrl.Initialize(context.Background(), 100))
	dedup := core.NewIdempotencyChecker(64, nil, nil)
	runner := core.NewRunner(ctrl, 16, dedup)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		runner.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return &node{
		ctrl:    ctrl,
		runner:  runner,
		inbound: replication.NewInbound(runner, origin, nil, zerolog.Nop()),
	}
}

// ============================================================================
// Test: Envelope parsing
// ============================================================================

func TestParse(t *testing.T) {
	good := replication.Envelope{
		ID: uuid.NewString(), Origin: "east", EmittedAt: 7,
		Notice: core.Notice{Kind: core.NoticeMarketSynced, MarketID: 4, Market: sampleMarket(4)},
	}
	mutate := func(fn func(e *replication.Envelope)) []byte {
		e := good
		fn(&e)
		data, err := json.Marshal(e)
		require.NoError(t, err)
		return data
	}

	tests := []struct {
		name string
		data []byte
		ok   bool
	}{
		{"snapshot", mutate(func(*replication.Envelope) {}), true},
		{"resolution", mutate(func(e *replication.Envelope) {
			e.Notice = core.Notice{Kind: core.NoticeMarketResolved, MarketID: 4, WinningOption: 1}
		}), true},
		{"not json", []byte("{"), false},
		{"bad id", mutate(func(e *replication.Envelope) { e.ID = "nope" }), false},
		{"no origin", mutate(func(e *replication.Envelope) { e.Origin = "" }), false},
		{"unknown kind", mutate(func(e *replication.Envelope) { e.Kind = "market_deleted" }), false},
		{"no market id", mutate(func(e *replication.Envelope) { e.MarketID = 0 }), false},
		{"snapshot without market", mutate(func(e *replication.Envelope) { e.Market = nil }), false},
		{"snapshot id mismatch", mutate(func(e *replication.Envelope) { e.MarketID = 5 }), false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := replication.Parse(tc.data)
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestEnvelope_NoticeFieldsAreInlined(t *testing.T) {
	data := envelope("east", core.Notice{Kind: core.NoticeMarketResolved, MarketID: 9, WinningOption: 2})
	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, "market_resolved", raw["kind"])
	assert.Equal(t, 9.0, raw["market_id"])
	assert.Equal(t, "east", raw["origin"])
	assert.Equal(t, "pari.ledger.sync.market_resolved", replication.Subject("pari.ledger.sync", core.NoticeMarketResolved))
}

// ============================================================================
// Test: Outbox
// ============================================================================

type flakyTransport struct {
	mu       sync.Mutex
	failures int
	got      []replication.Envelope
	sent     chan struct{}
}

func (f *flakyTransport) Name() string { return "flaky" }

func (f *flakyTransport) Publish(_ context.Context, env replication.Envelope, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return errors.New("broker unavailable")
	}
	parsed, err := replication.Parse(data)
	if err != nil {
		return err
	}
	f.got = append(f.got, parsed)
	f.sent <- struct{}{}
	return nil
}

func TestOutbox_RetriesUntilPublished(t *testing.T) {
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	tr := &flakyTransport{failures: 2, sent: make(chan struct{}, 4)}
	ob := replication.NewOutbox(replication.OutboxConfig{
		Origin: "east", Backoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond,
	}, testutil.NewFixedClock(42), metrics, zerolog.Nop(), tr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ob.Run(ctx)

	ob.Notify(core.Notice{Kind: core.NoticeMarketResolved, MarketID: 3, WinningOption: 1})
	select {
	case <-tr.sent:
	case <-time.After(5 * time.Second):
		t.Fatal("notice never published")
	}

	tr.mu.Lock()
	defer tr.mu.Unlock()
	require.Len(t, tr.got, 1)
	assert.Equal(t, "east", tr.got[0].Origin)
	assert.Equal(t, int64(42), tr.got[0].EmittedAt)
	assert.Equal(t, uint8(1), tr.got[0].WinningOption)
	assert.Equal(t, 2.0, promtest.ToFloat64(metrics.PublishRetry))
	assert.Equal(t, 2.0, promtest.ToFloat64(metrics.PublishErrors.WithLabelValues("flaky")))
	assert.Equal(t, 1.0, promtest.ToFloat64(metrics.NoticesPublished.WithLabelValues("flaky", "market_resolved")))
}

func TestOutbox_DropsWhenFull(t *testing.T) {
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	ob := replication.NewOutbox(replication.OutboxConfig{Origin: "east", Capacity: 1},
		testutil.NewFixedClock(1), metrics, zerolog.Nop())

	ob.Notify(core.Notice{Kind: core.NoticeMarketResolved, MarketID: 1})
	ob.Notify(core.Notice{Kind: core.NoticeMarketResolved, MarketID: 2})
	assert.Equal(t, 1, ob.Pending())
	assert.Equal(t, 1.0, promtest.ToFloat64(metrics.PublishDrops))
}

// ============================================================================
// Test: Inbound
// ============================================================================

func TestInbound_AppliesForeignNotices(t *testing.T) {
	n := newNode(t, "west")
	ctx := context.Background()

	require.NoError(t, n.inbound.Handle(ctx, envelope("east", core.Notice{
		Kind: core.NoticeMarketSynced, MarketID: 4, Market: sampleMarket(4),
	})))
	m, err := n.ctrl.Market(ctx, 4)
	require.NoError(t, err)
	assert.Equal(t, "Final", m.Title)

	require.NoError(t, n.inbound.Handle(ctx, envelope("east", core.Notice{
		Kind: core.NoticeMarketResolved, MarketID: 4, WinningOption: 1,
	})))
	m, err = n.ctrl.Market(ctx, 4)
	require.NoError(t, err)
	assert.Equal(t, market.StatusResolved, m.Status)
}

func TestInbound_IgnoresOwnMalformedAndRejected(t *testing.T) {
	n := newNode(t, "west")
	ctx := context.Background()

	require.NoError(t, n.inbound.Handle(ctx, envelope("west", core.Notice{
		Kind: core.NoticeMarketSynced, MarketID: 4, Market: sampleMarket(4),
	})))
	_, err := n.ctrl.Market(ctx, 4)
	assert.ErrorIs(t, err, market.ErrMarketNotFound, "own notices are not re-applied")

	assert.NoError(t, n.inbound.Handle(ctx, []byte("garbage")))

	bad := sampleMarket(6)
	bad.LocksAt = bad.CreatedAt
	assert.NoError(t, n.inbound.Handle(ctx, envelope("east", core.Notice{
		Kind: core.NoticeMarketSynced, MarketID: 6, Market: bad,
	})))
	_, err = n.ctrl.Market(ctx, 6)
	assert.ErrorIs(t, err, market.ErrMarketNotFound)
}

func TestInbound_DuplicateDeliveryAppliedOnce(t *testing.T) {
	n := newNode(t, "west")
	ctx := context.Background()

	first := sampleMarket(8)
	data := envelope("east", core.Notice{Kind: core.NoticeMarketSynced, MarketID: 8, Market: first})
	require.NoError(t, n.inbound.Handle(ctx, data))

	// A later local change must survive a redelivery of the same envelope.
	require.NoError(t, n.ctrl.LockMarket(ctx, core.Op{Caller: "admin", Now: 200}, 8))
	require.NoError(t, n.inbound.Handle(ctx, data))

	m, err := n.ctrl.Market(ctx, 8)
	require.NoError(t, err)
	assert.Equal(t, market.StatusLocked, m.Status)
}

// ============================================================================
// Test: Two domains wired through a loopback transport
// ============================================================================

type loopback struct {
	peer *replication.Inbound
}

func (l loopback) Name() string { return "loopback" }

func (l loopback) Publish(ctx context.Context, _ replication.Envelope, data []byte) error {
	return l.peer.Handle(ctx, data)
}

func TestReplication_TwoDomainsConverge(t *testing.T) {
	west := newNode(t, "west")
	ob := replication.NewOutbox(replication.OutboxConfig{Origin: "east"},
		testutil.NewFixedClock(1), nil, zerolog.Nop(), loopback{peer: west.inbound})
	east := newNode(t, "east", core.WithNotifier(ob))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ob.Run(ctx)

	created, err := east.ctrl.CreateMarket(ctx, core.Op{Caller: "admin", Now: 1_000}, core.CreateMarketRequest{
		MatchID: "derby", Title: "Derby", Options: []string{"home", "away"}, LocksAt: 9_000,
	})
	require.NoError(t, err)
	require.NoError(t, east.ctrl.ResolveMarket(ctx, core.Op{Caller: "admin", Now: 2_000}, created.ID, 1))

	require.Eventually(t, func() bool {
		m, err := west.ctrl.Market(ctx, created.ID)
		return err == nil && m.Status == market.StatusResolved && *m.WinningOption == 1
	}, 5*time.Second, 10*time.Millisecond)

	byMatch, err := west.ctrl.MarketsByMatch(ctx, "derby")
	require.NoError(t, err)
	assert.Len(t, byMatch, 1)
}

// ============================================================================
// Integration: real brokers
// ============================================================================

func TestNATSTransport_Integration(t *testing.T) {
	testutil.RequireIntegration(t)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	nc, js, err := replication.ConnectNATS(testutil.TestNATSURL(), zerolog.Nop())
	if err != nil {
		t.Skipf("NATS unavailable: %v", err)
	}
	defer nc.Close()

	cfg := replication.DefaultStreamConfig("it-" + uuid.NewString()[:8])
	cfg.Stream = "PARI_LEDGER_SYNC_IT"
	cfg.SubjectPrefix = "pari.it." + uuid.NewString()[:8]
	require.NoError(t, replication.EnsureStream(ctx, js, cfg))

	west := newNode(t, "west")
	sub := replication.NewNATSSubscriber(js, west.inbound, cfg, zerolog.Nop())
	require.NoError(t, sub.Subscribe(ctx))
	defer sub.Stop()

	env := replication.Envelope{ID: uuid.NewString(), Origin: "east",
		Notice: core.Notice{Kind: core.NoticeMarketSynced, MarketID: 11, Market: sampleMarket(11)}}
	data, err := replication.Marshal(env)
	require.NoError(t, err)
	tr := replication.NewNATSTransport(js, cfg.SubjectPrefix)
	require.NoError(t, tr.Publish(ctx, env, data))
	require.NoError(t, tr.Publish(ctx, env, data))

	require.Eventually(t, func() bool {
		_, err := west.ctrl.Market(ctx, 11)
		return err == nil
	}, 10*time.Second, 50*time.Millisecond)
}

func TestRedisTransport_Integration(t *testing.T) {
	testutil.RequireIntegration(t)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	cfg := replication.RedisConfig{
		Addr:    testutil.TestRedisAddr(),
		Channel: "pari.it." + uuid.NewString()[:8],
		Stream:  "pari:it:sync",
	}
	rdb, err := replication.NewRedisClient(ctx, cfg)
	if err != nil {
		t.Skipf("Redis unavailable: %v", err)
	}
	defer rdb.Close()

	west := newNode(t, "west")
	sub := replication.NewRedisSubscriber(rdb, west.inbound, cfg, zerolog.Nop())
	subCtx, stop := context.WithCancel(ctx)
	defer stop()
	go sub.Run(subCtx)

	env := replication.Envelope{ID: uuid.NewString(), Origin: "east",
		Notice: core.Notice{Kind: core.NoticeMarketSynced, MarketID: 12, Market: sampleMarket(12)}}
	data, err := replication.Marshal(env)
	require.NoError(t, err)
	tr := replication.NewRedisTransport(rdb, cfg)

	// Pub/sub drops messages sent before the subscription is live.
	require.Eventually(t, func() bool {
		if err := tr.Publish(ctx, env, data); err != nil {
			return false
		}
		_, err := west.ctrl.Market(ctx, 12)
		return err == nil
	}, 10*time.Second, 100*time.Millisecond)
}
