package oms

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ordergate/internal/audit"
	"ordergate/internal/breaker"
	"ordergate/internal/broker"
	"ordergate/internal/domain"
	"ordergate/internal/id"
	"ordergate/internal/queue"
	"ordergate/internal/risk"
	"ordergate/internal/store"
)

type testRig struct {
	oms   *OMS
	store *store.SQLiteStore
	sim   *broker.Simulator
	rec   *audit.Memory
}

func newTestRig(t *testing.T, riskCfg risk.Config) *testRig {
	t.Helper()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "ordergate.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	sim := broker.NewSimulator()
	brk := breaker.New("broker", breaker.Config{FailureThreshold: 100, Cooldown: time.Hour})
	rec := audit.NewMemory()
	q := queue.New(sim, brk, st, rec, nil, queue.WithDefaults(3, 0))
	rk := risk.NewEngine(riskCfg, rec, nil)
	rk.SetSweepers(q, q)

	return &testRig{
		oms:   New(st, rk, q, sim, rec, nil, WithSyncProcessing()),
		store: st,
		sim:   sim,
		rec:   rec,
	}
}

func newIntent(clientID string) *domain.Intent {
	return &domain.Intent{
		ClientIntentID: clientID,
		Symbol:         "AAPL",
		Side:           domain.SideBuy,
		Qty:            10,
		Type:           domain.OrderTypeMarket,
		Strategy:       "momentum",
	}
}

func TestSubmitIntentApprovedEndToEnd(t *testing.T) {
	rig := newTestRig(t, risk.Config{})
	ctx := context.Background()

	res, err := rig.oms.SubmitIntent(ctx, newIntent("cli-1"))
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
	assert.Equal(t, domain.IntentStatusExecuted, res.Intent.Status)
	assert.Len(t, res.Checks, 11)

	require.NotNil(t, res.Order)
	assert.Equal(t, domain.OrderStatusSubmitted, res.Order.Status)
	assert.NotEmpty(t, res.Order.BrokerOrderID)
	assert.Equal(t, res.Intent.ID, res.Order.IntentID)
	assert.Equal(t, 1, rig.sim.SubmitCalls())

	// Persisted state matches.
	stored, err := rig.store.GetIntent(ctx, res.Intent.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.IntentStatusExecuted, stored.Status)
	checks, err := rig.store.ListRiskChecks(ctx, res.Intent.ID)
	require.NoError(t, err)
	assert.Len(t, checks, 11)
}

func TestSubmitIntentRejected(t *testing.T) {
	rig := newTestRig(t, risk.Config{AllowedSymbols: []string{"MSFT"}})
	ctx := context.Background()

	res, err := rig.oms.SubmitIntent(ctx, newIntent("cli-1"))
	require.NoError(t, err)
	assert.Equal(t, domain.IntentStatusRejected, res.Intent.Status)
	assert.Contains(t, res.Intent.Reason, "not in allow-list")
	assert.Nil(t, res.Order)
	assert.Zero(t, rig.sim.SubmitCalls())
	assert.Len(t, res.Checks, 11)
}

func TestSubmitIntentIdempotentReplay(t *testing.T) {
	rig := newTestRig(t, risk.Config{})
	ctx := context.Background()

	first, err := rig.oms.SubmitIntent(ctx, newIntent("cli-dup"))
	require.NoError(t, err)

	second, err := rig.oms.SubmitIntent(ctx, newIntent("cli-dup"))
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.Intent.ID, second.Intent.ID)
	require.NotNil(t, second.Order)
	assert.Equal(t, first.Order.ID, second.Order.ID)

	// Risk ran once and the broker saw one submission.
	checks, err := rig.store.ListRiskChecks(ctx, first.Intent.ID)
	require.NoError(t, err)
	assert.Len(t, checks, 11)
	assert.Equal(t, 1, rig.sim.SubmitCalls())
	assert.Equal(t, 1, rig.oms.RiskState().DayTrades)
}

func TestSubmitIntentRejectedReplayStaysRejected(t *testing.T) {
	rig := newTestRig(t, risk.Config{AllowedSymbols: []string{"MSFT"}})
	ctx := context.Background()

	_, err := rig.oms.SubmitIntent(ctx, newIntent("cli-rej"))
	require.NoError(t, err)

	res, err := rig.oms.SubmitIntent(ctx, newIntent("cli-rej"))
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	assert.Equal(t, domain.IntentStatusRejected, res.Intent.Status)
	assert.Nil(t, res.Order)
}

func TestReplayRetriesQueueHandOffForApprovedIntent(t *testing.T) {
	rig := newTestRig(t, risk.Config{})
	ctx := context.Background()

	// An approved intent with no order is what a crashed hand-off leaves
	// behind.
	stranded := newIntent("cli-stranded")
	stranded.ID = id.New()
	stranded.Status = domain.IntentStatusApproved
	stranded.CreatedAt = time.Now().UTC()
	stranded.UpdatedAt = stranded.CreatedAt
	require.NoError(t, rig.store.InsertIntent(ctx, stranded))

	res, err := rig.oms.SubmitIntent(ctx, newIntent("cli-stranded"))
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	require.NotNil(t, res.Order)
	assert.Equal(t, stranded.ID, res.Order.IntentID)
	assert.Equal(t, domain.IntentStatusExecuted, res.Intent.Status)
}

func TestSubmitIntentValidation(t *testing.T) {
	rig := newTestRig(t, risk.Config{})

	bad := newIntent("cli-bad")
	bad.Qty = 0
	_, err := rig.oms.SubmitIntent(context.Background(), bad)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrValidation)
	assert.Zero(t, rig.sim.SubmitCalls())
}

func TestKillSwitchBlocksSubmissions(t *testing.T) {
	rig := newTestRig(t, risk.Config{})
	ctx := context.Background()

	_, err := rig.oms.SetKillSwitch(ctx, true, risk.ModeBlockNew, "maintenance")
	require.NoError(t, err)

	res, err := rig.oms.SubmitIntent(ctx, newIntent("cli-halted"))
	require.NoError(t, err)
	assert.Equal(t, domain.IntentStatusRejected, res.Intent.Status)
	assert.Contains(t, res.Intent.Reason, "kill switch")

	st := rig.oms.RiskState()
	assert.True(t, st.KillSwitch.Enabled)
	assert.Len(t, rig.rec.ByKind(domain.AuditKillSwitch), 1)
}

func TestKillSwitchCancelAllSweepsQueue(t *testing.T) {
	rig := newTestRig(t, risk.Config{})
	ctx := context.Background()

	res, err := rig.oms.SubmitIntent(ctx, newIntent("cli-open"))
	require.NoError(t, err)
	require.Equal(t, domain.OrderStatusSubmitted, res.Order.Status)

	ks, err := rig.oms.SetKillSwitch(ctx, true, risk.ModeCancelAll, "ops")
	require.NoError(t, err)
	assert.Equal(t, 1, ks.CancelledOrders)

	got, err := rig.oms.CancelOrder(ctx, res.Order.ID)
	assert.Nil(t, got)
	assert.Error(t, err) // already cancelled
}

func TestQueueStatsPassThrough(t *testing.T) {
	rig := newTestRig(t, risk.Config{})
	ctx := context.Background()

	_, err := rig.oms.SubmitIntent(ctx, newIntent("cli-stats"))
	require.NoError(t, err)

	st := rig.oms.QueueStats()
	assert.Equal(t, 1, st.Total)
	assert.Equal(t, 1, st.ByStatus[domain.OrderStatusSubmitted])
	assert.Equal(t, "CLOSED", st.Breaker.State)
}
