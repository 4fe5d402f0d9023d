package ordergate

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ordergate/internal/audit"
	"ordergate/internal/breaker"
	"ordergate/internal/broker"
	"ordergate/internal/domain"
	"ordergate/internal/httpapi"
	"ordergate/internal/oms"
	"ordergate/internal/queue"
	"ordergate/internal/risk"
	"ordergate/internal/store"
)

func newClient(t *testing.T) *Client {
	t.Helper()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "ordergate.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	sim := broker.NewSimulator()
	brk := breaker.New("broker", breaker.Config{FailureThreshold: 100, Cooldown: time.Hour})
	q := queue.New(sim, brk, st, audit.Nop{}, nil, queue.WithDefaults(3, 0))
	rk := risk.NewEngine(risk.Config{}, audit.Nop{}, nil)
	rk.SetSweepers(q, q)
	o := oms.New(st, rk, q, sim, audit.Nop{}, nil, oms.WithSyncProcessing())

	srv := httptest.NewServer(httpapi.NewServer(o, nil).Handler())
	t.Cleanup(srv.Close)
	return NewClient(srv.URL)
}

func TestClientRoundTrip(t *testing.T) {
	c := newClient(t)
	ctx := context.Background()

	res, err := c.SubmitIntent(ctx, IntentRequest{
		ClientIntentID: "cli-1",
		Symbol:         "AAPL",
		Side:           domain.SideBuy,
		Qty:            10,
		Type:           domain.OrderTypeMarket,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.IntentStatusExecuted, res.Intent.Status)
	require.NotNil(t, res.Order)

	detail, err := c.GetIntent(ctx, res.Intent.ID)
	require.NoError(t, err)
	assert.Len(t, detail.Checks, 11)

	orders, err := c.Orders(ctx, domain.OrderStatusSubmitted)
	require.NoError(t, err)
	require.Len(t, orders, 1)

	cancelled, err := c.CancelOrder(ctx, res.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusCancelled, cancelled.Status)

	stats, err := c.QueueStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Total)
}

func TestClientKillSwitchAndErrors(t *testing.T) {
	c := newClient(t)
	ctx := context.Background()

	ks, err := c.SetKillSwitch(ctx, true, risk.ModeBlockNew, "maintenance")
	require.NoError(t, err)
	assert.True(t, ks.Enabled)

	state, err := c.RiskState(ctx)
	require.NoError(t, err)
	assert.True(t, state.KillSwitch.Enabled)

	_, err = c.GetIntent(ctx, "missing")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 404, apiErr.StatusCode)
}
