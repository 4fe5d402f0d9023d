package risk

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ordergate/internal/audit"
	"ordergate/internal/domain"
)

func buyIntent(symbol string, qty int64) *domain.Intent {
	return &domain.Intent{
		ID:             "int-1",
		ClientIntentID: "cli-1",
		Symbol:         symbol,
		Side:           domain.SideBuy,
		Qty:            qty,
		Type:           domain.OrderTypeMarket,
	}
}

func flatAccount() *domain.Account {
	return &domain.Account{Equity: 100000, LastEquity: 100000, Cash: 100000, BuyingPower: 200000}
}

func quote(bid, ask float64) *domain.Quote {
	return &domain.Quote{Symbol: "AAPL", Bid: bid, Ask: ask, Last: (bid + ask) / 2}
}

func checkByName(t *testing.T, res *Result, name string) domain.RiskCheck {
	t.Helper()
	for _, c := range res.Checks {
		if c.Name == name {
			return c
		}
	}
	t.Fatalf("check %q not in result", name)
	return domain.RiskCheck{}
}

func TestCheckIntentAllChecksAlwaysPresent(t *testing.T) {
	e := NewEngine(Config{}, audit.Nop{}, nil)
	res := e.CheckIntent(context.Background(), buyIntent("AAPL", 10), &Context{
		Account: flatAccount(),
		Quote:   quote(99.95, 100.05),
	})

	require.True(t, res.Approved)
	assert.Empty(t, res.Reason)

	want := []string{
		CheckKillSwitch, CheckSymbolAllowed, CheckOrderNotional,
		CheckPositionNotional, CheckGrossExposure, CheckNetExposure,
		CheckDailyTradeCount, CheckOrderRate, CheckDailyLoss,
		CheckDrawdown, CheckSpread,
	}
	require.Len(t, res.Checks, len(want))
	for i, name := range want {
		assert.Equal(t, name, res.Checks[i].Name)
		assert.True(t, res.Checks[i].Passed, "check %s", name)
	}
}

func TestCheckIntentChecklistCompleteAfterFailure(t *testing.T) {
	e := NewEngine(Config{AllowedSymbols: []string{"MSFT"}}, audit.Nop{}, nil)
	res := e.CheckIntent(context.Background(), buyIntent("AAPL", 10), &Context{
		Account: flatAccount(),
		Quote:   quote(99.95, 100.05),
	})

	assert.False(t, res.Approved)
	assert.Len(t, res.Checks, 11)
	assert.Equal(t, checkByName(t, res, CheckSymbolAllowed).Details, res.Reason)
}

func TestKillSwitchGateRejects(t *testing.T) {
	e := NewEngine(Config{}, audit.Nop{}, nil)
	_, err := e.SetKillSwitch(context.Background(), true, ModeBlockNew, "manual halt")
	require.NoError(t, err)

	res := e.CheckIntent(context.Background(), buyIntent("AAPL", 1), &Context{Account: flatAccount()})
	assert.False(t, res.Approved)
	c := checkByName(t, res, CheckKillSwitch)
	assert.False(t, c.Passed)
	assert.Contains(t, c.Details, "manual halt")
}

func TestSymbolAllowListCaseInsensitive(t *testing.T) {
	e := NewEngine(Config{AllowedSymbols: []string{"aapl", "MSFT"}}, audit.Nop{}, nil)
	res := e.CheckIntent(context.Background(), buyIntent("AAPL", 1), &Context{Account: flatAccount()})
	assert.True(t, checkByName(t, res, CheckSymbolAllowed).Passed)
}

func TestOrderNotionalLimit(t *testing.T) {
	e := NewEngine(Config{MaxOrderNotional: 5000}, audit.Nop{}, nil)

	res := e.CheckIntent(context.Background(), buyIntent("AAPL", 100), &Context{
		Account: flatAccount(),
		Quote:   quote(99, 101), // mid 100, notional 10000
	})
	assert.False(t, res.Approved)
	assert.False(t, checkByName(t, res, CheckOrderNotional).Passed)

	res = e.CheckIntent(context.Background(), buyIntent("AAPL", 40), &Context{
		Account: flatAccount(),
		Quote:   quote(99, 101),
	})
	assert.True(t, checkByName(t, res, CheckOrderNotional).Passed)
}

func TestOrderNotionalNoPriceReference(t *testing.T) {
	e := NewEngine(Config{MaxOrderNotional: 5000}, audit.Nop{}, nil)
	res := e.CheckIntent(context.Background(), buyIntent("AAPL", 10), &Context{Account: flatAccount()})

	c := checkByName(t, res, CheckOrderNotional)
	assert.False(t, c.Passed)
	assert.Contains(t, c.Details, "no price reference")
}

func TestExposureChecks(t *testing.T) {
	positions := []domain.Position{
		{Symbol: "AAPL", Side: domain.PositionSideLong, Qty: 100, MarketValue: 10000},
		{Symbol: "TSLA", Side: domain.PositionSideShort, Qty: 50, MarketValue: 8000},
	}

	// Buying 50 more AAPL at ~100 projects the AAPL position to 15000.
	e := NewEngine(Config{MaxPositionNotional: 12000}, audit.Nop{}, nil)
	res := e.CheckIntent(context.Background(), buyIntent("AAPL", 50), &Context{
		Account:   flatAccount(),
		Positions: positions,
		Quote:     quote(99.95, 100.05),
	})
	assert.False(t, checkByName(t, res, CheckPositionNotional).Passed)

	// Gross is 18000 + 5000 new.
	e = NewEngine(Config{MaxGrossExposure: 20000}, audit.Nop{}, nil)
	res = e.CheckIntent(context.Background(), buyIntent("AAPL", 50), &Context{
		Account:   flatAccount(),
		Positions: positions,
		Quote:     quote(99.95, 100.05),
	})
	assert.False(t, checkByName(t, res, CheckGrossExposure).Passed)

	// Net is 2000 long; the 5000 buy projects to 7000.
	e = NewEngine(Config{MaxNetExposure: 6000}, audit.Nop{}, nil)
	res = e.CheckIntent(context.Background(), buyIntent("AAPL", 50), &Context{
		Account:   flatAccount(),
		Positions: positions,
		Quote:     quote(99.95, 100.05),
	})
	assert.False(t, checkByName(t, res, CheckNetExposure).Passed)

	// A sell of the same size projects net short 3000, within limit.
	sell := buyIntent("AAPL", 50)
	sell.Side = domain.SideSell
	res = e.CheckIntent(context.Background(), sell, &Context{
		Account:   flatAccount(),
		Positions: positions,
		Quote:     quote(99.95, 100.05),
	})
	assert.True(t, checkByName(t, res, CheckNetExposure).Passed)
}

func TestDailyTradeCountLimit(t *testing.T) {
	e := NewEngine(Config{MaxDailyTrades: 2}, audit.Nop{}, nil)
	rc := &Context{Account: flatAccount(), Quote: quote(99.95, 100.05)}

	for i := 0; i < 2; i++ {
		res := e.CheckIntent(context.Background(), buyIntent("AAPL", 1), rc)
		require.True(t, res.Approved, "intent %d", i)
	}
	res := e.CheckIntent(context.Background(), buyIntent("AAPL", 1), rc)
	assert.False(t, res.Approved)
	assert.False(t, checkByName(t, res, CheckDailyTradeCount).Passed)
}

func TestOrderRateSlidingWindow(t *testing.T) {
	e := NewEngine(Config{MaxOrdersPerMinute: 2}, audit.Nop{}, nil)
	now := time.Date(2026, 8, 27, 14, 0, 0, 0, time.UTC)
	e.now = func() time.Time { return now }
	rc := &Context{Account: flatAccount(), Quote: quote(99.95, 100.05)}

	require.True(t, e.CheckIntent(context.Background(), buyIntent("AAPL", 1), rc).Approved)
	require.True(t, e.CheckIntent(context.Background(), buyIntent("AAPL", 1), rc).Approved)

	res := e.CheckIntent(context.Background(), buyIntent("AAPL", 1), rc)
	assert.False(t, checkByName(t, res, CheckOrderRate).Passed)

	// Window slides: 61 seconds later both admissions have aged out.
	now = now.Add(61 * time.Second)
	res = e.CheckIntent(context.Background(), buyIntent("AAPL", 1), rc)
	assert.True(t, res.Approved)
}

func TestDailyLossFloor(t *testing.T) {
	e := NewEngine(Config{MaxDailyLoss: 1000}, audit.Nop{}, nil)
	res := e.CheckIntent(context.Background(), buyIntent("AAPL", 1), &Context{
		Account: &domain.Account{Equity: 98500, LastEquity: 100000},
	})
	assert.False(t, res.Approved)
	assert.False(t, checkByName(t, res, CheckDailyLoss).Passed)
}

func TestDrawdownTracksDayHigh(t *testing.T) {
	e := NewEngine(Config{MaxDrawdownPct: 2}, audit.Nop{}, nil)

	// First call establishes the day high at 105000.
	res := e.CheckIntent(context.Background(), buyIntent("AAPL", 1), &Context{
		Account: &domain.Account{Equity: 105000, LastEquity: 100000},
	})
	require.True(t, res.Approved)

	// Equity back at 100000 is a 4.76% drawdown from the high even
	// though daily P&L is flat.
	res = e.CheckIntent(context.Background(), buyIntent("AAPL", 1), &Context{
		Account: &domain.Account{Equity: 100000, LastEquity: 100000},
	})
	assert.False(t, checkByName(t, res, CheckDrawdown).Passed)
}

func TestSpreadCheck(t *testing.T) {
	e := NewEngine(Config{MaxSpreadBps: 20}, audit.Nop{}, nil)

	// 100.50 - 99.50 around a 100 mid is 100 bps.
	res := e.CheckIntent(context.Background(), buyIntent("AAPL", 1), &Context{
		Account: flatAccount(),
		Quote:   quote(99.50, 100.50),
	})
	assert.False(t, checkByName(t, res, CheckSpread).Passed)

	res = e.CheckIntent(context.Background(), buyIntent("AAPL", 1), &Context{
		Account: flatAccount(),
		Quote:   quote(99.95, 100.05),
	})
	assert.True(t, checkByName(t, res, CheckSpread).Passed)

	// No quote: pass with a note rather than freezing market orders.
	res = e.CheckIntent(context.Background(), buyIntent("AAPL", 1), &Context{Account: flatAccount()})
	c := checkByName(t, res, CheckSpread)
	assert.True(t, c.Passed)
	assert.Contains(t, c.Details, "not evaluated")
}

func TestAnomalyAutoHalt(t *testing.T) {
	rec := audit.NewMemory()
	e := NewEngine(Config{AllowedSymbols: []string{"MSFT"}, AnomalyThreshold: 3}, rec, nil)
	rc := &Context{Account: flatAccount(), Quote: quote(99.95, 100.05)}

	for i := 0; i < 3; i++ {
		e.CheckIntent(context.Background(), buyIntent("AAPL", 1), rc)
	}

	st := e.State()
	assert.True(t, st.KillSwitch.Enabled)
	assert.True(t, st.KillSwitch.Auto)
	assert.Equal(t, ModeBlockNew, st.KillSwitch.Mode)
	require.Len(t, rec.ByKind(domain.AuditKillSwitchAuto), 1)
}

func TestAnomalyRunResetsOnApproval(t *testing.T) {
	e := NewEngine(Config{AllowedSymbols: []string{"MSFT"}, AnomalyThreshold: 3}, audit.Nop{}, nil)
	rc := &Context{Account: flatAccount(), Quote: quote(99.95, 100.05)}

	e.CheckIntent(context.Background(), buyIntent("AAPL", 1), rc)
	e.CheckIntent(context.Background(), buyIntent("AAPL", 1), rc)
	e.CheckIntent(context.Background(), buyIntent("MSFT", 1), rc) // approved
	e.CheckIntent(context.Background(), buyIntent("AAPL", 1), rc)

	st := e.State()
	assert.False(t, st.KillSwitch.Enabled)
	assert.Equal(t, 1, st.AnomalyRun)
}

func TestNoteRateLimitedFeedsAnomalyTracker(t *testing.T) {
	rec := audit.NewMemory()
	e := NewEngine(Config{AnomalyThreshold: 2}, rec, nil)

	e.NoteRateLimited(context.Background())
	assert.False(t, e.State().KillSwitch.Enabled)
	e.NoteRateLimited(context.Background())
	assert.True(t, e.State().KillSwitch.Enabled)
}

type stubSweeper struct {
	cancelled int
	flattened int
	cancelErr error
}

func (s *stubSweeper) CancelOpenOrders(ctx context.Context) (int, error) {
	return s.cancelled, s.cancelErr
}

func (s *stubSweeper) FlattenPositions(ctx context.Context) (int, error) {
	return s.flattened, nil
}

func TestSetKillSwitchModes(t *testing.T) {
	rec := audit.NewMemory()
	e := NewEngine(Config{}, rec, nil)
	sw := &stubSweeper{cancelled: 3, flattened: 2}
	e.SetSweepers(sw, sw)

	ks, err := e.SetKillSwitch(context.Background(), true, ModeCancelAll, "ops")
	require.NoError(t, err)
	assert.Equal(t, 3, ks.CancelledOrders)
	assert.Equal(t, 0, ks.FlattenedPositions)

	ks, err = e.SetKillSwitch(context.Background(), true, ModeFlatten, "ops")
	require.NoError(t, err)
	assert.Equal(t, 3, ks.CancelledOrders)
	assert.Equal(t, 2, ks.FlattenedPositions)

	ks, err = e.SetKillSwitch(context.Background(), false, "", "resolved")
	require.NoError(t, err)
	assert.False(t, ks.Enabled)
	assert.Len(t, rec.ByKind(domain.AuditKillSwitch), 3)
}

func TestSetKillSwitchSweepErrorKeepsHalt(t *testing.T) {
	e := NewEngine(Config{}, audit.Nop{}, nil)
	sw := &stubSweeper{cancelErr: errors.New("broker down")}
	e.SetSweepers(sw, sw)

	_, err := e.SetKillSwitch(context.Background(), true, ModeCancelAll, "ops")
	require.Error(t, err)
	assert.True(t, e.State().KillSwitch.Enabled)
}

func TestSetKillSwitchRejectsUnknownMode(t *testing.T) {
	e := NewEngine(Config{}, audit.Nop{}, nil)
	_, err := e.SetKillSwitch(context.Background(), true, Mode("panic"), "ops")
	require.Error(t, err)
	assert.False(t, e.State().KillSwitch.Enabled)
}

func TestDisengageResetsAnomalyRun(t *testing.T) {
	e := NewEngine(Config{AnomalyThreshold: 2}, audit.Nop{}, nil)
	e.NoteRateLimited(context.Background())
	e.NoteRateLimited(context.Background())
	require.True(t, e.State().KillSwitch.Enabled)

	_, err := e.SetKillSwitch(context.Background(), false, "", "resolved")
	require.NoError(t, err)
	st := e.State()
	assert.False(t, st.KillSwitch.Enabled)
	assert.Equal(t, 0, st.AnomalyRun)
}
