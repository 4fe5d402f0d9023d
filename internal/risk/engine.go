// Package risk evaluates trade intents against the configured policy set and
// owns the global kill switch. Every evaluation produces the full checklist:
// one outcome per policy, even after an earlier policy has failed, so callers
// always see why an intent was admitted or rejected.
package risk

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"ordergate/internal/audit"
	"ordergate/internal/domain"
)

// Policy check names, in evaluation order.
const (
	CheckKillSwitch       = "kill_switch"
	CheckSymbolAllowed    = "symbol_allowed"
	CheckOrderNotional    = "order_notional"
	CheckPositionNotional = "position_notional"
	CheckGrossExposure    = "gross_exposure"
	CheckNetExposure      = "net_exposure"
	CheckDailyTradeCount  = "daily_trade_count"
	CheckOrderRate        = "order_rate"
	CheckDailyLoss        = "daily_loss"
	CheckDrawdown         = "drawdown"
	CheckSpread           = "spread"
)

// Config holds the policy limits. A zero value disables the corresponding
// ceiling; its check then passes with a "no limit configured" note.
type Config struct {
	// AllowedSymbols is the tradeable universe; empty allows any symbol.
	AllowedSymbols []string `yaml:"allowed_symbols"`
	// MaxOrderNotional caps a single order's notional value.
	MaxOrderNotional float64 `yaml:"max_order_notional"`
	// MaxPositionNotional caps the projected per-symbol position value.
	MaxPositionNotional float64 `yaml:"max_position_notional"`
	// MaxGrossExposure caps the sum of absolute position values.
	MaxGrossExposure float64 `yaml:"max_gross_exposure"`
	// MaxNetExposure caps the absolute net (long minus short) value.
	MaxNetExposure float64 `yaml:"max_net_exposure"`
	// MaxDailyTrades caps admitted intents per UTC day.
	MaxDailyTrades int `yaml:"max_daily_trades"`
	// MaxOrdersPerMinute caps admitted intents in a sliding 60s window.
	MaxOrdersPerMinute int `yaml:"max_orders_per_minute"`
	// MaxDailyLoss is the daily P&L floor (positive magnitude).
	MaxDailyLoss float64 `yaml:"max_daily_loss"`
	// MaxDrawdownPct is the intraday drawdown ceiling from the day's
	// equity high, in percent.
	MaxDrawdownPct float64 `yaml:"max_drawdown_pct"`
	// MaxSpreadBps is the widest tradeable bid/ask spread in basis points.
	MaxSpreadBps float64 `yaml:"max_spread_bps"`
	// AnomalyThreshold is the number of consecutive rejections or broker
	// rate-limit responses that auto-engages the kill switch. 0 uses the
	// default of 10.
	AnomalyThreshold int `yaml:"anomaly_threshold"`
}

const defaultAnomalyThreshold = 10

// Context is the account/market snapshot an intent is evaluated against.
// The caller assembles it so the engine itself never does broker I/O.
type Context struct {
	Account   *domain.Account
	Positions []domain.Position
	Quote     *domain.Quote
}

// Result is the outcome of one full evaluation.
type Result struct {
	Approved bool               `json:"approved"`
	Reason   string             `json:"reason,omitempty"`
	Checks   []domain.RiskCheck `json:"checks"`
}

// OrderCanceller sweeps open orders for the cancel_all kill-switch mode.
type OrderCanceller interface {
	CancelOpenOrders(ctx context.Context) (int, error)
}

// PositionFlattener submits closing orders for the flatten kill-switch mode.
type PositionFlattener interface {
	FlattenPositions(ctx context.Context) (int, error)
}

// Engine evaluates intents and owns the kill switch. All mutable state sits
// behind one mutex; the engine is constructed per process, never ambient.
type Engine struct {
	cfg   Config
	audit audit.Recorder
	log   *slog.Logger
	now   func() time.Time

	canceller OrderCanceller
	flattener PositionFlattener

	mu          sync.Mutex
	kill        KillSwitch
	submitTimes []time.Time // admitted intents, pruned to the last minute
	dayKey      string
	dayTrades   int
	dayHigh     float64
	anomalyRun  int // consecutive rejections + rate-limit notes
}

// NewEngine creates a risk engine with the given policy configuration.
func NewEngine(cfg Config, rec audit.Recorder, log *slog.Logger) *Engine {
	if rec == nil {
		rec = audit.Nop{}
	}
	if log == nil {
		log = slog.Default()
	}
	if cfg.AnomalyThreshold <= 0 {
		cfg.AnomalyThreshold = defaultAnomalyThreshold
	}
	return &Engine{
		cfg:   cfg,
		audit: rec,
		log:   log.With("component", "risk"),
		now:   time.Now,
	}
}

// SetSweepers wires the collaborators used by cancel_all and flatten modes.
// Called once during assembly; the queue implements both.
func (e *Engine) SetSweepers(c OrderCanceller, f PositionFlattener) {
	e.canceller = c
	e.flattener = f
}

// CheckIntent evaluates every configured policy against the intent and
// returns the itemized checklist. Approved is the AND of all checks; Reason
// is the first failing check's details.
func (e *Engine) CheckIntent(ctx context.Context, intent *domain.Intent, rc *Context) *Result {
	if rc == nil {
		rc = &Context{}
	}

	e.mu.Lock()
	e.rollDayLocked()
	if rc.Account != nil && rc.Account.Equity > e.dayHigh {
		e.dayHigh = rc.Account.Equity
	}
	killed := e.kill.Enabled
	killReason := e.kill.Reason
	dayTrades := e.dayTrades
	recentOrders := e.countRecentLocked(e.now())
	dayHigh := e.dayHigh
	e.mu.Unlock()

	res := &Result{Approved: true}
	add := func(name string, passed bool, details string) {
		res.Checks = append(res.Checks, domain.RiskCheck{
			IntentID: intent.ID,
			Name:     name,
			Passed:   passed,
			Details:  details,
		})
		if !passed {
			res.Approved = false
			if res.Reason == "" {
				res.Reason = details
			}
		}
	}

	// Kill switch gate.
	if killed {
		detail := "kill switch engaged"
		if killReason != "" {
			detail += ": " + killReason
		}
		add(CheckKillSwitch, false, detail)
	} else {
		add(CheckKillSwitch, true, "kill switch disengaged")
	}

	// Symbol allow-list.
	if len(e.cfg.AllowedSymbols) == 0 {
		add(CheckSymbolAllowed, true, "no allow-list configured")
	} else if containsFold(e.cfg.AllowedSymbols, intent.Symbol) {
		add(CheckSymbolAllowed, true, fmt.Sprintf("symbol %q in allow-list", intent.Symbol))
	} else {
		add(CheckSymbolAllowed, false, fmt.Sprintf("symbol %q not in allow-list", intent.Symbol))
	}

	// Notional checks share the reference price.
	refPrice := intent.RefPrice(rc.Quote)
	notional := float64(intent.Qty) * refPrice
	signedNotional := notional
	if intent.Side == domain.SideSell {
		signedNotional = -notional
	}

	switch {
	case e.cfg.MaxOrderNotional <= 0:
		add(CheckOrderNotional, true, "no limit configured")
	case refPrice <= 0:
		add(CheckOrderNotional, false, "no price reference available for notional check")
	case notional > e.cfg.MaxOrderNotional:
		add(CheckOrderNotional, false,
			fmt.Sprintf("order notional %.2f exceeds limit %.2f", notional, e.cfg.MaxOrderNotional))
	default:
		add(CheckOrderNotional, true,
			fmt.Sprintf("order notional %.2f within limit %.2f", notional, e.cfg.MaxOrderNotional))
	}

	// Per-symbol position ceiling on the projected position.
	var symbolMV, grossMV, netMV float64
	for i := range rc.Positions {
		p := &rc.Positions[i]
		mv := p.MarketValue
		if mv < 0 {
			mv = -mv
		}
		signed := mv
		if p.Side == domain.PositionSideShort {
			signed = -mv
		}
		grossMV += mv
		netMV += signed
		if strings.EqualFold(p.Symbol, intent.Symbol) {
			symbolMV += signed
		}
	}

	projected := symbolMV + signedNotional
	if projected < 0 {
		projected = -projected
	}
	if e.cfg.MaxPositionNotional <= 0 {
		add(CheckPositionNotional, true, "no limit configured")
	} else if projected > e.cfg.MaxPositionNotional {
		add(CheckPositionNotional, false,
			fmt.Sprintf("projected %s position %.2f exceeds limit %.2f", intent.Symbol, projected, e.cfg.MaxPositionNotional))
	} else {
		add(CheckPositionNotional, true,
			fmt.Sprintf("projected %s position %.2f within limit %.2f", intent.Symbol, projected, e.cfg.MaxPositionNotional))
	}

	// Gross and net exposure ceilings.
	projectedGross := grossMV + notional
	if e.cfg.MaxGrossExposure <= 0 {
		add(CheckGrossExposure, true, "no limit configured")
	} else if projectedGross > e.cfg.MaxGrossExposure {
		add(CheckGrossExposure, false,
			fmt.Sprintf("projected gross exposure %.2f exceeds limit %.2f", projectedGross, e.cfg.MaxGrossExposure))
	} else {
		add(CheckGrossExposure, true,
			fmt.Sprintf("projected gross exposure %.2f within limit %.2f", projectedGross, e.cfg.MaxGrossExposure))
	}

	projectedNet := netMV + signedNotional
	if projectedNet < 0 {
		projectedNet = -projectedNet
	}
	if e.cfg.MaxNetExposure <= 0 {
		add(CheckNetExposure, true, "no limit configured")
	} else if projectedNet > e.cfg.MaxNetExposure {
		add(CheckNetExposure, false,
			fmt.Sprintf("projected net exposure %.2f exceeds limit %.2f", projectedNet, e.cfg.MaxNetExposure))
	} else {
		add(CheckNetExposure, true,
			fmt.Sprintf("projected net exposure %.2f within limit %.2f", projectedNet, e.cfg.MaxNetExposure))
	}

	// Daily trade-count ceiling.
	if e.cfg.MaxDailyTrades <= 0 {
		add(CheckDailyTradeCount, true, "no limit configured")
	} else if dayTrades >= e.cfg.MaxDailyTrades {
		add(CheckDailyTradeCount, false,
			fmt.Sprintf("daily trade count %d at limit %d", dayTrades, e.cfg.MaxDailyTrades))
	} else {
		add(CheckDailyTradeCount, true,
			fmt.Sprintf("daily trade count %d below limit %d", dayTrades, e.cfg.MaxDailyTrades))
	}

	// Order-rate limit over a sliding 60s window.
	if e.cfg.MaxOrdersPerMinute <= 0 {
		add(CheckOrderRate, true, "no limit configured")
	} else if recentOrders >= e.cfg.MaxOrdersPerMinute {
		add(CheckOrderRate, false,
			fmt.Sprintf("%d orders in the last minute at limit %d", recentOrders, e.cfg.MaxOrdersPerMinute))
	} else {
		add(CheckOrderRate, true,
			fmt.Sprintf("%d orders in the last minute below limit %d", recentOrders, e.cfg.MaxOrdersPerMinute))
	}

	// Daily P&L floor and intraday drawdown ceiling need the account.
	if rc.Account == nil {
		add(CheckDailyLoss, false, "account snapshot unavailable")
		add(CheckDrawdown, false, "account snapshot unavailable")
	} else {
		pnl := rc.Account.Equity - rc.Account.LastEquity
		if e.cfg.MaxDailyLoss <= 0 {
			add(CheckDailyLoss, true, "no limit configured")
		} else if pnl <= -e.cfg.MaxDailyLoss {
			add(CheckDailyLoss, false,
				fmt.Sprintf("daily P&L %.2f at or below floor -%.2f", pnl, e.cfg.MaxDailyLoss))
		} else {
			add(CheckDailyLoss, true,
				fmt.Sprintf("daily P&L %.2f above floor -%.2f", pnl, e.cfg.MaxDailyLoss))
		}

		drawdown := 0.0
		if dayHigh > 0 {
			drawdown = (dayHigh - rc.Account.Equity) / dayHigh * 100
		}
		if e.cfg.MaxDrawdownPct <= 0 {
			add(CheckDrawdown, true, "no limit configured")
		} else if drawdown > e.cfg.MaxDrawdownPct {
			add(CheckDrawdown, false,
				fmt.Sprintf("intraday drawdown %.2f%% exceeds ceiling %.2f%%", drawdown, e.cfg.MaxDrawdownPct))
		} else {
			add(CheckDrawdown, true,
				fmt.Sprintf("intraday drawdown %.2f%% within ceiling %.2f%%", drawdown, e.cfg.MaxDrawdownPct))
		}
	}

	// Maximum tradeable spread. A missing or one-sided quote cannot be
	// priced; the note makes that visible rather than silently rejecting
	// every market order during a data outage.
	if e.cfg.MaxSpreadBps <= 0 {
		add(CheckSpread, true, "no limit configured")
	} else if rc.Quote == nil || rc.Quote.SpreadBps() == 0 {
		add(CheckSpread, true, "quote unavailable, spread not evaluated")
	} else if spread := rc.Quote.SpreadBps(); spread > e.cfg.MaxSpreadBps {
		add(CheckSpread, false,
			fmt.Sprintf("spread %.1f bps exceeds maximum %.1f bps", spread, e.cfg.MaxSpreadBps))
	} else {
		add(CheckSpread, true,
			fmt.Sprintf("spread %.1f bps within maximum %.1f bps", rc.Quote.SpreadBps(), e.cfg.MaxSpreadBps))
	}

	e.recordOutcome(ctx, intent, res)
	return res
}

// recordOutcome updates the admission counters and the anomaly tracker.
func (e *Engine) recordOutcome(ctx context.Context, intent *domain.Intent, res *Result) {
	e.mu.Lock()
	if res.Approved {
		now := e.now()
		e.dayTrades++
		e.submitTimes = append(e.submitTimes, now)
		e.pruneLocked(now)
		e.anomalyRun = 0
		e.mu.Unlock()
		return
	}
	e.anomalyRun++
	trip := e.anomalyRun >= e.cfg.AnomalyThreshold && !e.kill.Enabled
	run := e.anomalyRun
	e.mu.Unlock()

	if trip {
		e.autoHalt(ctx, fmt.Sprintf("%d consecutive rejections (last intent %s)", run, intent.ID))
	}
}

// NoteRateLimited feeds broker rate-limit responses into the anomaly
// tracker. The queue calls this when a submission bounces with 429.
func (e *Engine) NoteRateLimited(ctx context.Context) {
	e.mu.Lock()
	e.anomalyRun++
	trip := e.anomalyRun >= e.cfg.AnomalyThreshold && !e.kill.Enabled
	run := e.anomalyRun
	e.mu.Unlock()

	if trip {
		e.autoHalt(ctx, fmt.Sprintf("%d consecutive rejections/rate limits", run))
	}
}

// rollDayLocked resets the per-day counters when the UTC day changes.
func (e *Engine) rollDayLocked() {
	key := e.now().UTC().Format("2006-01-02")
	if key != e.dayKey {
		e.dayKey = key
		e.dayTrades = 0
		e.dayHigh = 0
	}
}

// countRecentLocked prunes and counts admissions in the last minute.
func (e *Engine) countRecentLocked(now time.Time) int {
	e.pruneLocked(now)
	return len(e.submitTimes)
}

func (e *Engine) pruneLocked(now time.Time) {
	cutoff := now.Add(-time.Minute)
	kept := e.submitTimes[:0]
	for _, t := range e.submitTimes {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	e.submitTimes = kept
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}
