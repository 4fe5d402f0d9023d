package risk

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"ordergate/internal/domain"
)

// ErrUnknownMode is returned when engaging the kill switch with a mode that
// is not block_new, cancel_all, or flatten.
var ErrUnknownMode = errors.New("unknown kill switch mode")

// Mode selects what happens to existing exposure when the switch engages.
type Mode string

const (
	// ModeBlockNew rejects new intents but leaves working orders alone.
	ModeBlockNew Mode = "block_new"
	// ModeCancelAll additionally cancels every open order.
	ModeCancelAll Mode = "cancel_all"
	// ModeFlatten additionally closes every open position at market.
	ModeFlatten Mode = "flatten"
)

func (m Mode) valid() bool {
	switch m {
	case ModeBlockNew, ModeCancelAll, ModeFlatten:
		return true
	}
	return false
}

// KillSwitch is the current halt state plus the counts produced by the most
// recent engage sweep.
type KillSwitch struct {
	Enabled   bool      `json:"enabled"`
	Mode      Mode      `json:"mode,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Auto      bool      `json:"auto,omitempty"`
	ChangedAt time.Time `json:"changed_at,omitempty"`

	CancelledOrders    int `json:"cancelled_orders,omitempty"`
	FlattenedPositions int `json:"flattened_positions,omitempty"`
}

// State is a point-in-time snapshot of the engine for operators.
type State struct {
	KillSwitch       KillSwitch `json:"kill_switch"`
	DayTrades        int        `json:"day_trades"`
	OrdersLastMinute int        `json:"orders_last_minute"`
	DayHighEquity    float64    `json:"day_high_equity"`
	AnomalyRun       int        `json:"anomaly_run"`
	Config           Config     `json:"config"`
}

// State returns the current engine snapshot.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rollDayLocked()
	return State{
		KillSwitch:       e.kill,
		DayTrades:        e.dayTrades,
		OrdersLastMinute: e.countRecentLocked(e.now()),
		DayHighEquity:    e.dayHigh,
		AnomalyRun:       e.anomalyRun,
		Config:           e.cfg,
	}
}

// SetKillSwitch engages or disengages the halt. Engaging with cancel_all or
// flatten also sweeps via the wired collaborators; sweep failures do not
// roll back the halt, the switch stays engaged and the error is returned.
func (e *Engine) SetKillSwitch(ctx context.Context, enabled bool, mode Mode, reason string) (KillSwitch, error) {
	if enabled {
		if mode == "" {
			mode = ModeBlockNew
		}
		if !mode.valid() {
			return e.killState(), fmt.Errorf("%w %q", ErrUnknownMode, mode)
		}
	}
	return e.setKillSwitch(ctx, enabled, mode, reason, false)
}

// autoHalt engages block_new without operator input after the anomaly
// tracker trips. Errors only get logged; there is nobody to return them to.
func (e *Engine) autoHalt(ctx context.Context, reason string) {
	if _, err := e.setKillSwitch(ctx, true, ModeBlockNew, reason, true); err != nil {
		e.log.Error("auto halt failed", "error", err)
	}
}

func (e *Engine) setKillSwitch(ctx context.Context, enabled bool, mode Mode, reason string, auto bool) (KillSwitch, error) {
	e.mu.Lock()
	ks := KillSwitch{
		Enabled:   enabled,
		Reason:    reason,
		Auto:      auto,
		ChangedAt: e.now(),
	}
	if enabled {
		ks.Mode = mode
	} else {
		e.anomalyRun = 0
	}
	e.kill = ks
	e.mu.Unlock()

	// Sweeps run outside the lock: they hit the broker and may take a
	// while, and new intents are already being rejected by the gate.
	var sweepErr error
	if enabled && (mode == ModeCancelAll || mode == ModeFlatten) {
		if e.canceller != nil {
			n, err := e.canceller.CancelOpenOrders(ctx)
			ks.CancelledOrders = n
			if err != nil {
				sweepErr = fmt.Errorf("cancel open orders: %w", err)
			}
		}
	}
	if enabled && mode == ModeFlatten {
		if e.flattener != nil {
			n, err := e.flattener.FlattenPositions(ctx)
			ks.FlattenedPositions = n
			if err != nil && sweepErr == nil {
				sweepErr = fmt.Errorf("flatten positions: %w", err)
			}
		}
	}

	e.mu.Lock()
	e.kill.CancelledOrders = ks.CancelledOrders
	e.kill.FlattenedPositions = ks.FlattenedPositions
	snapshot := e.kill
	e.mu.Unlock()

	kind := domain.AuditKillSwitch
	if auto {
		kind = domain.AuditKillSwitchAuto
	}
	e.audit.Record(ctx, domain.AuditEvent{
		Kind:    kind,
		Subject: string(mode),
		Detail:  reason,
		Data: map[string]string{
			"enabled":             strconv.FormatBool(enabled),
			"cancelled_orders":    strconv.Itoa(ks.CancelledOrders),
			"flattened_positions": strconv.Itoa(ks.FlattenedPositions),
		},
	})
	if enabled {
		e.log.Warn("kill switch engaged",
			"mode", mode, "reason", reason, "auto", auto,
			"cancelled", ks.CancelledOrders, "flattened", ks.FlattenedPositions)
	} else {
		e.log.Info("kill switch disengaged", "reason", reason)
	}
	return snapshot, sweepErr
}

func (e *Engine) killState() KillSwitch {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.kill
}
