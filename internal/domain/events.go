package domain

import "time"

// Audit event kinds recorded by the OMS, risk engine, and queue.
const (
	AuditIntentTransition = "intent.transition"
	AuditRiskCheck        = "risk.check"
	AuditKillSwitch       = "kill_switch.toggle"
	AuditKillSwitchAuto   = "kill_switch.auto"
	AuditOrderTransition  = "order.transition"
)

// AuditEvent is one entry in the append-only audit journal. Subject names
// the entity the event is about (intent ID, order ID, or circuit name).
type AuditEvent struct {
	ID      int64             `json:"id,omitempty"`
	At      time.Time         `json:"at"`
	Kind    string            `json:"kind"`
	Subject string            `json:"subject"`
	Detail  string            `json:"detail,omitempty"`
	Data    map[string]string `json:"data,omitempty"`
}
