// Package notify defines the fire-and-forget notification capability.
// Implementations must never block the reconciliation pipeline.
package notify

import "log/slog"

// Kind classifies a notification.
type Kind string

const (
	KindPositionOpened      Kind = "position_opened"
	KindPositionClosed      Kind = "position_closed"
	KindPositionReversed    Kind = "position_reversed"
	KindPositionDiscrepancy Kind = "position_discrepancy"
	KindOrdersReconciled    Kind = "orders_reconciled"
	KindConfigError         Kind = "config_error"
	KindStreamRestarted     Kind = "stream_restarted"
	KindConnectivityLost    Kind = "connectivity_lost"
	KindAccountSwitched     Kind = "account_switched"
)

// Notifier receives operational events. Implementations must be
// non-blocking and swallow their own errors.
type Notifier interface {
	Notify(kind Kind, payload any)
}

// LogNotifier writes notifications to the default slog logger.
type LogNotifier struct{}

func (LogNotifier) Notify(kind Kind, payload any) {
	slog.Info("notify", "kind", string(kind), "payload", payload)
}

// Discard drops all notifications. Useful in tests.
var Discard Notifier = discard{}

type discard struct{}

func (discard) Notify(Kind, any) {}

// Multi fans one notification out to several notifiers.
type Multi []Notifier

func (m Multi) Notify(kind Kind, payload any) {
	for _, n := range m {
		n.Notify(kind, payload)
	}
}
