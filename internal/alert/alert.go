// Package alert surfaces operator-actionable failures. Reorg-handling
// failures are the only error class that must reach a human; everything
// else in the pipeline is logged and absorbed.
package alert

import (
	"context"
	"log/slog"

	"github.com/canonlabs/ledgerd/internal/core/domain"
	"github.com/canonlabs/ledgerd/internal/metrics"
)

// Kind classifies an alert for routing and metrics.
type Kind string

const (
	KindAncestorNotFound Kind = "ancestor_not_found"
	KindRollbackFailure  Kind = "rollback_failure"
	KindRecoveryFailure  Kind = "recovery_failure"
	KindChainHalted      Kind = "chain_halted"
)

// Alert is one operator-visible incident.
type Alert struct {
	ChainID domain.ChainID
	Kind    Kind
	Message string
	Err     error
}

// Notifier delivers alerts to an operator channel.
type Notifier interface {
	Notify(ctx context.Context, a Alert)
}

// LogNotifier writes alerts to the structured log and bumps the alert
// counter. It is the default sink; deployments hook paging systems by
// wrapping it.
type LogNotifier struct {
	log *slog.Logger
}

// NewLogNotifier creates the default log-backed notifier.
func NewLogNotifier() *LogNotifier {
	return &LogNotifier{log: slog.With("component", "alert")}
}

// Notify logs the alert at error level and records it.
func (n *LogNotifier) Notify(ctx context.Context, a Alert) {
	metrics.OperatorAlerts.WithLabelValues(string(a.ChainID), string(a.Kind)).Inc()
	n.log.Error("operator alert",
		"chain", a.ChainID,
		"kind", a.Kind,
		"message", a.Message,
		"error", a.Err,
	)
}

// Multi fans one alert out to several notifiers.
type Multi []Notifier

// Notify delivers the alert to every notifier in order.
func (m Multi) Notify(ctx context.Context, a Alert) {
	for _, n := range m {
		n.Notify(ctx, a)
	}
}
