// Package registry defines the external aggregate-statistics capability the
// custody ledger notifies on every mint and burn. Notification failures
// propagate to the caller and abort the mint/burn; see DESIGN.md for the
// reasoning behind that choice.
package registry

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Notifier receives mint/burn notifications from a custody ledger.
type Notifier interface {
	NotifyMinted(ctx context.Context, amount decimal.Decimal, holder common.Address) error
	NotifyBurned(ctx context.Context, amount decimal.Decimal, holder common.Address) error
}

// Nop discards all notifications
type Nop struct{}

// NotifyMinted implements Notifier
func (Nop) NotifyMinted(ctx context.Context, amount decimal.Decimal, holder common.Address) error {
	return nil
}

// NotifyBurned implements Notifier
func (Nop) NotifyBurned(ctx context.Context, amount decimal.Decimal, holder common.Address) error {
	return nil
}

// LogNotifier records notifications to the structured log, standing in for
// the external registry service.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier creates a LogNotifier
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.Named("registry")}
}

// NotifyMinted implements Notifier
func (n *LogNotifier) NotifyMinted(ctx context.Context, amount decimal.Decimal, holder common.Address) error {
	n.logger.Info("minted",
		zap.String("amount", amount.String()),
		zap.String("holder", holder.Hex()))
	return nil
}

// NotifyBurned implements Notifier
func (n *LogNotifier) NotifyBurned(ctx context.Context, amount decimal.Decimal, holder common.Address) error {
	n.logger.Info("burned",
		zap.String("amount", amount.String()),
		zap.String("holder", holder.Hex()))
	return nil
}
