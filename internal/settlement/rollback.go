// Package settlement provides the all-or-nothing commit helper for multi-leg
// token movements. There is no native rollback once external transfers have
// begun, so each executed leg records a compensating action and a failed
// operation unwinds them last-in-first-out.
package settlement

import (
	"go.uber.org/zap"

	"github.com/finbask/finbask/pkg/metrics"
)

// Rollback accumulates compensating actions for the legs an operation has
// already executed. Not safe for concurrent use; each operation owns its own.
type Rollback struct {
	logger *zap.Logger
	undos  []func() error
	names  []string
}

// NewRollback creates a Rollback for one operation
func NewRollback(logger *zap.Logger) *Rollback {
	return &Rollback{logger: logger}
}

// Record registers the compensating action for a leg that just succeeded
func (r *Rollback) Record(name string, undo func() error) {
	r.names = append(r.names, name)
	r.undos = append(r.undos, undo)
}

// Unwind executes the recorded compensations in reverse order. Compensations
// reverse transfers this process made itself, so they are expected to
// succeed; a failure is logged and the remaining legs are still attempted.
func (r *Rollback) Unwind() {
	if len(r.undos) == 0 {
		return
	}
	metrics.SettlementRollbacks.Inc()
	for i := len(r.undos) - 1; i >= 0; i-- {
		if err := r.undos[i](); err != nil {
			r.logger.Error("settlement compensation failed",
				zap.String("leg", r.names[i]),
				zap.Error(err))
		}
	}
	r.undos = nil
	r.names = nil
}
