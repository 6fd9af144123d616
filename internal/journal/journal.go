// Package journal persists every state change of the custody ledger and the
// order escrow as a typed event row, so off-chain state can be reconstructed
// by replaying the log.
package journal

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/finbask/finbask/pkg/models"
)

// Publisher is the event sink the services emit state changes to.
type Publisher interface {
	Emit(ctx context.Context, evt *models.Event) error
}

// Nop discards events; used in tests that do not assert on the journal.
type Nop struct{}

// Emit implements Publisher
func (Nop) Emit(ctx context.Context, evt *models.Event) error { return nil }

// Journal is the gorm-backed Publisher.
type Journal struct {
	logger *zap.Logger
	db     *gorm.DB
}

var _ Publisher = (*Journal)(nil)

// New creates a Journal and migrates the event table
func New(logger *zap.Logger, db *gorm.DB) (*Journal, error) {
	if err := db.AutoMigrate(&models.Event{}); err != nil {
		return nil, err
	}
	return &Journal{logger: logger.Named("journal"), db: db}, nil
}

// Emit implements Publisher
func (j *Journal) Emit(ctx context.Context, evt *models.Event) error {
	if evt.ID == uuid.Nil {
		evt.ID = uuid.New()
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = time.Now().UTC()
	}
	if err := j.db.WithContext(ctx).Create(evt).Error; err != nil {
		j.logger.Error("failed to append event",
			zap.String("type", evt.Type),
			zap.String("component", evt.Component),
			zap.Error(err))
		return err
	}
	return nil
}

// List returns the most recent events for one component, newest first.
// An empty component returns events from all components.
func (j *Journal) List(ctx context.Context, component string, limit int) ([]models.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	q := j.db.WithContext(ctx).Order("created_at DESC").Limit(limit)
	if component != "" {
		q = q.Where("component = ?", component)
	}
	var events []models.Event
	if err := q.Find(&events).Error; err != nil {
		return nil, err
	}
	return events, nil
}

// MarshalPayload encodes an event payload struct as the JSON text stored on
// the event row. Payloads are plain structs, so failures are programmer
// errors and reported as-is.
func MarshalPayload(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}
