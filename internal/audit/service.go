// Package audit provides the append-only audit ledger. Allocation mutations
// record inside the caller's database transaction; monitor-triggered actions
// record best-effort so an audit failure never rolls back a trade close.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/finvex/copytrade/pkg/models"
)

// Audit actions
const (
	ActionAllocationCreated     = "ALLOCATION_CREATED"
	ActionFundsAdded            = "FUNDS_ADDED"
	ActionFundsReserved         = "FUNDS_RESERVED"
	ActionFundsReleased         = "FUNDS_RELEASED"
	ActionAllocationDeactivated = "ALLOCATION_DEACTIVATED"
	ActionAllocationStats       = "ALLOCATION_STATS_UPDATED"
	ActionStopLossTriggered     = "STOP_LOSS_TRIGGERED"
	ActionTakeProfitTriggered   = "TAKE_PROFIT_TRIGGERED"
)

// Entry is one audit record before persistence. OldValue and NewValue are
// marshaled to JSON snapshots.
type Entry struct {
	EntityType string
	EntityID   uuid.UUID
	Action     string
	OldValue   interface{}
	NewValue   interface{}
	ActorID    uuid.UUID
	Reason     string
}

// Ledger records audit entries.
type Ledger interface {
	Record(ctx context.Context, tx *gorm.DB, entry Entry) error
	RecordBestEffort(ctx context.Context, entry Entry)
	List(ctx context.Context, entityType string, entityID uuid.UUID, limit, offset int) ([]*models.AuditLog, error)
}

// Service implements Ledger on gorm.
type Service struct {
	logger *zap.Logger
	db     *gorm.DB
}

// NewService creates a new audit service
func NewService(logger *zap.Logger, db *gorm.DB) *Service {
	return &Service{logger: logger, db: db}
}

// Record appends one audit row. When tx is non-nil the row joins the caller's
// transaction and commits or rolls back with the business mutation.
func (s *Service) Record(ctx context.Context, tx *gorm.DB, entry Entry) error {
	db := tx
	if db == nil {
		db = s.db.WithContext(ctx)
	}

	row, err := s.buildRow(entry)
	if err != nil {
		return err
	}

	if err := db.Create(row).Error; err != nil {
		return fmt.Errorf("failed to create audit log: %w", err)
	}
	return nil
}

// RecordBestEffort appends one audit row outside any transaction. Failures are
// logged and swallowed: the triggering operation must not be rolled back by an
// audit-logging failure.
func (s *Service) RecordBestEffort(ctx context.Context, entry Entry) {
	if err := s.Record(ctx, nil, entry); err != nil {
		s.logger.Error("best-effort audit record failed",
			zap.String("entity_type", entry.EntityType),
			zap.String("entity_id", entry.EntityID.String()),
			zap.String("action", entry.Action),
			zap.Error(err))
	}
}

// List returns audit rows for an entity, newest first.
func (s *Service) List(ctx context.Context, entityType string, entityID uuid.UUID, limit, offset int) ([]*models.AuditLog, error) {
	var rows []*models.AuditLog
	q := s.db.WithContext(ctx).Where("entity_type = ? AND entity_id = ?", entityType, entityID)
	if err := q.Order("created_at DESC").Limit(limit).Offset(offset).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list audit logs: %w", err)
	}
	return rows, nil
}

func (s *Service) buildRow(entry Entry) (*models.AuditLog, error) {
	oldJSON, err := marshalSnapshot(entry.OldValue)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal old value: %w", err)
	}
	newJSON, err := marshalSnapshot(entry.NewValue)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal new value: %w", err)
	}

	return &models.AuditLog{
		ID:         uuid.New(),
		EntityType: entry.EntityType,
		EntityID:   entry.EntityID,
		Action:     entry.Action,
		OldValue:   oldJSON,
		NewValue:   newJSON,
		ActorID:    entry.ActorID,
		Reason:     entry.Reason,
		CreatedAt:  time.Now(),
	}, nil
}

func marshalSnapshot(v interface{}) (string, error) {
	if v == nil {
		return "", nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
