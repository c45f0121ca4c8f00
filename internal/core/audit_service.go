package core

import (
	"context"
	"fmt"

	"github.com/example/receiptsync/internal/db"
	"github.com/example/receiptsync/internal/models"
)

// auditService implements the AuditService interface.
type auditService struct {
	auditRepo db.AuditRepository
	clock     Clock
}

// NewAuditService creates a new AuditService instance.
func NewAuditService(auditRepo db.AuditRepository, clock Clock) AuditService {
	if clock == nil {
		clock = SystemClock
	}
	return &auditService{auditRepo: auditRepo, clock: clock}
}

// Record appends an audit entry, stamping it with the current time.
func (s *auditService) Record(ctx context.Context, event models.AuditEvent) error {
	if s.auditRepo == nil {
		return fmt.Errorf("AuditRepository not initialized in AuditService")
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = s.clock()
	}
	if err := s.auditRepo.Create(ctx, &event); err != nil {
		return fmt.Errorf("failed to create audit event via repository: %w", err)
	}
	return nil
}
