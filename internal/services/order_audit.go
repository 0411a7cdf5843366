package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	domain "github.com/shopcore/api/internal/domain"
	"github.com/shopcore/api/internal/repositories"
)

const (
	auditActionCreate    = "Create"
	auditActionUpdate    = "Update"
	auditActionCancel    = "Cancel"
	auditActorSystem     = "System"
	auditActorCustomer   = "Customer"
	auditActorGateway    = "Gateway"
	auditActorAdmin      = "Admin"
	auditDescriptionSize = 512
)

type orderAuditService struct {
	repo   repositories.OrderLogRepository
	clock  func() time.Time
	logger EventLogger
}

// OrderAuditServiceDeps bundles constructor inputs for the order log writer.
type OrderAuditServiceDeps struct {
	Repository repositories.OrderLogRepository
	Clock      func() time.Time
	Logger     EventLogger
}

// NewOrderAuditService creates an order log writer backed by the supplied repository.
func NewOrderAuditService(deps OrderAuditServiceDeps) (OrderAuditSink, error) {
	if deps.Repository == nil {
		return nil, errors.New("order audit service: repository is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = nopLogger
	}
	return &orderAuditService{
		repo:   deps.Repository,
		clock:  func() time.Time { return clock().UTC() },
		logger: logger,
	}, nil
}

// Record appends the entry. Repository failures are logged and never bubble up so the
// primary mutation flow is not interrupted.
func (s *orderAuditService) Record(ctx context.Context, record OrderAuditRecord) {
	if record.OrderID <= 0 {
		return
	}
	entry := domain.OrderLog{
		OrderID:     record.OrderID,
		Action:      sanitizeText(record.Action, 64),
		Description: sanitizeText(record.Description, auditDescriptionSize),
		Changes:     sanitizeChanges(record.Changes),
		PerformedBy: sanitizeText(record.PerformedBy, 160),
		CreatedAt:   s.clock(),
	}
	if entry.Action == "" {
		entry.Action = auditActionUpdate
	}
	if entry.PerformedBy == "" {
		entry.PerformedBy = auditActorSystem
	}
	if err := s.repo.Append(ctx, entry); err != nil {
		s.logger(ctx, "order_audit.append_failed", map[string]any{
			"orderId":     record.OrderID,
			"description": entry.Description,
			"error":       err.Error(),
		})
	}
}

type nopAuditSink struct{}

func (nopAuditSink) Record(context.Context, OrderAuditRecord) {}

func sanitizeChanges(changes map[string]any) map[string]any {
	if len(changes) == 0 {
		return nil
	}
	out := make(map[string]any, len(changes))
	for key, value := range changes {
		key = sanitizeText(key, 80)
		if key == "" {
			continue
		}
		switch v := value.(type) {
		case string:
			out[key] = sanitizeText(v, auditDescriptionSize)
		case error:
			out[key] = sanitizeText(v.Error(), auditDescriptionSize)
		case fmt.Stringer:
			out[key] = sanitizeText(v.String(), auditDescriptionSize)
		default:
			out[key] = v
		}
	}
	return out
}

func sanitizeText(input string, limit int) string {
	if limit <= 0 {
		limit = 256
	}
	input = strings.TrimSpace(input)
	if input == "" {
		return ""
	}
	var builder strings.Builder
	for _, r := range input {
		if r < 32 && r != '\n' && r != '\r' && r != '\t' {
			continue
		}
		builder.WriteRune(r)
		if builder.Len() >= limit {
			break
		}
	}
	return builder.String()
}
