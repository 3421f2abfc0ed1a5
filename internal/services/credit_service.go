package services

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ruralpay/retailpay/internal/config"
	"github.com/ruralpay/retailpay/internal/models"
	"github.com/ruralpay/retailpay/internal/notify"
	"github.com/ruralpay/retailpay/internal/queue"
	"github.com/ruralpay/retailpay/internal/xerrors"
)

// Credit order statuses stored in credit_orders.
const (
	CreditStatusApproved          = "approved"
	CreditStatusRejected          = "rejected"
	CreditStatusPendingWholesaler = "pending_wholesaler"
	CreditStatusOverdue           = "overdue"
)

// CreditService reacts to B2B credit order events.
type CreditService struct {
	db        *sql.DB
	notifier  notify.Notifier
	validator *ValidationHelper
	policy    *config.LoanPolicy
	logger    *zap.Logger
	now       func() time.Time
}

func NewCreditService(db *sql.DB, notifier notify.Notifier, policy *config.LoanPolicy, logger *zap.Logger) *CreditService {
	return &CreditService{
		db:        db,
		notifier:  notifier,
		validator: NewValidationHelper(),
		policy:    policy,
		logger:    logger.Named("credit"),
		now:       time.Now,
	}
}

// HandleEvent applies one credit order event. Malformed events are
// permanent failures.
func (s *CreditService) HandleEvent(ctx context.Context, ev models.CreditOrderEvent) (*queue.Result, error) {
	if err := s.validator.Validate(ev); err != nil {
		return nil, queue.Permanent(err)
	}

	log := s.logger.With(zap.String("order_id", ev.OrderID), zap.String("event", ev.Event))

	switch ev.Event {
	case models.CreditEventCreated:
		limit := ev.Metadata.AutoApproveLimit
		if limit <= 0 {
			limit = s.policy.CreditAutoApprove
		}

		if ev.Metadata.CreditScore >= s.policy.CreditScoreThreshold && ev.Amount <= limit {
			if err := s.saveStatus(ctx, ev, CreditStatusApproved); err != nil {
				return nil, err
			}
			s.send(ctx, log, ev.RetailerPhone, notify.CreditOrderStatusMessage(ev.OrderID, CreditStatusApproved, "auto-approved"))
			log.Info("credit order auto-approved", zap.Int("credit_score", ev.Metadata.CreditScore), zap.Int64("amount", ev.Amount))
			return queue.OK(map[string]any{"status": CreditStatusApproved, "auto_approved": true}), nil
		}

		if err := s.saveStatus(ctx, ev, CreditStatusPendingWholesaler); err != nil {
			return nil, err
		}
		s.send(ctx, log, ev.WholesalerPhone, notify.CreditApprovalRequestMessage(ev.OrderID, ev.Amount))
		log.Info("credit order routed to wholesaler")
		return queue.OK(map[string]any{"status": CreditStatusPendingWholesaler, "auto_approved": false}), nil

	case models.CreditEventApproved, models.CreditEventRejected:
		if err := s.saveStatus(ctx, ev, ev.Event); err != nil {
			return nil, err
		}
		s.send(ctx, log, ev.RetailerPhone, notify.CreditOrderStatusMessage(ev.OrderID, ev.Event, ev.Metadata.Reason))
		return queue.OK(map[string]any{"status": ev.Event}), nil

	case models.CreditEventPaymentDue:
		if err := s.saveStatus(ctx, ev, CreditStatusOverdue); err != nil {
			return nil, err
		}
		s.send(ctx, log, ev.RetailerPhone, notify.CreditOverdueMessage(ev.OrderID, ev.Amount, ev.Metadata.DaysOverdue))
		return queue.OK(map[string]any{"status": CreditStatusOverdue, "days_overdue": ev.Metadata.DaysOverdue}), nil
	}

	return nil, queue.Permanent(xerrors.Validation("event", "unsupported credit event %q", ev.Event))
}

func (s *CreditService) saveStatus(ctx context.Context, ev models.CreditOrderEvent, status string) error {
	now := s.now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO credit_orders (order_id, retailer_id, wholesaler_id, amount, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
		ON CONFLICT (order_id) DO UPDATE SET status = EXCLUDED.status, updated_at = EXCLUDED.updated_at
	`, ev.OrderID, ev.RetailerID, ev.WholesalerID, ev.Amount, status, now)
	if err != nil {
		return fmt.Errorf("failed to save credit order %s: %w", ev.OrderID, err)
	}
	return nil
}

func (s *CreditService) send(ctx context.Context, log *zap.Logger, phone, body string) {
	if phone == "" {
		log.Warn("no phone number for credit notification")
		return
	}
	if err := s.notifier.Send(ctx, notify.Message{To: phone, Body: body}); err != nil {
		log.Error("failed to send credit notification", zap.Error(err))
	}
}
