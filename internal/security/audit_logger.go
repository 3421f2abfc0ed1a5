package security

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"go.uber.org/zap"
)

type AuditEvent struct {
	Timestamp     time.Time `json:"timestamp"`
	EventType     string    `json:"event_type"`
	TransactionID string    `json:"transaction_id"`
	AccountID     string    `json:"account_id"`
	Amount        int64     `json:"amount"`
	Status        string    `json:"status"`
	Details       any       `json:"details"`
}

// AuditLogger writes audit events to the log and, when db is set, to
// audit_logs. Persistence failures are logged and never returned.
type AuditLogger struct {
	logger *zap.Logger
	db     *sql.DB
}

func NewAuditLogger(logger *zap.Logger, db *sql.DB) *AuditLogger {
	return &AuditLogger{logger: logger.Named("audit"), db: db}
}

func (a *AuditLogger) LogTransfer(ctx context.Context, transactionID, fromAccount, toAccount string, amount int64, status string) {
	a.log(ctx, AuditEvent{
		Timestamp:     time.Now(),
		EventType:     "TRANSFER",
		TransactionID: transactionID,
		AccountID:     fromAccount,
		Amount:        amount,
		Status:        status,
		Details: map[string]string{
			"from_account": fromAccount,
			"to_account":   toAccount,
		},
	})
}

func (a *AuditLogger) LogError(ctx context.Context, transactionID, accountID string, err error) {
	a.log(ctx, AuditEvent{
		Timestamp:     time.Now(),
		EventType:     "ERROR",
		TransactionID: transactionID,
		AccountID:     accountID,
		Status:        "FAILED",
		Details:       map[string]string{"error": err.Error()},
	})
}

func (a *AuditLogger) LogOperation(ctx context.Context, transactionID, accountID, operation string, details map[string]any) {
	a.log(ctx, AuditEvent{
		Timestamp:     time.Now(),
		EventType:     operation,
		TransactionID: transactionID,
		AccountID:     accountID,
		Status:        "SUCCESS",
		Details:       details,
	})
}

func (a *AuditLogger) log(ctx context.Context, event AuditEvent) {
	a.logger.Info("audit",
		zap.String("event_type", event.EventType),
		zap.String("transaction_id", event.TransactionID),
		zap.String("account_id", event.AccountID),
		zap.Int64("amount", event.Amount),
		zap.String("status", event.Status),
		zap.Any("details", event.Details),
	)

	if a.db == nil {
		return
	}

	details, err := json.Marshal(event.Details)
	if err != nil {
		a.logger.Error("failed to encode audit details", zap.Error(err))
		return
	}

	_, err = a.db.ExecContext(ctx, `
		INSERT INTO audit_logs (event_type, transaction_id, account_id, amount, status, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, event.EventType, event.TransactionID, event.AccountID, event.Amount, event.Status, details, event.Timestamp)
	if err != nil {
		a.logger.Error("failed to persist audit event",
			zap.String("event_type", event.EventType), zap.Error(err))
	}
}
