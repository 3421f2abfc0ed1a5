package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ruralpay/retailpay/internal/config"
	"github.com/ruralpay/retailpay/internal/database"
	"github.com/ruralpay/retailpay/internal/ledger"
	"github.com/ruralpay/retailpay/internal/metrics"
	"github.com/ruralpay/retailpay/internal/models"
	"github.com/ruralpay/retailpay/internal/notify"
	"github.com/ruralpay/retailpay/internal/security"
	"github.com/ruralpay/retailpay/internal/xerrors"
)

// Attempt reasons excluded from the lockout count.
const (
	reasonLocked      = "card_locked"
	reasonSystemError = "system_error"
)

// VerificationService authorizes point-of-sale card debits by PIN, payment
// code or OTP and enforces the card lockout policy.
type VerificationService struct {
	db        *sql.DB
	ledger    LedgerGateway
	accounts  *AccountRepository
	notifier  notify.Notifier
	validator *ValidationHelper
	cfg       *config.VerificationConfig
	currency  string
	audit     *security.AuditLogger
	logger    *zap.Logger
	now       func() time.Time
}

func NewVerificationService(
	db *sql.DB,
	gateway LedgerGateway,
	accounts *AccountRepository,
	notifier notify.Notifier,
	cfg *config.VerificationConfig,
	currency string,
	audit *security.AuditLogger,
	logger *zap.Logger,
) *VerificationService {
	return &VerificationService{
		db:        db,
		ledger:    gateway,
		accounts:  accounts,
		notifier:  notifier,
		validator: NewValidationHelper(),
		cfg:       cfg,
		currency:  currency,
		audit:     audit,
		logger:    logger.Named("verification"),
		now:       time.Now,
	}
}

// CheckRateLimit fails with a LockedError when the card is locked, and locks
// it when the failed attempts in the trailing window reach the threshold.
func (s *VerificationService) CheckRateLimit(ctx context.Context, cardID, retailerID string) error {
	now := s.now()

	var lockedUntil time.Time
	err := s.db.QueryRowContext(ctx, `
		SELECT locked_until FROM card_locks
		WHERE card_id = $1 AND locked_until > $2
		ORDER BY locked_until DESC LIMIT 1
	`, cardID, now).Scan(&lockedUntil)
	if err == nil {
		return xerrors.NewPaymentError(xerrors.KindLocked, "Card is temporarily locked",
			&xerrors.LockedError{CardID: cardID, LockedUntil: lockedUntil})
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("failed to check card lock: %w", err)
	}

	var failed int
	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM payment_verification_attempts
		WHERE card_id = $1 AND success = false AND created_at > $2
		AND COALESCE(reason, '') NOT IN ($3, $4)
	`, cardID, now.Add(-s.cfg.AttemptWindow), reasonLocked, reasonSystemError).Scan(&failed)
	if err != nil {
		return fmt.Errorf("failed to count verification attempts: %w", err)
	}
	if failed < s.cfg.MaxFailedAttempts {
		return nil
	}

	lockedUntil = now.Add(s.cfg.LockDuration)
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO card_locks (card_id, locked_until, reason, created_at)
		VALUES ($1, $2, $3, $4)
	`, cardID, lockedUntil, "too many failed verification attempts", now); err != nil {
		return fmt.Errorf("failed to lock card: %w", err)
	}

	metrics.CardLocks.Inc()
	s.logger.Warn("card locked",
		zap.String("card_id", cardID),
		zap.String("retailer_id", retailerID),
		zap.Int("failed_attempts", failed),
		zap.Time("locked_until", lockedUntil))

	return xerrors.NewPaymentError(xerrors.KindLocked, "Card is temporarily locked",
		&xerrors.LockedError{CardID: cardID, LockedUntil: lockedUntil})
}

// VerifyPIN debits the card after checking its PIN.
func (s *VerificationService) VerifyPIN(ctx context.Context, req models.PINPaymentRequest) (*models.PaymentReceipt, error) {
	if err := s.validator.Validate(req); err != nil {
		return nil, xerrors.NewPaymentError(xerrors.KindValidation, err.Error(), err)
	}

	att := attempt{method: models.MethodPIN, cardID: req.CardID, retailerID: req.RetailerID, amount: req.Amount}
	return s.run(ctx, att, func(tx *sql.Tx) (*models.PaymentReceipt, error) {
		card, err := s.lockCard(ctx, tx, req.CardID)
		if err != nil {
			return nil, err
		}
		retailer, err := s.retailer(ctx, req.RetailerID)
		if err != nil {
			return nil, err
		}

		ok, err := security.VerifyPIN(req.PIN, card.PINHash)
		if err != nil {
			return nil, fmt.Errorf("failed to verify PIN: %w", err)
		}
		if !ok {
			return nil, xerrors.NewPaymentError(xerrors.KindInvalidCredential, "Invalid PIN", nil)
		}

		return s.debitCard(ctx, tx, card, retailer, req.Amount, models.MethodPIN)
	})
}

// GeneratePaymentCode issues a single-use code for the amount and sends it to
// the card owner. The returned QR image encodes the request, not the code.
func (s *VerificationService) GeneratePaymentCode(ctx context.Context, req models.CodeIssueRequest) (*models.IssuedCode, error) {
	card, code, expiresAt, err := s.prepareSecret(ctx, req, s.cfg.CodeLength, s.cfg.CodeTimeout)
	if err != nil {
		return nil, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO payment_codes (card_id, retailer_id, code_hash, code_last4, amount, metadata, expires_at, is_used, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, false, $8)
	`, req.CardID, req.RetailerID, security.HashCode(req.CardID, code), security.Last4(code), req.Amount,
		models.Metadata{"issued_by": req.RetailerID}, expiresAt, s.now())
	if err != nil {
		return nil, fmt.Errorf("failed to store payment code: %w", err)
	}

	if err := s.notifier.Send(ctx, notify.Message{
		To:     card.Phone,
		Body:   notify.PaymentCodeMessage(code, req.Amount, s.cfg.CodeTimeout),
		Secret: true,
	}); err != nil {
		return nil, fmt.Errorf("failed to deliver payment code: %w", err)
	}

	issued := &models.IssuedCode{Method: models.MethodCode, CardID: req.CardID, Amount: req.Amount, ExpiresAt: expiresAt}
	qr, err := PaymentRequestQR(req.CardID, req.RetailerID, req.Amount, expiresAt)
	if err != nil {
		s.logger.Warn("failed to render payment QR", zap.String("card_id", req.CardID), zap.Error(err))
	} else {
		issued.QRCode = qr
	}

	s.logger.Info("payment code issued",
		zap.String("card_id", req.CardID),
		zap.String("retailer_id", req.RetailerID),
		zap.Int64("amount", req.Amount),
		zap.Time("expires_at", expiresAt))
	return issued, nil
}

// RedeemPaymentCode debits the card for a previously issued code. The code
// flips to used in the same transaction as the debit.
func (s *VerificationService) RedeemPaymentCode(ctx context.Context, req models.CodePaymentRequest) (*models.PaymentReceipt, error) {
	if err := s.validator.Validate(req); err != nil {
		return nil, xerrors.NewPaymentError(xerrors.KindValidation, err.Error(), err)
	}

	att := attempt{method: models.MethodCode, cardID: req.CardID, retailerID: req.RetailerID, amount: req.Amount, secret: req.Code}
	return s.run(ctx, att, func(tx *sql.Tx) (*models.PaymentReceipt, error) {
		var (
			id         int64
			retailerID string
			amount     int64
			expiresAt  time.Time
			isUsed     bool
		)
		err := tx.QueryRowContext(ctx, `
			SELECT id, retailer_id, amount, expires_at, is_used FROM payment_codes
			WHERE card_id = $1 AND code_hash = $2
			ORDER BY created_at DESC LIMIT 1
			FOR UPDATE
		`, req.CardID, security.HashCode(req.CardID, req.Code)).Scan(&id, &retailerID, &amount, &expiresAt, &isUsed)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, xerrors.NewPaymentError(xerrors.KindInvalidCredential, "Invalid payment code", nil)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load payment code: %w", err)
		}

		if err := s.checkSecret("payment code", isUsed, expiresAt); err != nil {
			return nil, err
		}
		if retailerID != req.RetailerID {
			return nil, xerrors.NewPaymentError(xerrors.KindScopeMismatch, "Payment code was issued to a different retailer", nil)
		}
		if req.Amount > 0 && req.Amount != amount {
			return nil, xerrors.NewPaymentError(xerrors.KindScopeMismatch, "Amount does not match the payment code", nil)
		}

		card, err := s.lockCard(ctx, tx, req.CardID)
		if err != nil {
			return nil, err
		}
		retailer, err := s.retailer(ctx, req.RetailerID)
		if err != nil {
			return nil, err
		}

		if err := s.markUsed(ctx, tx, "payment_codes", id, "payment code"); err != nil {
			return nil, err
		}
		return s.debitCard(ctx, tx, card, retailer, amount, models.MethodCode)
	})
}

// SendPaymentOTP issues an OTP bound to card, retailer and amount and sends
// it to the card owner.
func (s *VerificationService) SendPaymentOTP(ctx context.Context, req models.CodeIssueRequest) (*models.IssuedCode, error) {
	card, otp, expiresAt, err := s.prepareSecret(ctx, req, s.cfg.OTPLength, s.cfg.OTPTimeout)
	if err != nil {
		return nil, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO otp_codes (card_id, code_hash, code_last4, amount, metadata, expires_at, is_used, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, false, $7)
	`, req.CardID, security.HashCode(req.CardID, otp), security.Last4(otp), req.Amount,
		models.Metadata{"card_id": req.CardID, "retailer_id": req.RetailerID, "amount": req.Amount}, expiresAt, s.now())
	if err != nil {
		return nil, fmt.Errorf("failed to store OTP: %w", err)
	}

	if err := s.notifier.Send(ctx, notify.Message{
		To:     card.Phone,
		Body:   notify.PaymentOTPMessage(otp, req.Amount, s.cfg.OTPTimeout),
		Secret: true,
	}); err != nil {
		return nil, fmt.Errorf("failed to deliver OTP: %w", err)
	}

	s.logger.Info("payment OTP sent", zap.String("card_id", req.CardID), zap.String("retailer_id", req.RetailerID))
	return &models.IssuedCode{Method: models.MethodOTP, CardID: req.CardID, Amount: req.Amount, ExpiresAt: expiresAt}, nil
}

// VerifyPaymentOTP debits the card for an OTP whose stored scope matches the
// request.
func (s *VerificationService) VerifyPaymentOTP(ctx context.Context, req models.OTPPaymentRequest) (*models.PaymentReceipt, error) {
	if err := s.validator.Validate(req); err != nil {
		return nil, xerrors.NewPaymentError(xerrors.KindValidation, err.Error(), err)
	}

	att := attempt{method: models.MethodOTP, cardID: req.CardID, retailerID: req.RetailerID, amount: req.Amount, secret: req.OTP}
	return s.run(ctx, att, func(tx *sql.Tx) (*models.PaymentReceipt, error) {
		var (
			id        int64
			amount    int64
			scope     models.Metadata
			expiresAt time.Time
			isUsed    bool
		)
		err := tx.QueryRowContext(ctx, `
			SELECT id, amount, metadata, expires_at, is_used FROM otp_codes
			WHERE card_id = $1 AND code_hash = $2
			ORDER BY created_at DESC LIMIT 1
			FOR UPDATE
		`, req.CardID, security.HashCode(req.CardID, req.OTP)).Scan(&id, &amount, &scope, &expiresAt, &isUsed)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, xerrors.NewPaymentError(xerrors.KindInvalidCredential, "Invalid OTP", nil)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load OTP: %w", err)
		}

		if err := s.checkSecret("OTP", isUsed, expiresAt); err != nil {
			return nil, err
		}
		if scope.String("card_id") != req.CardID ||
			scope.String("retailer_id") != req.RetailerID ||
			scope.Int64("amount") != req.Amount || amount != req.Amount {
			return nil, xerrors.NewPaymentError(xerrors.KindScopeMismatch, "OTP does not match this payment", nil)
		}

		card, err := s.lockCard(ctx, tx, req.CardID)
		if err != nil {
			return nil, err
		}
		retailer, err := s.retailer(ctx, req.RetailerID)
		if err != nil {
			return nil, err
		}

		if err := s.markUsed(ctx, tx, "otp_codes", id, "OTP"); err != nil {
			return nil, err
		}
		return s.debitCard(ctx, tx, card, retailer, amount, models.MethodOTP)
	})
}

// UnlockExpiredCards removes lock rows whose lock period is over.
func (s *VerificationService) UnlockExpiredCards(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM card_locks WHERE locked_until <= $1`, s.now())
	if err != nil {
		return 0, fmt.Errorf("failed to unlock expired cards: %w", err)
	}
	return res.RowsAffected()
}

// CleanupExpiredCodes deletes unused codes past expiry and used codes past
// the retention period.
func (s *VerificationService) CleanupExpiredCodes(ctx context.Context) (int64, error) {
	now := s.now()
	retained := now.Add(-s.cfg.UsedCodeRetention)

	var total int64
	for _, table := range []string{"payment_codes", "otp_codes"} {
		res, err := s.db.ExecContext(ctx, `
			DELETE FROM `+table+`
			WHERE (is_used = false AND expires_at < $1) OR (is_used = true AND used_at < $2)
		`, now, retained)
		if err != nil {
			return total, fmt.Errorf("failed to clean up %s: %w", table, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

type attempt struct {
	method     string
	cardID     string
	retailerID string
	amount     int64
	secret     string
}

// run gates the attempt on the lock state, executes fn inside one
// transaction and records the outcome whatever it is.
func (s *VerificationService) run(ctx context.Context, att attempt, fn func(tx *sql.Tx) (*models.PaymentReceipt, error)) (*models.PaymentReceipt, error) {
	if err := s.CheckRateLimit(ctx, att.cardID, att.retailerID); err != nil {
		s.record(ctx, att, nil, err)
		return nil, err
	}

	var receipt *models.PaymentReceipt
	err := database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		r, err := fn(tx)
		if err != nil {
			return err
		}
		receipt = r
		return nil
	})
	if err != nil && receipt != nil {
		// The ledger accepted the debit but the local commit failed.
		s.logger.Error("ledger debit recorded but local commit failed",
			zap.String("card_id", att.cardID),
			zap.String("transaction_id", receipt.TransactionID),
			zap.Error(err))
		s.audit.LogError(ctx, receipt.TransactionID, att.cardID, err)
		receipt = nil
	}

	s.record(ctx, att, receipt, err)
	if err != nil {
		return nil, err
	}
	return receipt, nil
}

func (s *VerificationService) record(ctx context.Context, att attempt, receipt *models.PaymentReceipt, err error) {
	success := err == nil
	reason, outcome := "", "success"
	if !success {
		reason, outcome = failureReason(err)
	}
	metrics.VerificationAttempts.WithLabelValues(att.method, outcome).Inc()

	now := s.now()
	if _, dbErr := s.db.ExecContext(ctx, `
		INSERT INTO payment_verification_attempts (card_id, retailer_id, method, success, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, att.cardID, att.retailerID, att.method, success, reason, now); dbErr != nil {
		s.logger.Error("failed to record verification attempt", zap.String("card_id", att.cardID), zap.Error(dbErr))
	}

	audit := models.PaymentAudit{
		CardID:       att.cardID,
		RetailerID:   att.retailerID,
		Method:       att.method,
		Amount:       att.amount,
		MaskedSecret: maskedSecret(att),
		Success:      success,
	}
	if receipt != nil {
		audit.TransactionID = receipt.TransactionID
		audit.Amount = receipt.Amount
	}
	if err != nil {
		audit.ErrorMessage = err.Error()
	}
	if _, dbErr := s.db.ExecContext(ctx, `
		INSERT INTO manual_payment_audit (card_id, retailer_id, method, amount, masked_secret, success, transaction_id, error_message, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, audit.CardID, audit.RetailerID, audit.Method, audit.Amount, audit.MaskedSecret, audit.Success,
		audit.TransactionID, audit.ErrorMessage, now); dbErr != nil {
		s.logger.Error("failed to write payment audit", zap.String("card_id", att.cardID), zap.Error(dbErr))
	}
}

// pinMask is recorded for every PIN attempt; no PIN digit is ever stored.
const pinMask = "****"

func maskedSecret(att attempt) string {
	if att.method == models.MethodPIN {
		return pinMask
	}
	return security.MaskSecret(att.secret)
}

// failureReason maps an attempt error to its stored reason and metric label.
// Infrastructure failures use reasonSystemError so they never lock a card.
func failureReason(err error) (string, string) {
	pe, ok := xerrors.AsPaymentError(err)
	if !ok {
		return reasonSystemError, "error"
	}
	if pe.Kind == xerrors.KindLocked {
		return reasonLocked, "locked"
	}
	return strings.ToLower(string(pe.Kind)), strings.ToLower(string(pe.Kind))
}

func (s *VerificationService) checkSecret(subject string, isUsed bool, expiresAt time.Time) error {
	if isUsed {
		return xerrors.NewPaymentError(xerrors.KindAlreadyUsed, fmt.Sprintf("This %s has already been used", subject),
			&xerrors.AlreadyUsedError{Subject: subject})
	}
	if !s.now().Before(expiresAt) {
		return xerrors.NewPaymentError(xerrors.KindExpired, fmt.Sprintf("This %s has expired", subject),
			&xerrors.ExpiredError{Subject: subject, ExpiredAt: expiresAt})
	}
	return nil
}

// markUsed flips is_used exactly once; zero affected rows means another
// redemption won.
func (s *VerificationService) markUsed(ctx context.Context, tx *sql.Tx, table string, id int64, subject string) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE `+table+` SET is_used = true, used_at = $1 WHERE id = $2 AND is_used = false
	`, s.now(), id)
	if err != nil {
		return fmt.Errorf("failed to mark %s used: %w", subject, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return xerrors.NewPaymentError(xerrors.KindAlreadyUsed, fmt.Sprintf("This %s has already been used", subject),
			&xerrors.AlreadyUsedError{Subject: subject})
	}
	return nil
}

const cardColumns = `card_id, customer_id, pin_hash, balance_id, balance, currency, status, COALESCE(phone, '')`

func (s *VerificationService) loadCard(ctx context.Context, q database.Querier, cardID, suffix string) (*models.Card, error) {
	var c models.Card
	err := q.QueryRowContext(ctx, `SELECT `+cardColumns+` FROM cards WHERE card_id = $1`+suffix, cardID).
		Scan(&c.CardID, &c.CustomerID, &c.PINHash, &c.BalanceID, &c.Balance, &c.Currency, &c.Status, &c.Phone)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, xerrors.NewPaymentError(xerrors.KindNotFound, "Card not found", xerrors.NotFound("card", cardID))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load card %s: %w", cardID, err)
	}
	if c.Status != models.CardStatusActive {
		return nil, xerrors.NewPaymentError(xerrors.KindInactive, "Card is not active", nil)
	}
	return &c, nil
}

func (s *VerificationService) lockCard(ctx context.Context, tx *sql.Tx, cardID string) (*models.Card, error) {
	return s.loadCard(ctx, tx, cardID, ` FOR UPDATE`)
}

func (s *VerificationService) retailer(ctx context.Context, retailerID string) (*models.Retailer, error) {
	r, err := s.accounts.GetRetailer(ctx, retailerID)
	if errors.Is(err, xerrors.ErrNotFound) {
		return nil, xerrors.NewPaymentError(xerrors.KindNotFound, "Retailer not found", err)
	}
	if err != nil {
		return nil, err
	}
	if r.Status != models.RetailerStatusActive || r.BalanceID == "" {
		return nil, xerrors.NewPaymentError(xerrors.KindInactive, "Retailer cannot accept payments", nil)
	}
	return r, nil
}

// prepareSecret validates an issue request and generates a numeric secret.
func (s *VerificationService) prepareSecret(ctx context.Context, req models.CodeIssueRequest, length int, ttl time.Duration) (*models.Card, string, time.Time, error) {
	if err := s.validator.Validate(req); err != nil {
		return nil, "", time.Time{}, xerrors.NewPaymentError(xerrors.KindValidation, err.Error(), err)
	}
	if err := s.CheckRateLimit(ctx, req.CardID, req.RetailerID); err != nil {
		return nil, "", time.Time{}, err
	}

	card, err := s.loadCard(ctx, s.db, req.CardID, "")
	if err != nil {
		return nil, "", time.Time{}, err
	}
	if card.Phone == "" {
		return nil, "", time.Time{}, xerrors.NewPaymentError(xerrors.KindValidation, "Card has no phone number for delivery", nil)
	}
	if _, err := s.retailer(ctx, req.RetailerID); err != nil {
		return nil, "", time.Time{}, err
	}

	secret, err := security.GenerateNumericCode(length)
	if err != nil {
		return nil, "", time.Time{}, err
	}
	return card, secret, s.now().Add(ttl), nil
}

// debitCard checks the cached balance, debits it and records the ledger
// transaction. It runs inside the caller's transaction so a ledger failure
// rolls the cache back.
func (s *VerificationService) debitCard(ctx context.Context, tx *sql.Tx, card *models.Card, retailer *models.Retailer, amount int64, method string) (*models.PaymentReceipt, error) {
	if card.Balance < amount {
		return nil, xerrors.NewPaymentError(xerrors.KindInsufficientBalance, "Insufficient balance",
			&xerrors.InsufficientBalanceError{BalanceID: card.BalanceID, Available: card.Balance, Requested: amount})
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE cards SET balance = balance - $1, updated_at = $2
		WHERE card_id = $3 AND balance >= $1
	`, amount, s.now(), card.CardID)
	if err != nil {
		return nil, fmt.Errorf("failed to update card balance: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, err
	} else if n == 0 {
		return nil, xerrors.NewPaymentError(xerrors.KindInsufficientBalance, "Insufficient balance", nil)
	}

	currency := card.Currency
	if currency == "" {
		currency = s.currency
	}
	reference := fmt.Sprintf("POS-%s-%s", strings.ToUpper(method), uuid.NewString())
	txn, err := s.ledger.CreateTransaction(ctx, ledger.TransactionRequest{
		Amount:      amount,
		Currency:    currency,
		Source:      card.BalanceID,
		Destination: retailer.BalanceID,
		Reference:   reference,
		Description: fmt.Sprintf("Card payment at %s", retailer.Name),
		MetaData: models.Metadata{
			"balance_type": string(models.BalanceTypeWallet),
			"type":         "pos_payment",
			"method":       method,
			"card_id":      card.CardID,
			"retailer_id":  retailer.RetailerID,
		},
	})
	if err != nil {
		return nil, err
	}

	s.audit.LogTransfer(ctx, txn.TransactionID, card.BalanceID, retailer.BalanceID, amount, "SUCCESS")
	return &models.PaymentReceipt{
		Success:       true,
		TransactionID: txn.TransactionID,
		Reference:     reference,
		Method:        method,
		Amount:        amount,
		NewBalance:    card.Balance - amount,
		Currency:      currency,
	}, nil
}
