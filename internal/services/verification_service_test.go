package services

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ruralpay/retailpay/internal/config"
	"github.com/ruralpay/retailpay/internal/ledger"
	"github.com/ruralpay/retailpay/internal/models"
	"github.com/ruralpay/retailpay/internal/notify"
	"github.com/ruralpay/retailpay/internal/security"
	"github.com/ruralpay/retailpay/internal/xerrors"
)

const (
	testCard     = "card_1"
	testRetailer = "ret_1"
)

func newTestVerifier(t *testing.T, env *testEnv) *VerificationService {
	t.Helper()
	cfg := &config.VerificationConfig{
		MaxFailedAttempts: 3,
		AttemptWindow:     15 * time.Minute,
		LockDuration:      30 * time.Minute,
		CodeLength:        8,
		CodeTimeout:       10 * time.Minute,
		OTPLength:         6,
		OTPTimeout:        5 * time.Minute,
		UsedCodeRetention: 24 * time.Hour,
	}
	logger := zap.NewNop()
	v := NewVerificationService(env.db, env.ledger, env.accounts, env.notifier, cfg, "UGX", security.NewAuditLogger(logger, nil), logger)
	v.now = func() time.Time { return env.now }
	return v
}

func (e *testEnv) expectUnlocked(failed int) {
	e.sql.ExpectQuery(`SELECT locked_until FROM card_locks`).
		WithArgs(testCard, e.now).
		WillReturnRows(sqlmock.NewRows([]string{"locked_until"}))
	e.sql.ExpectQuery(`SELECT COUNT\(\*\) FROM payment_verification_attempts`).
		WithArgs(testCard, e.now.Add(-15*time.Minute), reasonLocked, reasonSystemError).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(failed))
}

func (e *testEnv) expectCard(pinHash string, balance int64, forUpdate bool) {
	query := `SELECT card_id, .* FROM cards WHERE card_id = \$1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	e.sql.ExpectQuery(query).
		WithArgs(testCard).
		WillReturnRows(sqlmock.NewRows([]string{"card_id", "customer_id", "pin_hash", "balance_id", "balance", "currency", "status", "phone"}).
			AddRow(testCard, "cust_1", pinHash, testWallet, balance, "UGX", models.CardStatusActive, "+256700000001"))
}

func (e *testEnv) expectRetailer() {
	e.sql.ExpectQuery(`SELECT retailer_id, .* FROM retailers WHERE retailer_id = \$1`).
		WithArgs(testRetailer).
		WillReturnRows(sqlmock.NewRows([]string{"retailer_id", "name", "balance_id", "phone", "status", "created_at"}).
			AddRow(testRetailer, "Kato Groceries", "bln_ret_1", "+256700000009", models.RetailerStatusActive, e.now))
}

func (e *testEnv) expectAttemptRecorded(success bool) {
	e.sql.ExpectExec(`INSERT INTO payment_verification_attempts`).
		WithArgs(testCard, testRetailer, sqlmock.AnyArg(), success, sqlmock.AnyArg(), e.now).
		WillReturnResult(sqlmock.NewResult(1, 1))
	e.sql.ExpectExec(`INSERT INTO manual_payment_audit`).
		WillReturnResult(sqlmock.NewResult(1, 1))
}

func (e *testEnv) expectCardDebit(amount int64) {
	e.sql.ExpectExec(`UPDATE cards SET balance = balance - \$1`).
		WithArgs(amount, e.now, testCard).
		WillReturnResult(sqlmock.NewResult(0, 1))
}

func (e *testEnv) expectLedgerDebit(amount int64, txID string) {
	e.ledger.On("CreateTransaction", mock.Anything, mock.MatchedBy(func(req ledger.TransactionRequest) bool {
		return req.Source == testWallet && req.Destination == "bln_ret_1" && req.Amount == amount
	})).Return(&models.LedgerTransaction{TransactionID: txID, Amount: amount}, nil).Once()
}

func paymentKind(t *testing.T, err error) xerrors.PaymentErrorKind {
	t.Helper()
	pe, ok := xerrors.AsPaymentError(err)
	require.True(t, ok, "expected a PaymentError, got %v", err)
	return pe.Kind
}

func TestVerificationService_VerifyPIN(t *testing.T) {
	ctx := context.Background()
	pinHash, err := security.HashPIN("1234")
	require.NoError(t, err)

	req := models.PINPaymentRequest{CardID: testCard, RetailerID: testRetailer, PIN: "1234", Amount: 500}

	t.Run("debits the card", func(t *testing.T) {
		env := newTestEnv(t, nil)
		v := newTestVerifier(t, env)

		env.expectUnlocked(0)
		env.sql.ExpectBegin()
		env.expectCard(pinHash, 2000, true)
		env.expectRetailer()
		env.expectCardDebit(500)
		env.expectLedgerDebit(500, "txn_pin")
		env.sql.ExpectCommit()
		env.expectAttemptRecorded(true)

		receipt, err := v.VerifyPIN(ctx, req)

		require.NoError(t, err)
		assert.True(t, receipt.Success)
		assert.Equal(t, "txn_pin", receipt.TransactionID)
		assert.Equal(t, int64(1500), receipt.NewBalance)
		assert.Equal(t, models.MethodPIN, receipt.Method)
		assert.NoError(t, env.sql.ExpectationsWereMet())
	})

	t.Run("wrong PIN is an invalid credential", func(t *testing.T) {
		env := newTestEnv(t, nil)
		v := newTestVerifier(t, env)

		env.expectUnlocked(0)
		env.sql.ExpectBegin()
		env.expectCard(pinHash, 2000, true)
		env.expectRetailer()
		env.sql.ExpectRollback()
		env.expectAttemptRecorded(false)

		bad := req
		bad.PIN = "9999"
		_, err := v.VerifyPIN(ctx, bad)

		assert.Equal(t, xerrors.KindInvalidCredential, paymentKind(t, err))
		assert.False(t, errors.Is(err, xerrors.ErrCardLocked))
		env.ledger.AssertNotCalled(t, "CreateTransaction", mock.Anything, mock.Anything)
		assert.NoError(t, env.sql.ExpectationsWereMet())
	})

	t.Run("audit row never carries PIN digits", func(t *testing.T) {
		env := newTestEnv(t, nil)
		v := newTestVerifier(t, env)

		env.expectUnlocked(0)
		env.sql.ExpectBegin()
		env.expectCard(pinHash, 2000, true)
		env.expectRetailer()
		env.sql.ExpectRollback()
		env.sql.ExpectExec(`INSERT INTO payment_verification_attempts`).
			WillReturnResult(sqlmock.NewResult(1, 1))
		env.sql.ExpectExec(`INSERT INTO manual_payment_audit`).
			WithArgs(testCard, testRetailer, models.MethodPIN, int64(500), "****", false, "", "Invalid PIN", env.now).
			WillReturnResult(sqlmock.NewResult(1, 1))

		sixDigits := req
		sixDigits.PIN = "987654"
		_, err := v.VerifyPIN(ctx, sixDigits)

		assert.Equal(t, xerrors.KindInvalidCredential, paymentKind(t, err))
		assert.NoError(t, env.sql.ExpectationsWereMet())
	})

	t.Run("insufficient balance creates no ledger transaction", func(t *testing.T) {
		env := newTestEnv(t, nil)
		v := newTestVerifier(t, env)

		env.expectUnlocked(0)
		env.sql.ExpectBegin()
		env.expectCard(pinHash, 300, true)
		env.expectRetailer()
		env.sql.ExpectRollback()
		env.expectAttemptRecorded(false)

		_, err := v.VerifyPIN(ctx, req)

		assert.Equal(t, xerrors.KindInsufficientBalance, paymentKind(t, err))
		assert.ErrorIs(t, err, xerrors.ErrInsufficientBalance)
		env.ledger.AssertNotCalled(t, "CreateTransaction", mock.Anything, mock.Anything)
	})

	t.Run("ledger failure rolls back the cached debit", func(t *testing.T) {
		env := newTestEnv(t, nil)
		v := newTestVerifier(t, env)

		env.expectUnlocked(0)
		env.sql.ExpectBegin()
		env.expectCard(pinHash, 2000, true)
		env.expectRetailer()
		env.expectCardDebit(500)
		env.ledger.On("CreateTransaction", mock.Anything, mock.Anything).
			Return(nil, &xerrors.ExternalServiceError{Service: "ledger", Op: "create transaction", StatusCode: 503})
		env.sql.ExpectRollback()
		env.expectAttemptRecorded(false)

		_, err := v.VerifyPIN(ctx, req)

		assert.ErrorIs(t, err, xerrors.ErrExternalService)
		assert.NoError(t, env.sql.ExpectationsWereMet())
	})

	t.Run("malformed PIN is rejected before any lookup", func(t *testing.T) {
		env := newTestEnv(t, nil)
		v := newTestVerifier(t, env)

		bad := req
		bad.PIN = "12a4"
		_, err := v.VerifyPIN(ctx, bad)

		assert.Equal(t, xerrors.KindValidation, paymentKind(t, err))
		assert.NoError(t, env.sql.ExpectationsWereMet())
	})
}

func TestVerificationService_Lockout(t *testing.T) {
	ctx := context.Background()
	pinHash, err := security.HashPIN("1234")
	require.NoError(t, err)

	bad := models.PINPaymentRequest{CardID: testCard, RetailerID: testRetailer, PIN: "0000", Amount: 500}

	t.Run("three failures lock the card on the next attempt", func(t *testing.T) {
		env := newTestEnv(t, nil)
		v := newTestVerifier(t, env)

		for failed := 0; failed < 3; failed++ {
			env.expectUnlocked(failed)
			env.sql.ExpectBegin()
			env.expectCard(pinHash, 2000, true)
			env.expectRetailer()
			env.sql.ExpectRollback()
			env.expectAttemptRecorded(false)
		}

		env.expectUnlocked(3)
		env.sql.ExpectExec(`INSERT INTO card_locks`).
			WithArgs(testCard, env.now.Add(30*time.Minute), sqlmock.AnyArg(), env.now).
			WillReturnResult(sqlmock.NewResult(1, 1))
		env.expectAttemptRecorded(false)

		for i := 0; i < 3; i++ {
			_, err := v.VerifyPIN(ctx, bad)
			require.Equal(t, xerrors.KindInvalidCredential, paymentKind(t, err))
		}

		// The correct PIN does not help once the threshold is reached.
		good := bad
		good.PIN = "1234"
		_, err := v.VerifyPIN(ctx, good)

		require.ErrorIs(t, err, xerrors.ErrCardLocked)
		var locked *xerrors.LockedError
		require.ErrorAs(t, err, &locked)
		assert.Equal(t, env.now.Add(30*time.Minute), locked.LockedUntil)
		assert.True(t, errors.Is(err, xerrors.ErrRateLimited))
		assert.NoError(t, env.sql.ExpectationsWereMet())
	})

	t.Run("locked card fails without consulting credentials", func(t *testing.T) {
		env := newTestEnv(t, nil)
		v := newTestVerifier(t, env)

		env.sql.ExpectQuery(`SELECT locked_until FROM card_locks`).
			WithArgs(testCard, env.now).
			WillReturnRows(sqlmock.NewRows([]string{"locked_until"}).AddRow(env.now.Add(10 * time.Minute)))
		env.expectAttemptRecorded(false)

		_, err := v.VerifyPIN(ctx, bad)

		assert.ErrorIs(t, err, xerrors.ErrCardLocked)
		pe, _ := xerrors.AsPaymentError(err)
		assert.True(t, pe.HardStop())
		assert.NoError(t, env.sql.ExpectationsWereMet())
	})

	t.Run("card works again after the lock expires", func(t *testing.T) {
		env := newTestEnv(t, nil)
		v := newTestVerifier(t, env)
		env.now = env.now.Add(31 * time.Minute)

		env.expectUnlocked(0)
		env.sql.ExpectBegin()
		env.expectCard(pinHash, 2000, true)
		env.expectRetailer()
		env.expectCardDebit(500)
		env.expectLedgerDebit(500, "txn_after_lock")
		env.sql.ExpectCommit()
		env.expectAttemptRecorded(true)

		good := bad
		good.PIN = "1234"
		receipt, err := v.VerifyPIN(ctx, good)

		require.NoError(t, err)
		assert.Equal(t, "txn_after_lock", receipt.TransactionID)
	})
}

func TestVerificationService_PaymentCodes(t *testing.T) {
	ctx := context.Background()
	codeCols := []string{"id", "retailer_id", "amount", "expires_at", "is_used"}

	t.Run("issues a code by SMS and stores only its hash", func(t *testing.T) {
		env := newTestEnv(t, nil)
		v := newTestVerifier(t, env)

		env.expectUnlocked(0)
		env.expectCard("", 2000, false)
		env.expectRetailer()
		env.sql.ExpectExec(`INSERT INTO payment_codes`).
			WithArgs(testCard, testRetailer, sqlmock.AnyArg(), sqlmock.AnyArg(), int64(700), sqlmock.AnyArg(), env.now.Add(10*time.Minute), env.now).
			WillReturnResult(sqlmock.NewResult(1, 1))

		var sent notify.Message
		env.notifier.On("Send", mock.Anything, mock.AnythingOfType("notify.Message")).
			Run(func(args mock.Arguments) { sent = args.Get(1).(notify.Message) }).
			Return(nil)

		issued, err := v.GeneratePaymentCode(ctx, models.CodeIssueRequest{CardID: testCard, RetailerID: testRetailer, Amount: 700})

		require.NoError(t, err)
		assert.Equal(t, models.MethodCode, issued.Method)
		assert.NotEmpty(t, issued.QRCode)
		assert.Equal(t, "+256700000001", sent.To)
		assert.Contains(t, sent.Body, "Your payment code is ")
		assert.True(t, sent.Secret)
		assert.NoError(t, env.sql.ExpectationsWereMet())
	})

	t.Run("redeems once and rejects the second redemption", func(t *testing.T) {
		env := newTestEnv(t, nil)
		v := newTestVerifier(t, env)
		hash := security.HashCode(testCard, "12345678")
		req := models.CodePaymentRequest{CardID: testCard, RetailerID: testRetailer, Code: "12345678"}

		env.expectUnlocked(0)
		env.sql.ExpectBegin()
		env.sql.ExpectQuery(`SELECT id, retailer_id, amount, expires_at, is_used FROM payment_codes .* FOR UPDATE`).
			WithArgs(testCard, hash).
			WillReturnRows(sqlmock.NewRows(codeCols).AddRow(int64(7), testRetailer, int64(700), env.now.Add(5*time.Minute), false))
		env.expectCard("", 2000, true)
		env.expectRetailer()
		env.sql.ExpectExec(`UPDATE payment_codes SET is_used = true, used_at = \$1 WHERE id = \$2 AND is_used = false`).
			WithArgs(env.now, int64(7)).
			WillReturnResult(sqlmock.NewResult(0, 1))
		env.expectCardDebit(700)
		env.expectLedgerDebit(700, "txn_code")
		env.sql.ExpectCommit()
		env.expectAttemptRecorded(true)

		env.expectUnlocked(0)
		env.sql.ExpectBegin()
		env.sql.ExpectQuery(`SELECT id, retailer_id, amount, expires_at, is_used FROM payment_codes .* FOR UPDATE`).
			WithArgs(testCard, hash).
			WillReturnRows(sqlmock.NewRows(codeCols).AddRow(int64(7), testRetailer, int64(700), env.now.Add(5*time.Minute), true))
		env.sql.ExpectRollback()
		env.expectAttemptRecorded(false)

		receipt, err := v.RedeemPaymentCode(ctx, req)
		require.NoError(t, err)
		assert.Equal(t, int64(700), receipt.Amount)

		_, err = v.RedeemPaymentCode(ctx, req)
		assert.Equal(t, xerrors.KindAlreadyUsed, paymentKind(t, err))
		assert.ErrorIs(t, err, xerrors.ErrAlreadyUsed)

		env.ledger.AssertNumberOfCalls(t, "CreateTransaction", 1)
		assert.NoError(t, env.sql.ExpectationsWereMet())
	})

	t.Run("concurrent redemption that loses the flip is already used", func(t *testing.T) {
		env := newTestEnv(t, nil)
		v := newTestVerifier(t, env)

		env.expectUnlocked(0)
		env.sql.ExpectBegin()
		env.sql.ExpectQuery(`FROM payment_codes`).
			WillReturnRows(sqlmock.NewRows(codeCols).AddRow(int64(7), testRetailer, int64(700), env.now.Add(5*time.Minute), false))
		env.expectCard("", 2000, true)
		env.expectRetailer()
		env.sql.ExpectExec(`UPDATE payment_codes SET is_used = true`).
			WillReturnResult(sqlmock.NewResult(0, 0))
		env.sql.ExpectRollback()
		env.expectAttemptRecorded(false)

		_, err := v.RedeemPaymentCode(ctx, models.CodePaymentRequest{CardID: testCard, RetailerID: testRetailer, Code: "12345678"})

		assert.Equal(t, xerrors.KindAlreadyUsed, paymentKind(t, err))
		env.ledger.AssertNotCalled(t, "CreateTransaction", mock.Anything, mock.Anything)
	})

	t.Run("expired code", func(t *testing.T) {
		env := newTestEnv(t, nil)
		v := newTestVerifier(t, env)

		env.expectUnlocked(0)
		env.sql.ExpectBegin()
		env.sql.ExpectQuery(`FROM payment_codes`).
			WillReturnRows(sqlmock.NewRows(codeCols).AddRow(int64(7), testRetailer, int64(700), env.now.Add(-time.Minute), false))
		env.sql.ExpectRollback()
		env.expectAttemptRecorded(false)

		_, err := v.RedeemPaymentCode(ctx, models.CodePaymentRequest{CardID: testCard, RetailerID: testRetailer, Code: "12345678"})

		assert.Equal(t, xerrors.KindExpired, paymentKind(t, err))
		assert.ErrorIs(t, err, xerrors.ErrExpired)
	})

	t.Run("code issued to another retailer", func(t *testing.T) {
		env := newTestEnv(t, nil)
		v := newTestVerifier(t, env)

		env.expectUnlocked(0)
		env.sql.ExpectBegin()
		env.sql.ExpectQuery(`FROM payment_codes`).
			WillReturnRows(sqlmock.NewRows(codeCols).AddRow(int64(7), "ret_other", int64(700), env.now.Add(time.Minute), false))
		env.sql.ExpectRollback()
		env.expectAttemptRecorded(false)

		_, err := v.RedeemPaymentCode(ctx, models.CodePaymentRequest{CardID: testCard, RetailerID: testRetailer, Code: "12345678"})

		assert.Equal(t, xerrors.KindScopeMismatch, paymentKind(t, err))
	})
}

func TestVerificationService_PaymentOTP(t *testing.T) {
	ctx := context.Background()
	otpCols := []string{"id", "amount", "metadata", "expires_at", "is_used"}
	scope := []byte(`{"card_id":"card_1","retailer_id":"ret_1","amount":450}`)

	t.Run("sends an OTP bound to the payment", func(t *testing.T) {
		env := newTestEnv(t, nil)
		v := newTestVerifier(t, env)

		env.expectUnlocked(0)
		env.expectCard("", 2000, false)
		env.expectRetailer()
		env.sql.ExpectExec(`INSERT INTO otp_codes`).
			WithArgs(testCard, sqlmock.AnyArg(), sqlmock.AnyArg(), int64(450), sqlmock.AnyArg(), env.now.Add(5*time.Minute), env.now).
			WillReturnResult(sqlmock.NewResult(1, 1))
		env.notifier.On("Send", mock.Anything, mock.MatchedBy(func(m notify.Message) bool {
			return m.Secret && strings.HasPrefix(m.Body, "Your payment OTP is ")
		})).Return(nil)

		issued, err := v.SendPaymentOTP(ctx, models.CodeIssueRequest{CardID: testCard, RetailerID: testRetailer, Amount: 450})

		require.NoError(t, err)
		assert.Equal(t, models.MethodOTP, issued.Method)
		assert.Equal(t, env.now.Add(5*time.Minute), issued.ExpiresAt)
	})

	t.Run("verifies and debits", func(t *testing.T) {
		env := newTestEnv(t, nil)
		v := newTestVerifier(t, env)

		env.expectUnlocked(0)
		env.sql.ExpectBegin()
		env.sql.ExpectQuery(`SELECT id, amount, metadata, expires_at, is_used FROM otp_codes .* FOR UPDATE`).
			WithArgs(testCard, security.HashCode(testCard, "123456")).
			WillReturnRows(sqlmock.NewRows(otpCols).AddRow(int64(3), int64(450), scope, env.now.Add(time.Minute), false))
		env.expectCard("", 2000, true)
		env.expectRetailer()
		env.sql.ExpectExec(`UPDATE otp_codes SET is_used = true`).
			WithArgs(env.now, int64(3)).
			WillReturnResult(sqlmock.NewResult(0, 1))
		env.expectCardDebit(450)
		env.expectLedgerDebit(450, "txn_otp")
		env.sql.ExpectCommit()
		env.expectAttemptRecorded(true)

		receipt, err := v.VerifyPaymentOTP(ctx, models.OTPPaymentRequest{CardID: testCard, RetailerID: testRetailer, OTP: "123456", Amount: 450})

		require.NoError(t, err)
		assert.Equal(t, "txn_otp", receipt.TransactionID)
		assert.NoError(t, env.sql.ExpectationsWereMet())
	})

	t.Run("amount differing from the stored scope", func(t *testing.T) {
		env := newTestEnv(t, nil)
		v := newTestVerifier(t, env)

		env.expectUnlocked(0)
		env.sql.ExpectBegin()
		env.sql.ExpectQuery(`FROM otp_codes`).
			WillReturnRows(sqlmock.NewRows(otpCols).AddRow(int64(3), int64(450), scope, env.now.Add(time.Minute), false))
		env.sql.ExpectRollback()
		env.expectAttemptRecorded(false)

		_, err := v.VerifyPaymentOTP(ctx, models.OTPPaymentRequest{CardID: testCard, RetailerID: testRetailer, OTP: "123456", Amount: 900})

		assert.Equal(t, xerrors.KindScopeMismatch, paymentKind(t, err))
		env.ledger.AssertNotCalled(t, "CreateTransaction", mock.Anything, mock.Anything)
	})
}

func TestVerificationService_Sweeps(t *testing.T) {
	ctx := context.Background()

	t.Run("unlock expired cards", func(t *testing.T) {
		env := newTestEnv(t, nil)
		v := newTestVerifier(t, env)
		env.sql.ExpectExec(`DELETE FROM card_locks WHERE locked_until <= \$1`).
			WithArgs(env.now).
			WillReturnResult(sqlmock.NewResult(0, 4))

		n, err := v.UnlockExpiredCards(ctx)

		require.NoError(t, err)
		assert.Equal(t, int64(4), n)
	})

	t.Run("clean up codes in both tables", func(t *testing.T) {
		env := newTestEnv(t, nil)
		v := newTestVerifier(t, env)
		env.sql.ExpectExec(`DELETE FROM payment_codes`).
			WithArgs(env.now, env.now.Add(-24*time.Hour)).
			WillReturnResult(sqlmock.NewResult(0, 2))
		env.sql.ExpectExec(`DELETE FROM otp_codes`).
			WithArgs(env.now, env.now.Add(-24*time.Hour)).
			WillReturnResult(sqlmock.NewResult(0, 3))

		n, err := v.CleanupExpiredCodes(ctx)

		require.NoError(t, err)
		assert.Equal(t, int64(5), n)
	})
}
