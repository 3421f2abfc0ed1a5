package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-redis/redismock/v8"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ruralpay/retailpay/internal/models"
	"github.com/ruralpay/retailpay/internal/queue"
	"github.com/ruralpay/retailpay/internal/xerrors"
)

type MockVerifier struct {
	mock.Mock
}

func (m *MockVerifier) receipt(args mock.Arguments) (*models.PaymentReceipt, error) {
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.PaymentReceipt), args.Error(1)
}

func (m *MockVerifier) issued(args mock.Arguments) (*models.IssuedCode, error) {
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.IssuedCode), args.Error(1)
}

func (m *MockVerifier) VerifyPIN(ctx context.Context, req models.PINPaymentRequest) (*models.PaymentReceipt, error) {
	return m.receipt(m.Called(ctx, req))
}

func (m *MockVerifier) GeneratePaymentCode(ctx context.Context, req models.CodeIssueRequest) (*models.IssuedCode, error) {
	return m.issued(m.Called(ctx, req))
}

func (m *MockVerifier) RedeemPaymentCode(ctx context.Context, req models.CodePaymentRequest) (*models.PaymentReceipt, error) {
	return m.receipt(m.Called(ctx, req))
}

func (m *MockVerifier) SendPaymentOTP(ctx context.Context, req models.CodeIssueRequest) (*models.IssuedCode, error) {
	return m.issued(m.Called(ctx, req))
}

func (m *MockVerifier) VerifyPaymentOTP(ctx context.Context, req models.OTPPaymentRequest) (*models.PaymentReceipt, error) {
	return m.receipt(m.Called(ctx, req))
}

type MockLoans struct {
	mock.Mock
}

func (m *MockLoans) CheckEligibility(ctx context.Context, borrowerID string) (*models.Eligibility, error) {
	args := m.Called(ctx, borrowerID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Eligibility), args.Error(1)
}

func (m *MockLoans) ApplyForLoan(ctx context.Context, app models.LoanApplication) (*models.Loan, error) {
	args := m.Called(ctx, app)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Loan), args.Error(1)
}

func (m *MockLoans) ProcessLoanDecision(ctx context.Context, d models.LoanDecision) (*models.Loan, error) {
	args := m.Called(ctx, d)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Loan), args.Error(1)
}

func (m *MockLoans) ProcessRepayment(ctx context.Context, req models.RepaymentRequest) (*models.RepaymentResult, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.RepaymentResult), args.Error(1)
}

func (m *MockLoans) PayWithLoanBalance(ctx context.Context, customerID, retailerID string, amount int64, reference string) (*models.LedgerTransaction, error) {
	args := m.Called(ctx, customerID, retailerID, amount, reference)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.LedgerTransaction), args.Error(1)
}

type MockBalances struct {
	mock.Mock
}

func (m *MockBalances) CustomerBalances(ctx context.Context, customerID string) (*models.UserBalances, error) {
	args := m.Called(ctx, customerID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.UserBalances), args.Error(1)
}

type MockEnqueuer struct {
	mock.Mock
}

func (m *MockEnqueuer) Enqueue(ctx context.Context, job queue.Job) error {
	return m.Called(ctx, job).Error(0)
}

type settlerFunc func(ctx context.Context, j queue.WalletCredit) (*queue.Result, error)

func (f settlerFunc) CreditWallet(ctx context.Context, j queue.WalletCredit) (*queue.Result, error) {
	return f(ctx, j)
}

const testSecret = "handler-secret"

type server struct {
	handler  http.Handler
	verifier *MockVerifier
	loans    *MockLoans
	balances *MockBalances
	enqueuer *MockEnqueuer
	redis    redismock.ClientMock
}

func newServer(t *testing.T) *server {
	t.Helper()
	rdb, redisMock := redismock.NewClientMock()
	t.Cleanup(func() { rdb.Close() })

	s := &server{
		verifier: &MockVerifier{},
		loans:    &MockLoans{},
		balances: &MockBalances{},
		enqueuer: &MockEnqueuer{},
		redis:    redisMock,
	}
	logger := zap.NewNop()
	s.handler = NewRouter(RouterConfig{
		Webhooks:       NewWebhookHandler(rdb, s.enqueuer, nil, logger),
		POS:            NewPOSHandler(s.verifier, logger),
		Loans:          NewLoanHandler(s.loans, s.balances, logger),
		JWTSecret:      testSecret,
		RequestTimeout: 5 * time.Second,
		Logger:         logger,
	})
	return s
}

func (s *server) do(t *testing.T, method, path, body string, auth bool) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if auth {
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"user_id": "cust_1"}).SignedString([]byte(testSecret))
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestWebhooks(t *testing.T) {
	momo := `{"financialTransactionId":"FT-1","externalId":"EXT-1","amount":"5000","currency":"UGX",
"payer":{"partyIdType":"MSISDN","partyId":"256700000001"},"status":"SUCCESSFUL"}`

	t.Run("momo callback is deduped and enqueued", func(t *testing.T) {
		s := newServer(t)
		s.redis.ExpectSetNX("webhook:mtn_momo:EXT-1", 1, webhookDedupTTL).SetVal(true)
		s.enqueuer.On("Enqueue", mock.Anything, mock.MatchedBy(func(j queue.Job) bool {
			wc, ok := j.(queue.WalletCredit)
			return ok && wc.Provider == "mtn_momo" && wc.Amount == 5000 && wc.Phone == "256700000001" &&
				wc.Reference == "EXT-1" && wc.Status == models.ProviderStatusSuccessful
		})).Return(nil)

		rec := s.do(t, http.MethodPost, "/webhooks/momo", momo, false)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "received", decodeBody(t, rec)["status"])
		s.enqueuer.AssertExpectations(t)
		assert.NoError(t, s.redis.ExpectationsWereMet())
	})

	t.Run("repeated callback is acknowledged without a job", func(t *testing.T) {
		s := newServer(t)
		s.redis.ExpectSetNX("webhook:mtn_momo:EXT-1", 1, webhookDedupTTL).SetVal(false)

		rec := s.do(t, http.MethodPost, "/webhooks/momo", momo, false)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "duplicate", decodeBody(t, rec)["status"])
		s.enqueuer.AssertNotCalled(t, "Enqueue", mock.Anything, mock.Anything)
	})

	t.Run("failed callback status is still handed to the queue", func(t *testing.T) {
		s := newServer(t)
		s.enqueuer.On("Enqueue", mock.Anything, mock.MatchedBy(func(j queue.Job) bool {
			wc := j.(queue.WalletCredit)
			return wc.Provider == "airtel" && wc.Status == "TF"
		})).Return(nil)

		rec := s.do(t, http.MethodPost, "/webhooks/airtel",
			`{"transaction":{"id":"AT-9","amount":"1500","msisdn":"256700000002","status":"TF","message":"declined"}}`, false)

		assert.Equal(t, http.StatusOK, rec.Code)
		s.enqueuer.AssertExpectations(t)
		assert.NoError(t, s.redis.ExpectationsWereMet())
	})

	t.Run("pending callback does not block the later success", func(t *testing.T) {
		s := newServer(t)
		pending := strings.Replace(momo, `"status":"SUCCESSFUL"`, `"status":"PENDING"`, 1)
		s.redis.ExpectSetNX("webhook:mtn_momo:EXT-1", 1, webhookDedupTTL).SetVal(true)

		var statuses []string
		s.enqueuer.On("Enqueue", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
			statuses = append(statuses, args.Get(1).(queue.WalletCredit).Status)
		}).Return(nil)

		first := s.do(t, http.MethodPost, "/webhooks/momo", pending, false)
		second := s.do(t, http.MethodPost, "/webhooks/momo", momo, false)

		assert.Equal(t, "received", decodeBody(t, first)["status"])
		assert.Equal(t, "received", decodeBody(t, second)["status"])
		assert.Equal(t, []string{"PENDING", models.ProviderStatusSuccessful}, statuses)
		assert.NoError(t, s.redis.ExpectationsWereMet())
	})

	t.Run("fractional amount is credited in whole units with the raw amount kept", func(t *testing.T) {
		s := newServer(t)
		s.redis.ExpectSetNX("webhook:airtel:AT-3", 1, webhookDedupTTL).SetVal(true)
		s.enqueuer.On("Enqueue", mock.Anything, mock.MatchedBy(func(j queue.Job) bool {
			wc := j.(queue.WalletCredit)
			return wc.Amount == 100 && wc.Metadata["provider_amount"] == "100.50"
		})).Return(nil)

		rec := s.do(t, http.MethodPost, "/webhooks/airtel",
			`{"transaction":{"id":"AT-3","amount":"100.50","msisdn":"256700000002","status":"TS"}}`, false)

		assert.Equal(t, http.StatusOK, rec.Code)
		s.enqueuer.AssertExpectations(t)
	})

	t.Run("enqueue failure releases the dedup key", func(t *testing.T) {
		s := newServer(t)
		s.redis.ExpectSetNX("webhook:mtn_momo:EXT-1", 1, webhookDedupTTL).SetVal(true)
		s.redis.ExpectDel("webhook:mtn_momo:EXT-1").SetVal(1)
		s.enqueuer.On("Enqueue", mock.Anything, mock.Anything).Return(errors.New("redis down"))

		rec := s.do(t, http.MethodPost, "/webhooks/momo", momo, false)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.NoError(t, s.redis.ExpectationsWereMet())
	})

	t.Run("malformed callbacks are acknowledged and ignored", func(t *testing.T) {
		s := newServer(t)

		for _, body := range []string{
			`{broken`,
			`{"provider":"x","customer_id":"c","amount":0,"reference":"r","status":"SUCCESSFUL"}`,
		} {
			rec := s.do(t, http.MethodPost, "/webhooks/payments", body, false)
			assert.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, "ignored", decodeBody(t, rec)["status"])
		}
		s.enqueuer.AssertNotCalled(t, "Enqueue", mock.Anything, mock.Anything)
	})

	t.Run("without a queue the callback is settled in-process", func(t *testing.T) {
		done := make(chan queue.WalletCredit, 1)
		h := NewWebhookHandler(nil, nil, settlerFunc(func(_ context.Context, j queue.WalletCredit) (*queue.Result, error) {
			done <- j
			return queue.OK(nil), nil
		}), zap.NewNop())

		rec := httptest.NewRecorder()
		h.Payments(rec, httptest.NewRequest(http.MethodPost, "/webhooks/payments",
			strings.NewReader(`{"provider":"bank","customer_id":"cust_1","amount":700,"reference":"B-1","status":"SUCCESSFUL"}`)))

		assert.Equal(t, http.StatusOK, rec.Code)
		select {
		case j := <-done:
			assert.Equal(t, "B-1", j.Reference)
			assert.Equal(t, int64(700), j.Amount)
		case <-time.After(time.Second):
			t.Fatal("callback was not settled")
		}
	})

	t.Run("failed in-process settlement releases the dedup key", func(t *testing.T) {
		rdb, redisMock := redismock.NewClientMock()
		t.Cleanup(func() { rdb.Close() })
		redisMock.ExpectSetNX("webhook:bank:B-2", 1, webhookDedupTTL).SetVal(true)
		redisMock.ExpectDel("webhook:bank:B-2").SetVal(1)

		h := NewWebhookHandler(rdb, nil, settlerFunc(func(context.Context, queue.WalletCredit) (*queue.Result, error) {
			return nil, errors.New("ledger unavailable")
		}), zap.NewNop())

		rec := httptest.NewRecorder()
		h.Payments(rec, httptest.NewRequest(http.MethodPost, "/webhooks/payments",
			strings.NewReader(`{"provider":"bank","customer_id":"cust_1","amount":700,"reference":"B-2","status":"SUCCESSFUL"}`)))

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Eventually(t, func() bool { return redisMock.ExpectationsWereMet() == nil }, time.Second, 10*time.Millisecond)
	})
}

func TestParseAmount(t *testing.T) {
	n, exact, err := parseAmount("2500.75")
	require.NoError(t, err)
	assert.Equal(t, int64(2500), n)
	assert.False(t, exact)

	n, exact, err = parseAmount("5000.00")
	require.NoError(t, err)
	assert.Equal(t, int64(5000), n)
	assert.True(t, exact)

	for _, bad := range []string{"-5", "0.40", "abc"} {
		_, _, err = parseAmount(bad)
		assert.Error(t, err, bad)
	}
}

func TestPOSEndpoints(t *testing.T) {
	pin := `{"card_id":"card_1","retailer_id":"ret_1","pin":"1234","amount":500}`

	t.Run("requires a token", func(t *testing.T) {
		s := newServer(t)
		rec := s.do(t, http.MethodPost, "/api/v1/pos/pin", pin, false)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("successful PIN payment", func(t *testing.T) {
		s := newServer(t)
		s.verifier.On("VerifyPIN", mock.Anything, models.PINPaymentRequest{
			CardID: "card_1", RetailerID: "ret_1", PIN: "1234", Amount: 500,
		}).Return(&models.PaymentReceipt{Success: true, TransactionID: "txn_1", NewBalance: 1500}, nil)

		rec := s.do(t, http.MethodPost, "/api/v1/pos/pin", pin, true)

		assert.Equal(t, http.StatusOK, rec.Code)
		body := decodeBody(t, rec)
		assert.Equal(t, "txn_1", body["transaction_id"])
		assert.Equal(t, float64(1500), body["new_balance"])
	})

	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{
			name:   "locked card",
			err:    xerrors.NewPaymentError(xerrors.KindLocked, "card locked", &xerrors.LockedError{CardID: "card_1"}),
			status: http.StatusLocked,
			code:   "CARD_LOCKED",
		},
		{name: "wrong PIN", err: xerrors.NewPaymentError(xerrors.KindInvalidCredential, "Invalid PIN", nil), status: http.StatusUnauthorized, code: "INVALID_CREDENTIAL"},
		{name: "insufficient balance", err: xerrors.NewPaymentError(xerrors.KindInsufficientBalance, "Insufficient balance", nil), status: http.StatusPaymentRequired, code: "INSUFFICIENT_BALANCE"},
		{name: "ledger down", err: &xerrors.ExternalServiceError{Service: "ledger", Op: "create transaction", StatusCode: 503}, status: http.StatusBadGateway, code: "UPSTREAM"},
		{name: "unexpected", err: errors.New("connection reset"), status: http.StatusInternalServerError, code: "INTERNAL"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := newServer(t)
			s.verifier.On("VerifyPIN", mock.Anything, mock.Anything).Return(nil, tc.err)

			rec := s.do(t, http.MethodPost, "/api/v1/pos/pin", pin, true)

			assert.Equal(t, tc.status, rec.Code)
			assert.Equal(t, tc.code, decodeBody(t, rec)["code"])
		})
	}

	t.Run("malformed code is rejected before the engine", func(t *testing.T) {
		s := newServer(t)

		rec := s.do(t, http.MethodPost, "/api/v1/pos/codes/redeem", `{"card_id":"card_1","retailer_id":"ret_1","code":"12"}`, true)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		s.verifier.AssertNotCalled(t, "RedeemPaymentCode", mock.Anything, mock.Anything)
	})

	t.Run("issuing a code", func(t *testing.T) {
		s := newServer(t)
		s.verifier.On("GeneratePaymentCode", mock.Anything, models.CodeIssueRequest{CardID: "card_1", RetailerID: "ret_1", Amount: 700}).
			Return(&models.IssuedCode{Method: models.MethodCode, CardID: "card_1", Amount: 700}, nil)

		rec := s.do(t, http.MethodPost, "/api/v1/pos/codes", `{"card_id":"card_1","retailer_id":"ret_1","amount":700}`, true)

		assert.Equal(t, http.StatusCreated, rec.Code)
		body := decodeBody(t, rec)
		assert.Equal(t, models.MethodCode, body["method"])
		assert.NotContains(t, body, "code")
	})

	t.Run("OTP verification", func(t *testing.T) {
		s := newServer(t)
		s.verifier.On("VerifyPaymentOTP", mock.Anything, models.OTPPaymentRequest{CardID: "card_1", RetailerID: "ret_1", OTP: "123456", Amount: 450}).
			Return(nil, xerrors.NewPaymentError(xerrors.KindExpired, "OTP expired", nil))

		rec := s.do(t, http.MethodPost, "/api/v1/pos/otp/verify", `{"card_id":"card_1","retailer_id":"ret_1","otp":"123456","amount":450}`, true)

		assert.Equal(t, http.StatusGone, rec.Code)
	})
}

func TestLoanEndpoints(t *testing.T) {
	t.Run("apply uses the token subject as borrower", func(t *testing.T) {
		s := newServer(t)
		s.loans.On("ApplyForLoan", mock.Anything, models.LoanApplication{BorrowerID: "cust_1", ProductID: 1, Amount: 5000}).
			Return(&models.Loan{ID: 42, LoanNumber: "LN-1", Status: models.LoanPending}, nil)

		rec := s.do(t, http.MethodPost, "/api/v1/loans/apply", `{"product_id":1,"amount":5000}`, true)

		assert.Equal(t, http.StatusCreated, rec.Code)
		assert.Equal(t, "LN-1", decodeBody(t, rec)["loan_number"])
	})

	t.Run("ineligible application", func(t *testing.T) {
		s := newServer(t)
		s.loans.On("ApplyForLoan", mock.Anything, mock.Anything).
			Return(nil, &xerrors.ValidationError{Message: "Maximum eligible amount is 5000"})

		rec := s.do(t, http.MethodPost, "/api/v1/loans/apply", `{"product_id":1,"amount":8000}`, true)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "Maximum eligible amount is 5000", decodeBody(t, rec)["error"])
	})

	t.Run("repay", func(t *testing.T) {
		s := newServer(t)
		s.loans.On("ProcessRepayment", mock.Anything, models.RepaymentRequest{
			LoanID: 7, Amount: 1000, Method: models.RepaymentWallet, Reference: "R-1", FromWallet: true,
		}).Return(&models.RepaymentResult{Applied: 1000, Outstanding: 500, Status: models.LoanActive}, nil)

		rec := s.do(t, http.MethodPost, "/api/v1/loans/7/repay",
			`{"amount":1000,"method":"wallet","reference":"R-1","from_wallet":true}`, true)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, float64(500), decodeBody(t, rec)["outstanding"])
	})

	t.Run("repay a loan in the wrong state", func(t *testing.T) {
		s := newServer(t)
		s.loans.On("ProcessRepayment", mock.Anything, mock.Anything).
			Return(nil, &xerrors.InvalidStateError{Entity: "loan", State: "approved", Op: "repay"})

		rec := s.do(t, http.MethodPost, "/api/v1/loans/7/repay", `{"amount":1000,"method":"wallet"}`, true)

		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("bad loan id", func(t *testing.T) {
		s := newServer(t)
		rec := s.do(t, http.MethodPost, "/api/v1/loans/abc/repay", `{"amount":1000,"method":"wallet"}`, true)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("officer decision", func(t *testing.T) {
		s := newServer(t)
		s.loans.On("ProcessLoanDecision", mock.Anything, models.LoanDecision{
			LoanID: 3, Approved: true, ApprovedAmount: 2000, DecidedBy: "cust_1",
		}).Return(&models.Loan{ID: 3, Status: models.LoanApproved}, nil)

		rec := s.do(t, http.MethodPost, "/api/v1/loans/3/decision", `{"approved":true,"approved_amount":2000}`, true)

		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("balances", func(t *testing.T) {
		s := newServer(t)
		s.balances.On("CustomerBalances", mock.Anything, "cust_9").
			Return(&models.UserBalances{Wallet: 100, Loan: 50, Total: 150, Currency: "UGX"}, nil)

		rec := s.do(t, http.MethodGet, "/api/v1/wallets/cust_9/balances", "", true)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, float64(150), decodeBody(t, rec)["total"])
	})

	t.Run("health", func(t *testing.T) {
		s := newServer(t)
		rec := s.do(t, http.MethodGet, "/health", "", false)
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}
