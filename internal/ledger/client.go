// Package ledger is the HTTP client for the external double-entry ledger
// service. It performs input-shape validation only; business rules live in
// the services package.
package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/ruralpay/retailpay/internal/config"
	"github.com/ruralpay/retailpay/internal/metrics"
	"github.com/ruralpay/retailpay/internal/models"
	"github.com/ruralpay/retailpay/internal/xerrors"
)

const (
	serviceName     = "ledger"
	maxReadAttempts = 3
	maxErrorBody    = 4 << 10
)

// Client is stateless and safe for concurrent use.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *zap.Logger
	validate   *validator.Validate
	backoff    time.Duration
}

type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithRetryBackoff sets the initial delay between read retries.
func WithRetryBackoff(d time.Duration) Option {
	return func(c *Client) { c.backoff = d }
}

func NewClient(cfg config.LedgerConfig, logger *zap.Logger, opts ...Option) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	c := &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.Named("ledger"),
		validate:   validator.New(),
		backoff:    200 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type createLedgerRequest struct {
	Name     string          `json:"name" validate:"required"`
	MetaData models.Metadata `json:"meta_data,omitempty"`
}

type createBalanceRequest struct {
	LedgerID   string          `json:"ledger_id" validate:"required"`
	IdentityID string          `json:"identity_id" validate:"required"`
	Currency   string          `json:"currency" validate:"required,len=3"`
	MetaData   models.Metadata `json:"meta_data,omitempty"`
}

// TransactionRequest is a single source to destination movement.
type TransactionRequest struct {
	Amount      int64           `json:"amount" validate:"gt=0"`
	Currency    string          `json:"currency" validate:"required,len=3"`
	Source      string          `json:"source" validate:"required"`
	Destination string          `json:"destination" validate:"required,nefield=Source"`
	Reference   string          `json:"reference" validate:"required"`
	Description string          `json:"description"`
	MetaData    models.Metadata `json:"meta_data,omitempty"`
}

func (c *Client) CreateLedger(ctx context.Context, name string, metadata models.Metadata) (*models.Ledger, error) {
	req := createLedgerRequest{Name: name, MetaData: metadata}
	if err := c.validate.Struct(req); err != nil {
		return nil, &xerrors.ValidationError{Field: "ledger", Message: err.Error()}
	}

	var out models.Ledger
	if err := c.do(ctx, "create ledger", http.MethodPost, "/ledgers", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) CreateBalance(ctx context.Context, ledgerID, ownerID, currency string, metadata models.Metadata) (*models.Balance, error) {
	req := createBalanceRequest{LedgerID: ledgerID, IdentityID: ownerID, Currency: currency, MetaData: metadata}
	if err := c.validate.Struct(req); err != nil {
		return nil, &xerrors.ValidationError{Field: "balance", Message: err.Error()}
	}

	var out models.Balance
	if err := c.do(ctx, "create balance", http.MethodPost, "/balances", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateTransaction records a movement. It is never retried here: callers
// retry with the same reference, which the ledger treats idempotently.
func (c *Client) CreateTransaction(ctx context.Context, req TransactionRequest) (*models.LedgerTransaction, error) {
	if err := c.validate.Struct(req); err != nil {
		return nil, &xerrors.ValidationError{Field: "transaction", Message: err.Error()}
	}

	var out models.LedgerTransaction
	if err := c.do(ctx, "create transaction", http.MethodPost, "/transactions", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) GetLedger(ctx context.Context, ledgerID string) (*models.Ledger, error) {
	var out models.Ledger
	if err := c.do(ctx, "get ledger", http.MethodGet, "/ledgers/"+url.PathEscape(ledgerID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ListLedgers(ctx context.Context) ([]models.Ledger, error) {
	var out []models.Ledger
	if err := c.do(ctx, "list ledgers", http.MethodGet, "/ledgers", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetBalance(ctx context.Context, balanceID string) (*models.Balance, error) {
	var out models.Balance
	if err := c.do(ctx, "get balance", http.MethodGet, "/balances/"+url.PathEscape(balanceID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListBalances lists balances, filtered by ledger when ledgerID is set.
func (c *Client) ListBalances(ctx context.Context, ledgerID string) ([]models.Balance, error) {
	path := "/balances"
	if ledgerID != "" {
		path += "?" + url.Values{"ledger_id": {ledgerID}}.Encode()
	}
	var out []models.Balance
	if err := c.do(ctx, "list balances", http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetTransaction(ctx context.Context, transactionID string) (*models.LedgerTransaction, error) {
	var out models.LedgerTransaction
	if err := c.do(ctx, "get transaction", http.MethodGet, "/transactions/"+url.PathEscape(transactionID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListTransactions lists transactions, filtered by balance when balanceID is set.
func (c *Client) ListTransactions(ctx context.Context, balanceID string) ([]models.LedgerTransaction, error) {
	path := "/transactions"
	if balanceID != "" {
		path += "?" + url.Values{"balance_id": {balanceID}}.Encode()
	}
	var out []models.LedgerTransaction
	if err := c.do(ctx, "list transactions", http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, op, method, path string, body, out any) error {
	start := time.Now()
	err := c.doWithRetry(ctx, op, method, path, body, out)
	metrics.LedgerRequestDuration.WithLabelValues(op, metrics.Outcome(err)).Observe(time.Since(start).Seconds())
	return err
}

func (c *Client) doWithRetry(ctx context.Context, op, method, path string, body, out any) error {
	attempts := 1
	if method == http.MethodGet {
		attempts = maxReadAttempts
	}

	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("failed to marshal %s request: %w", op, err)
		}
	}

	var lastErr *xerrors.ExternalServiceError
	delay := c.backoff
	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = c.send(ctx, op, method, path, payload, out)
		if lastErr == nil {
			return nil
		}
		if !lastErr.Retryable() || attempt == attempts {
			break
		}

		c.logger.Warn("ledger read failed, retrying",
			zap.String("op", op), zap.Int("attempt", attempt), zap.Error(lastErr))

		select {
		case <-ctx.Done():
			return &xerrors.ExternalServiceError{Service: serviceName, Op: op, Err: ctx.Err()}
		case <-time.After(delay):
		}
		delay *= 2
	}
	return lastErr
}

func (c *Client) send(ctx context.Context, op, method, path string, payload []byte, out any) *xerrors.ExternalServiceError {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return &xerrors.ExternalServiceError{Service: serviceName, Op: op, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-Blnk-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &xerrors.ExternalServiceError{Service: serviceName, Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &xerrors.ExternalServiceError{
			Service:    serviceName,
			Op:         op,
			StatusCode: resp.StatusCode,
			Err:        errors.New(strings.TrimSpace(string(msg))),
		}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &xerrors.ExternalServiceError{
			Service:    serviceName,
			Op:         op,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("decode response: %w", err),
		}
	}
	return nil
}
