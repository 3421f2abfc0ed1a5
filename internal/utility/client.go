// Package utility is the client of the prepaid gas vending provider.
package utility

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ruralpay/retailpay/internal/config"
	"github.com/ruralpay/retailpay/internal/xerrors"
)

type GasPurchaseRequest struct {
	MeterNumber string `json:"meter_number"`
	Amount      int64  `json:"amount"`
	Reference   string `json:"reference"`
	Phone       string `json:"phone,omitempty"`
}

type GasPurchaseResponse struct {
	Status      string `json:"status"`
	Token       string `json:"token"`
	Units       string `json:"units"`
	ProviderRef string `json:"provider_ref"`
	Message     string `json:"message,omitempty"`
}

type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *zap.Logger
}

func NewClient(cfg config.UtilityConfig, logger *zap.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.Named("utility"),
	}
}

// PurchaseGas vends gas units for a meter. A provider-level rejection is
// returned as an ExternalServiceError even when the HTTP status is 200.
func (c *Client) PurchaseGas(ctx context.Context, req GasPurchaseRequest) (*GasPurchaseResponse, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal gas purchase: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/gas/purchase", bytes.NewReader(payload))
	if err != nil {
		return nil, &xerrors.ExternalServiceError{Service: "utility", Op: "purchase gas", Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &xerrors.ExternalServiceError{Service: "utility", Op: "purchase gas", Err: err}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &xerrors.ExternalServiceError{
			Service:    "utility",
			Op:         "purchase gas",
			StatusCode: resp.StatusCode,
			Err:        errors.New(strings.TrimSpace(string(body))),
		}
	}

	var out GasPurchaseResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, &xerrors.ExternalServiceError{Service: "utility", Op: "purchase gas", StatusCode: resp.StatusCode, Err: err}
	}
	if !strings.EqualFold(out.Status, "success") || out.Token == "" {
		return nil, &xerrors.ExternalServiceError{
			Service:    "utility",
			Op:         "purchase gas",
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("provider rejected purchase: %s", out.Message),
		}
	}

	c.logger.Info("gas purchased",
		zap.String("meter", req.MeterNumber), zap.Int64("amount", req.Amount), zap.String("provider_ref", out.ProviderRef))
	return &out, nil
}
