package notify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ruralpay/retailpay/internal/config"
	"github.com/ruralpay/retailpay/internal/xerrors"
)

// SMSGateway posts messages to a bulk SMS HTTP API as form data.
type SMSGateway struct {
	baseURL    string
	username   string
	apiKey     string
	senderID   string
	httpClient *http.Client
	logger     *zap.Logger
}

func NewSMSGateway(cfg config.SMSConfig, logger *zap.Logger) *SMSGateway {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &SMSGateway{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		username:   cfg.Username,
		apiKey:     cfg.APIKey,
		senderID:   cfg.SenderID,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.Named("sms"),
	}
}

func (g *SMSGateway) Send(ctx context.Context, msg Message) error {
	if msg.To == "" || msg.Body == "" {
		return xerrors.Validation("message", "recipient and body are required")
	}

	form := url.Values{
		"username": {g.username},
		"to":       {msg.To},
		"message":  {msg.Body},
	}
	if g.senderID != "" {
		form.Set("from", g.senderID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/messaging", strings.NewReader(form.Encode()))
	if err != nil {
		return &xerrors.ExternalServiceError{Service: "sms", Op: "send", Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("apiKey", g.apiKey)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return &xerrors.ExternalServiceError{Service: "sms", Op: "send", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<10))
		return &xerrors.ExternalServiceError{
			Service:    "sms",
			Op:         "send",
			StatusCode: resp.StatusCode,
			Err:        errors.New(strings.TrimSpace(string(body))),
		}
	}

	g.logger.Debug("sms sent", zap.String("to", maskPhone(msg.To)))
	return nil
}

func (g *SMSGateway) SendLoanApproval(ctx context.Context, phone string, amount int64, dueDate time.Time) error {
	return g.Send(ctx, Message{To: phone, Body: LoanApprovalMessage(amount, dueDate)})
}

func (g *SMSGateway) SendGasTopupConfirmation(ctx context.Context, phone, meter string, amount int64, units, token string) error {
	return g.Send(ctx, Message{To: phone, Body: GasTopupMessage(meter, amount, units, token)})
}

func maskPhone(phone string) string {
	if len(phone) <= 4 {
		return phone
	}
	return fmt.Sprintf("%s%s", strings.Repeat("*", len(phone)-4), phone[len(phone)-4:])
}
