package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"pi-plinko-backend/internal/models"
)

// PaymentClient is the boundary to the payment provider. VerifyPayment returns an explicit
// state instead of callbacks; a transport failure is an error, a refused payment is StateFailed.
type PaymentClient interface {
	VerifyPayment(ctx context.Context, paymentID string) (*models.PaymentVerification, error)
	CompletePayment(ctx context.Context, paymentID, txid string) error
}

type piPaymentStatus struct {
	DeveloperApproved   bool `json:"developer_approved"`
	TransactionVerified bool `json:"transaction_verified"`
	DeveloperCompleted  bool `json:"developer_completed"`
	Cancelled           bool `json:"cancelled"`
	UserCancelled       bool `json:"user_cancelled"`
}

type piTransaction struct {
	TxID     string `json:"txid"`
	Verified bool   `json:"verified"`
}

type piPayment struct {
	Identifier  string          `json:"identifier"`
	UserUID     string          `json:"user_uid"`
	Amount      decimal.Decimal `json:"amount"`
	Memo        string          `json:"memo"`
	Status      piPaymentStatus `json:"status"`
	Transaction *piTransaction  `json:"transaction"`
}

// PiPaymentClient talks to the Pi Platform payments API.
type PiPaymentClient struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
}

func NewPiPaymentClient(baseURL, apiKey string, timeout time.Duration) *PiPaymentClient {
	return &PiPaymentClient{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		apiKey:     apiKey,
	}
}

func (c *PiPaymentClient) VerifyPayment(ctx context.Context, paymentID string) (*models.PaymentVerification, error) {
	const op = "services.PiPaymentClient.VerifyPayment"

	raw, err := c.do(ctx, http.MethodGet, "/payments/"+url.PathEscape(paymentID), nil)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	var payment piPayment
	if err := json.Unmarshal(raw, &payment); err != nil {
		return nil, fmt.Errorf("%s: decode payment: %w", op, err)
	}

	v := &models.PaymentVerification{
		PaymentID: paymentID,
		Amount:    payment.Amount,
		User:      payment.UserUID,
		State:     models.PaymentStatePending,
		Completed: payment.Status.DeveloperCompleted,
	}
	if payment.Transaction != nil {
		v.TxID = payment.Transaction.TxID
	}

	switch {
	case payment.Status.Cancelled:
		v.State = models.PaymentStateFailed
		v.Reason = "payment cancelled"
	case payment.Status.UserCancelled:
		v.State = models.PaymentStateFailed
		v.Reason = "payment cancelled by user"
	case payment.Status.TransactionVerified:
		v.State = models.PaymentStateVerified
	default:
		v.Reason = "transaction not verified yet"
	}

	return v, nil
}

func (c *PiPaymentClient) CompletePayment(ctx context.Context, paymentID, txid string) error {
	const op = "services.PiPaymentClient.CompletePayment"

	_, err := c.do(ctx, http.MethodPost, "/payments/"+url.PathEscape(paymentID)+"/complete", map[string]string{"txid": txid})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (c *PiPaymentClient) do(ctx context.Context, method, endpoint string, body any) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Key "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("pi api %s %s: status %d: %s", method, endpoint, resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	return raw, nil
}
