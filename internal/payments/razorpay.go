package payments

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/wellnest/marketplace-api/pkg/logging"
	"go.opentelemetry.io/otel/attribute"
)

const defaultRazorpayBaseURL = "https://api.razorpay.com"

// RazorpayGateway talks to the Razorpay orders, payments and refunds APIs.
type RazorpayGateway struct {
	keyID      string
	keySecret  string
	baseURL    string
	httpClient *http.Client
	logger     *logging.Logger
}

func NewRazorpayGateway(keyID, keySecret string, logger *logging.Logger) *RazorpayGateway {
	if logger == nil {
		logger = logging.Default()
	}
	return &RazorpayGateway{
		keyID:      keyID,
		keySecret:  keySecret,
		baseURL:    defaultRazorpayBaseURL,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		logger:     logger,
	}
}

// WithBaseURL overrides the API base URL (for testing).
func (g *RazorpayGateway) WithBaseURL(baseURL string) *RazorpayGateway {
	if baseURL != "" {
		g.baseURL = strings.TrimRight(baseURL, "/")
	}
	return g
}

func (g *RazorpayGateway) Name() string { return "razorpay" }

type razorpayOrder struct {
	ID       string `json:"id"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Status   string `json:"status"`
}

type razorpayPayment struct {
	ID       string `json:"id"`
	OrderID  string `json:"order_id"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Status   string `json:"status"`
}

type razorpayRefund struct {
	ID        string `json:"id"`
	PaymentID string `json:"payment_id"`
	Amount    int64  `json:"amount"`
	Status    string `json:"status"`
}

type razorpayError struct {
	Error struct {
		Code        string `json:"code"`
		Description string `json:"description"`
	} `json:"error"`
}

func (g *RazorpayGateway) CreateOrder(ctx context.Context, req OrderRequest) (*Order, error) {
	ctx, span := tracer.Start(ctx, "razorpay.create_order")
	defer span.End()
	span.SetAttributes(attribute.Int64("wellness.amount", req.Amount), attribute.String("wellness.currency", req.Currency))

	if req.Amount <= 0 {
		return nil, fmt.Errorf("payments: razorpay order amount must be positive")
	}
	body := map[string]any{
		"amount":   req.Amount,
		"currency": strings.ToUpper(req.Currency),
	}
	if req.Receipt != "" {
		body["receipt"] = truncate(req.Receipt, 40)
	}
	notes := map[string]string{}
	for k, v := range req.Notes {
		notes[k] = v
	}
	if req.Description != "" {
		notes["description"] = req.Description
	}
	if len(notes) > 0 {
		body["notes"] = notes
	}

	var order razorpayOrder
	if err := g.do(ctx, http.MethodPost, "/v1/orders", body, &order); err != nil {
		span.RecordError(err)
		return nil, err
	}
	g.logger.Info("razorpay order created", "order_id", order.ID, "amount", order.Amount)
	return &Order{
		ID:       order.ID,
		Provider: g.Name(),
		Amount:   order.Amount,
		Currency: order.Currency,
		KeyID:    g.keyID,
	}, nil
}

// Signature computes the checkout signature for an order and payment pair.
func (g *RazorpayGateway) Signature(orderID, paymentID string) string {
	mac := hmac.New(sha256.New, []byte(g.keySecret))
	mac.Write([]byte(orderID + "|" + paymentID))
	return hex.EncodeToString(mac.Sum(nil))
}

func (g *RazorpayGateway) VerifyPayment(ctx context.Context, v Verification) (*Payment, error) {
	ctx, span := tracer.Start(ctx, "razorpay.verify_payment")
	defer span.End()
	span.SetAttributes(attribute.String("razorpay.order_id", v.OrderID), attribute.String("razorpay.payment_id", v.PaymentID))

	if v.OrderID == "" || v.PaymentID == "" {
		return nil, ErrInvalidSignature
	}
	if !hmac.Equal([]byte(g.Signature(v.OrderID, v.PaymentID)), []byte(strings.ToLower(v.Signature))) {
		span.SetAttributes(attribute.Bool("razorpay.signature_valid", false))
		return nil, ErrInvalidSignature
	}

	var p razorpayPayment
	if err := g.do(ctx, http.MethodGet, "/v1/payments/"+url.PathEscape(v.PaymentID), nil, &p); err != nil {
		span.RecordError(err)
		return nil, err
	}
	if p.OrderID != v.OrderID {
		return nil, fmt.Errorf("%w: payment %s belongs to order %s", ErrPaymentFailed, p.ID, p.OrderID)
	}
	if p.Status != "captured" && p.Status != "authorized" {
		return nil, fmt.Errorf("%w: payment status %s", ErrPaymentFailed, p.Status)
	}
	return &Payment{ID: p.ID, OrderID: p.OrderID, Amount: p.Amount, Currency: p.Currency, Status: p.Status}, nil
}

func (g *RazorpayGateway) Refund(ctx context.Context, paymentID string, amount int64, reason string) (*Refund, error) {
	ctx, span := tracer.Start(ctx, "razorpay.refund")
	defer span.End()
	span.SetAttributes(attribute.String("razorpay.payment_id", paymentID), attribute.Int64("wellness.amount", amount))

	body := map[string]any{"notes": map[string]string{"reason": reason}}
	if amount > 0 {
		body["amount"] = amount
	}
	var r razorpayRefund
	if err := g.do(ctx, http.MethodPost, "/v1/payments/"+url.PathEscape(paymentID)+"/refund", body, &r); err != nil {
		span.RecordError(err)
		return nil, err
	}
	g.logger.Info("razorpay refund created", "payment_id", paymentID, "refund_id", r.ID, "status", r.Status)
	return &Refund{ID: r.ID, PaymentID: r.PaymentID, Amount: r.Amount, Status: r.Status}, nil
}

func (g *RazorpayGateway) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("payments: razorpay encode: %w", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("payments: razorpay request: %w", err)
	}
	req.SetBasicAuth(g.keyID, g.keySecret)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("payments: razorpay http: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("payments: razorpay read: %w", err)
	}
	if resp.StatusCode >= http.StatusMultipleChoices {
		var apiErr razorpayError
		msg := strings.TrimSpace(string(data))
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error.Description != "" {
			msg = apiErr.Error.Code + ": " + apiErr.Error.Description
		}
		if resp.StatusCode == http.StatusBadRequest {
			return fmt.Errorf("%w: %s", ErrPaymentFailed, msg)
		}
		return fmt.Errorf("payments: razorpay api status %d: %s", resp.StatusCode, msg)
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("payments: razorpay decode: %w", err)
		}
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
