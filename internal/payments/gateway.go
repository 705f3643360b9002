// Package payments wraps the payment providers that charge for bookings.
package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/wellnest/marketplace-api/pkg/logging"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("wellness.internal.payments")

var (
	// ErrPaymentFailed marks a charge the provider did not complete.
	ErrPaymentFailed = errors.New("payments: payment failed")
	// ErrInvalidSignature marks a callback whose signature does not verify.
	ErrInvalidSignature = errors.New("payments: invalid payment signature")
)

// OrderRequest describes a one-off charge. Amount is in the currency's minor unit.
type OrderRequest struct {
	Amount      int64
	Currency    string
	Description string
	Receipt     string
	Notes       map[string]string
}

// Order is a provider-side order the client completes in checkout.
type Order struct {
	ID       string `json:"order_id"`
	Provider string `json:"provider"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	// KeyID is the publishable key the checkout widget needs.
	KeyID string `json:"key_id,omitempty"`
	// ClientSecret is set by providers that confirm on the client.
	ClientSecret string `json:"client_secret,omitempty"`
}

// Verification is what the client hands back after a successful checkout.
type Verification struct {
	OrderID   string `json:"order_id"`
	PaymentID string `json:"payment_id"`
	Signature string `json:"signature"`
}

// Payment is a verified, captured charge.
type Payment struct {
	ID       string `json:"payment_id"`
	OrderID  string `json:"order_id"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Status   string `json:"status"`
}

// Refund is a provider refund of a captured payment.
type Refund struct {
	ID        string `json:"refund_id"`
	PaymentID string `json:"payment_id"`
	Amount    int64  `json:"amount"`
	Status    string `json:"status"`
}

// Gateway charges users asynchronously: an order is created, the client pays
// out of band, and the callback is verified.
type Gateway interface {
	Name() string
	CreateOrder(ctx context.Context, req OrderRequest) (*Order, error)
	VerifyPayment(ctx context.Context, v Verification) (*Payment, error)
	Refund(ctx context.Context, paymentID string, amount int64, reason string) (*Refund, error)
}

// Config selects and configures a gateway.
type Config struct {
	Provider          string
	AllowFake         bool
	RazorpayKeyID     string
	RazorpayKeySecret string
	RazorpayBaseURL   string
	StripeSecretKey   string
}

// NewGateway builds the configured provider.
func NewGateway(cfg Config, logger *logging.Logger) (Gateway, error) {
	if logger == nil {
		logger = logging.Default()
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "razorpay", "":
		if cfg.RazorpayKeyID == "" || cfg.RazorpayKeySecret == "" {
			if cfg.AllowFake {
				logger.Warn("razorpay credentials missing, using fake payments")
				return NewFakeGateway(logger), nil
			}
			return nil, fmt.Errorf("payments: razorpay key id and secret required")
		}
		return NewRazorpayGateway(cfg.RazorpayKeyID, cfg.RazorpayKeySecret, logger).WithBaseURL(cfg.RazorpayBaseURL), nil
	case "stripe":
		if cfg.StripeSecretKey == "" {
			return nil, fmt.Errorf("payments: stripe secret key required")
		}
		return NewStripeGateway(cfg.StripeSecretKey, logger), nil
	case "fake":
		if !cfg.AllowFake {
			return nil, fmt.Errorf("payments: fake provider requires ALLOW_FAKE_PAYMENTS")
		}
		return NewFakeGateway(logger), nil
	default:
		return nil, fmt.Errorf("payments: unknown provider %q", cfg.Provider)
	}
}
