package payments

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/wellnest/marketplace-api/pkg/logging"
)

const fakeSigningKey = "wellnest-fake-payments"

// FakeGateway is a dev/demo provider: orders live in memory and any payment
// signed with FakeSignature verifies.
//
// This MUST be gated by configuration (ALLOW_FAKE_PAYMENTS) and never enabled
// in production.
type FakeGateway struct {
	mu       sync.Mutex
	orders   map[string]*Order
	declined map[string]bool
	refunds  []Refund
	logger   *logging.Logger
}

func NewFakeGateway(logger *logging.Logger) *FakeGateway {
	if logger == nil {
		logger = logging.Default()
	}
	return &FakeGateway{
		orders:   make(map[string]*Order),
		declined: make(map[string]bool),
		logger:   logger,
	}
}

func (g *FakeGateway) Name() string { return "fake" }

func (g *FakeGateway) CreateOrder(_ context.Context, req OrderRequest) (*Order, error) {
	if req.Amount <= 0 {
		return nil, fmt.Errorf("payments: fake order amount must be positive")
	}
	order := &Order{
		ID:       "order_fake_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:14],
		Provider: g.Name(),
		Amount:   req.Amount,
		Currency: strings.ToUpper(req.Currency),
		KeyID:    "fake_key",
	}
	g.mu.Lock()
	g.orders[order.ID] = order
	g.mu.Unlock()
	g.logger.Info("fake payments: order created", "order_id", order.ID, "amount", req.Amount)
	return order, nil
}

// FakeSignature signs an order and payment pair the way a real checkout would.
func FakeSignature(orderID, paymentID string) string {
	mac := hmac.New(sha256.New, []byte(fakeSigningKey))
	mac.Write([]byte(orderID + "|" + paymentID))
	return hex.EncodeToString(mac.Sum(nil))
}

// Decline makes every later verification of orderID fail.
func (g *FakeGateway) Decline(orderID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.declined[orderID] = true
}

func (g *FakeGateway) VerifyPayment(_ context.Context, v Verification) (*Payment, error) {
	if !hmac.Equal([]byte(FakeSignature(v.OrderID, v.PaymentID)), []byte(v.Signature)) {
		return nil, ErrInvalidSignature
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	order, ok := g.orders[v.OrderID]
	if !ok {
		return nil, fmt.Errorf("%w: unknown order %s", ErrPaymentFailed, v.OrderID)
	}
	if g.declined[v.OrderID] {
		return nil, fmt.Errorf("%w: card declined", ErrPaymentFailed)
	}
	return &Payment{ID: v.PaymentID, OrderID: order.ID, Amount: order.Amount, Currency: order.Currency, Status: "captured"}, nil
}

func (g *FakeGateway) Refund(_ context.Context, paymentID string, amount int64, _ string) (*Refund, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	r := Refund{ID: "rfnd_fake_" + uuid.NewString()[:8], PaymentID: paymentID, Amount: amount, Status: "processed"}
	g.refunds = append(g.refunds, r)
	return &r, nil
}

// Refunds returns the refunds issued so far.
func (g *FakeGateway) Refunds() []Refund {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]Refund(nil), g.refunds...)
}
