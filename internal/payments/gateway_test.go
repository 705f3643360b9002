package payments

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wellnest/marketplace-api/pkg/logging"
)

func TestNewGatewaySelectsProvider(t *testing.T) {
	g, err := NewGateway(Config{Provider: "razorpay", RazorpayKeyID: "k", RazorpayKeySecret: "s"}, logging.Discard())
	require.NoError(t, err)
	assert.Equal(t, "razorpay", g.Name())

	g, err = NewGateway(Config{Provider: "Stripe", StripeSecretKey: "sk_test"}, logging.Discard())
	require.NoError(t, err)
	assert.Equal(t, "stripe", g.Name())

	g, err = NewGateway(Config{Provider: "razorpay", AllowFake: true}, logging.Discard())
	require.NoError(t, err)
	assert.Equal(t, "fake", g.Name())

	_, err = NewGateway(Config{Provider: "fake"}, logging.Discard())
	assert.Error(t, err)
	_, err = NewGateway(Config{Provider: "razorpay"}, logging.Discard())
	assert.Error(t, err)
	_, err = NewGateway(Config{Provider: "paypal"}, logging.Discard())
	assert.Error(t, err)
}

func TestFakeGatewayFlow(t *testing.T) {
	g := NewFakeGateway(logging.Discard())
	ctx := context.Background()

	order, err := g.CreateOrder(ctx, OrderRequest{Amount: 1000, Currency: "inr"})
	require.NoError(t, err)

	p, err := g.VerifyPayment(ctx, Verification{OrderID: order.ID, PaymentID: "pay_1", Signature: FakeSignature(order.ID, "pay_1")})
	require.NoError(t, err)
	assert.Equal(t, int64(1000), p.Amount)

	_, err = g.VerifyPayment(ctx, Verification{OrderID: order.ID, PaymentID: "pay_1", Signature: "nope"})
	assert.ErrorIs(t, err, ErrInvalidSignature)

	g.Decline(order.ID)
	_, err = g.VerifyPayment(ctx, Verification{OrderID: order.ID, PaymentID: "pay_1", Signature: FakeSignature(order.ID, "pay_1")})
	assert.ErrorIs(t, err, ErrPaymentFailed)

	_, err = g.Refund(ctx, "pay_1", 1000, "test")
	require.NoError(t, err)
	assert.Len(t, g.Refunds(), 1)
}
