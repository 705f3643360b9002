package payments

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wellnest/marketplace-api/pkg/logging"
)

func newRazorpayTestServer(t *testing.T, handler http.HandlerFunc) *RazorpayGateway {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewRazorpayGateway("rzp_test_key", "secret", logging.Discard()).WithBaseURL(srv.URL)
}

func TestRazorpayCreateOrder(t *testing.T) {
	var got map[string]any
	g := newRazorpayTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "rzp_test_key", user)
		assert.Equal(t, "secret", pass)
		assert.Equal(t, "/v1/orders", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"id":"order_123","amount":150000,"currency":"INR","status":"created"}`))
	})

	order, err := g.CreateOrder(context.Background(), OrderRequest{Amount: 150000, Currency: "inr", Description: "Session with Dr. Rao", Receipt: "bk_1"})
	require.NoError(t, err)
	assert.Equal(t, "order_123", order.ID)
	assert.Equal(t, "rzp_test_key", order.KeyID)
	assert.Equal(t, "razorpay", order.Provider)
	assert.Equal(t, float64(150000), got["amount"])
	assert.Equal(t, "INR", got["currency"])
	assert.Equal(t, "bk_1", got["receipt"])
}

func TestRazorpayVerifyPayment(t *testing.T) {
	status := "captured"
	g := newRazorpayTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/payments/pay_1", r.URL.Path)
		_, _ = w.Write([]byte(`{"id":"pay_1","order_id":"order_1","amount":150000,"currency":"INR","status":"` + status + `"}`))
	})
	ctx := context.Background()
	sig := g.Signature("order_1", "pay_1")

	p, err := g.VerifyPayment(ctx, Verification{OrderID: "order_1", PaymentID: "pay_1", Signature: sig})
	require.NoError(t, err)
	assert.Equal(t, int64(150000), p.Amount)

	_, err = g.VerifyPayment(ctx, Verification{OrderID: "order_1", PaymentID: "pay_1", Signature: "deadbeef"})
	assert.ErrorIs(t, err, ErrInvalidSignature)

	status = "failed"
	_, err = g.VerifyPayment(ctx, Verification{OrderID: "order_1", PaymentID: "pay_1", Signature: sig})
	assert.ErrorIs(t, err, ErrPaymentFailed)
}

func TestRazorpayVerifyRejectsForeignOrder(t *testing.T) {
	g := newRazorpayTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":"pay_1","order_id":"order_other","amount":1,"currency":"INR","status":"captured"}`))
	})
	_, err := g.VerifyPayment(context.Background(), Verification{OrderID: "order_1", PaymentID: "pay_1", Signature: g.Signature("order_1", "pay_1")})
	assert.ErrorIs(t, err, ErrPaymentFailed)
}

func TestRazorpayRefundAndErrors(t *testing.T) {
	fail := false
	g := newRazorpayTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if fail {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":{"code":"BAD_REQUEST_ERROR","description":"The payment has been fully refunded already"}}`))
			return
		}
		assert.Equal(t, "/v1/payments/pay_1/refund", r.URL.Path)
		_, _ = w.Write([]byte(`{"id":"rfnd_1","payment_id":"pay_1","amount":150000,"status":"processed"}`))
	})

	r, err := g.Refund(context.Background(), "pay_1", 150000, "booking could not be saved")
	require.NoError(t, err)
	assert.Equal(t, "rfnd_1", r.ID)

	fail = true
	_, err = g.Refund(context.Background(), "pay_1", 150000, "again")
	assert.ErrorIs(t, err, ErrPaymentFailed)
	assert.Contains(t, err.Error(), "fully refunded")
}
