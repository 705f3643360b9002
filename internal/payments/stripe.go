package payments

import (
	"context"
	"fmt"
	"strings"

	"github.com/stripe/stripe-go/v83"
	"github.com/stripe/stripe-go/v83/paymentintent"
	"github.com/stripe/stripe-go/v83/refund"
	"github.com/wellnest/marketplace-api/pkg/logging"
	"go.opentelemetry.io/otel/attribute"
)

type stripeAPI interface {
	NewIntent(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	GetIntent(id string) (*stripe.PaymentIntent, error)
	NewRefund(params *stripe.RefundParams) (*stripe.Refund, error)
}

type stripeSDK struct{}

func (stripeSDK) NewIntent(p *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
	return paymentintent.New(p)
}

func (stripeSDK) GetIntent(id string) (*stripe.PaymentIntent, error) {
	return paymentintent.Get(id, nil)
}

func (stripeSDK) NewRefund(p *stripe.RefundParams) (*stripe.Refund, error) {
	return refund.New(p)
}

// StripeGateway charges through Stripe payment intents. The intent id serves
// as both order id and payment id; the client confirms it with ClientSecret.
type StripeGateway struct {
	api    stripeAPI
	logger *logging.Logger
}

func NewStripeGateway(secretKey string, logger *logging.Logger) *StripeGateway {
	if logger == nil {
		logger = logging.Default()
	}
	stripe.Key = secretKey
	return &StripeGateway{api: stripeSDK{}, logger: logger}
}

func (g *StripeGateway) Name() string { return "stripe" }

func (g *StripeGateway) CreateOrder(ctx context.Context, req OrderRequest) (*Order, error) {
	_, span := tracer.Start(ctx, "stripe.create_payment_intent")
	defer span.End()
	span.SetAttributes(attribute.Int64("wellness.amount", req.Amount), attribute.String("wellness.currency", req.Currency))

	if req.Amount <= 0 {
		return nil, fmt.Errorf("payments: stripe amount must be positive")
	}
	metadata := map[string]string{}
	for k, v := range req.Notes {
		metadata[k] = v
	}
	if req.Receipt != "" {
		metadata["receipt"] = req.Receipt
	}
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(req.Amount),
		Currency: stripe.String(strings.ToLower(req.Currency)),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
		Metadata: metadata,
	}
	if req.Description != "" {
		params.Description = stripe.String(req.Description)
	}

	intent, err := g.api.NewIntent(params)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("payments: stripe create intent: %w", err)
	}
	g.logger.Info("stripe payment intent created", "intent_id", intent.ID, "amount", intent.Amount)
	return &Order{
		ID:           intent.ID,
		Provider:     g.Name(),
		Amount:       intent.Amount,
		Currency:     strings.ToUpper(string(intent.Currency)),
		ClientSecret: intent.ClientSecret,
	}, nil
}

func (g *StripeGateway) VerifyPayment(ctx context.Context, v Verification) (*Payment, error) {
	_, span := tracer.Start(ctx, "stripe.verify_payment")
	defer span.End()

	id := v.PaymentID
	if id == "" {
		id = v.OrderID
	}
	if id == "" || (v.OrderID != "" && v.OrderID != id) {
		return nil, fmt.Errorf("%w: payment intent does not match order", ErrPaymentFailed)
	}
	span.SetAttributes(attribute.String("stripe.payment_intent", id))

	intent, err := g.api.GetIntent(id)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("payments: stripe get intent: %w", err)
	}
	switch intent.Status {
	case stripe.PaymentIntentStatusSucceeded, stripe.PaymentIntentStatusRequiresCapture:
	default:
		return nil, fmt.Errorf("%w: payment intent status %s", ErrPaymentFailed, intent.Status)
	}
	return &Payment{
		ID:       intent.ID,
		OrderID:  intent.ID,
		Amount:   intent.Amount,
		Currency: strings.ToUpper(string(intent.Currency)),
		Status:   string(intent.Status),
	}, nil
}

func (g *StripeGateway) Refund(ctx context.Context, paymentID string, amount int64, reason string) (*Refund, error) {
	_, span := tracer.Start(ctx, "stripe.refund")
	defer span.End()
	span.SetAttributes(attribute.String("stripe.payment_intent", paymentID), attribute.Int64("wellness.amount", amount))

	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(paymentID),
		Reason:        stripe.String("requested_by_customer"),
	}
	if amount > 0 {
		params.Amount = stripe.Int64(amount)
	}
	if reason != "" {
		params.AddMetadata("reason", reason)
	}
	r, err := g.api.NewRefund(params)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("payments: stripe refund: %w", err)
	}
	g.logger.Info("stripe refund created", "intent_id", paymentID, "refund_id", r.ID, "status", r.Status)
	return &Refund{ID: r.ID, PaymentID: paymentID, Amount: r.Amount, Status: string(r.Status)}, nil
}
