package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/client"
)

// callTimeout bounds every synchronous processor call so a hung connection
// surfaces as ErrTimeout instead of blocking the request indefinitely.
const callTimeout = 10 * time.Second

// StripeGateway implements Gateway against the Stripe API.
type StripeGateway struct {
	api *client.API
}

// NewStripeGateway builds a gateway authenticated with the given secret key.
func NewStripeGateway(secretKey string) *StripeGateway {
	api := &client.API{}
	api.Init(secretKey, nil)
	return &StripeGateway{api: api}
}

func (g *StripeGateway) CreateIntent(ctx context.Context, params CreateIntentParams) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	currency := params.Currency
	if currency == "" {
		currency = string(stripe.CurrencyUSD)
	}

	p := &stripe.PaymentIntentParams{
		Params:        stripe.Params{Context: ctx},
		Amount:        stripe.Int64(params.Amount),
		Currency:      stripe.String(currency),
		CaptureMethod: stripe.String(string(stripe.PaymentIntentCaptureMethodManual)),
	}
	for k, v := range params.Metadata {
		p.AddMetadata(k, v)
	}

	pi, err := g.api.PaymentIntents.New(p)
	if err != nil {
		return "", mapStripeErr("create intent", err)
	}
	return pi.ID, nil
}

func (g *StripeGateway) Capture(ctx context.Context, intentRef, idempotencyKey string) (IntentStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	p := &stripe.PaymentIntentCaptureParams{
		Params: stripe.Params{Context: ctx},
	}
	p.SetIdempotencyKey(idempotencyKey)

	pi, err := g.api.PaymentIntents.Capture(intentRef, p)
	if err != nil {
		return "", mapStripeErr("capture", err)
	}
	return intentStatus(pi.Status), nil
}

func (g *StripeGateway) Refund(ctx context.Context, intentRef string) (IntentStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	p := &stripe.RefundParams{
		Params:        stripe.Params{Context: ctx},
		PaymentIntent: stripe.String(intentRef),
	}

	if _, err := g.api.Refunds.New(p); err != nil {
		return "", mapStripeErr("refund", err)
	}
	return IntentCanceled, nil
}

func intentStatus(s stripe.PaymentIntentStatus) IntentStatus {
	switch s {
	case stripe.PaymentIntentStatusSucceeded:
		return IntentSucceeded
	case stripe.PaymentIntentStatusRequiresCapture:
		return IntentRequiresCapture
	case stripe.PaymentIntentStatusCanceled:
		return IntentCanceled
	default:
		return IntentProcessing
	}
}

func mapStripeErr(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	var sErr *stripe.Error
	if errors.As(err, &sErr) {
		return &RejectedError{Code: string(sErr.Code), Msg: sErr.Msg}
	}
	return fmt.Errorf("gateway: %s: %w", op, err)
}
