package payment

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"
)

// StripeClient implements AuthorizationClient over the processor's payment
// intents: a manual-capture intent is the hold, capture settles it, cancel
// releases it. Major-to-minor unit conversion happens here and nowhere else.
type StripeClient struct {
	api *client.API
}

func NewStripeClient(api *client.API) *StripeClient {
	return &StripeClient{api: api}
}

func (c *StripeClient) Authorize(ctx context.Context, req AuthorizeRequest) (*Authorization, error) {
	if !req.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: amount must be positive", ErrAuthorizationDeclined)
	}

	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(minorUnits(req.Amount)),
		Currency:      stripe.String(string(stripe.CurrencyUSD)),
		CaptureMethod: stripe.String(string(stripe.PaymentIntentCaptureMethodManual)),
	}
	params.Context = ctx
	if req.CustomerID != "" {
		params.Customer = stripe.String(req.CustomerID)
	}
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}

	intent, err := c.api.PaymentIntents.New(params)
	if err != nil {
		return nil, classify(err, "creating payment intent")
	}

	confirmParams := &stripe.PaymentIntentConfirmParams{
		PaymentMethod: stripe.String(req.PaymentMethod),
	}
	confirmParams.Context = ctx

	confirmed, err := c.api.PaymentIntents.Confirm(intent.ID, confirmParams)
	if err != nil {
		return nil, classify(err, "confirming payment intent")
	}
	if confirmed.Status != stripe.PaymentIntentStatusRequiresCapture {
		return nil, fmt.Errorf("%w: intent %s in status %s", ErrAuthorizationDeclined, confirmed.ID, confirmed.Status)
	}

	return &Authorization{
		ID:            confirmed.ID,
		ParticipantID: req.Metadata["participant_id"],
		Amount:        req.Amount,
		State:         AuthorizationHeld,
	}, nil
}

func (c *StripeClient) Capture(ctx context.Context, authorizationID string, amount *decimal.Decimal) (*Authorization, error) {
	params := &stripe.PaymentIntentCaptureParams{}
	params.Context = ctx
	if amount != nil {
		params.AmountToCapture = stripe.Int64(minorUnits(*amount))
	}

	intent, err := c.api.PaymentIntents.Capture(authorizationID, params)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCaptureFailed, err)
	}
	if intent.Status != stripe.PaymentIntentStatusSucceeded {
		return nil, fmt.Errorf("%w: intent %s in status %s", ErrCaptureFailed, intent.ID, intent.Status)
	}

	return &Authorization{
		ID:     intent.ID,
		Amount: decimal.New(intent.AmountReceived, -2),
		State:  AuthorizationCaptured,
	}, nil
}

func (c *StripeClient) Cancel(ctx context.Context, authorizationID string) error {
	params := &stripe.PaymentIntentCancelParams{
		CancellationReason: stripe.String("requested_by_customer"),
	}
	params.Context = ctx

	_, err := c.api.PaymentIntents.Cancel(authorizationID, params)
	if err != nil {
		var stripeErr *stripe.Error
		// Already cancelled or already captured: nothing left to release.
		if errors.As(err, &stripeErr) && stripeErr.Code == stripe.ErrorCodePaymentIntentUnexpectedState {
			return nil
		}
		return fmt.Errorf("cancelling payment intent %s: %w", authorizationID, err)
	}
	return nil
}

// PaymentHandle is returned by CreatePayment for the direct-payment
// endpoint; the client secret lets a browser complete the payment.
type PaymentHandle struct {
	ID           string `json:"id"`
	ClientSecret string `json:"clientSecret"`
}

// CreatePayment creates a standalone automatic-capture payment, outside the
// group flow.
func (c *StripeClient) CreatePayment(ctx context.Context, amount decimal.Decimal, description string, metadata map[string]string) (*PaymentHandle, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: amount must be positive", ErrAuthorizationDeclined)
	}

	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(minorUnits(amount)),
		Currency: stripe.String(string(stripe.CurrencyUSD)),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	params.Context = ctx
	if description != "" {
		params.Description = stripe.String(description)
	}
	for k, v := range metadata {
		params.AddMetadata(k, v)
	}

	intent, err := c.api.PaymentIntents.New(params)
	if err != nil {
		return nil, classify(err, "creating payment intent")
	}

	return &PaymentHandle{ID: intent.ID, ClientSecret: intent.ClientSecret}, nil
}

// classify maps a processor error onto the client error taxonomy: card and
// invalid-request errors are declines, everything else (network failures,
// timeouts, 5xx) is transient.
func classify(err error, op string) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %s: %w", ErrTransientProcessor, op, err)
	}

	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		switch stripeErr.Type {
		case stripe.ErrorTypeCard, stripe.ErrorTypeInvalidRequest:
			return fmt.Errorf("%w: %s: %w", ErrAuthorizationDeclined, op, err)
		}
	}
	return fmt.Errorf("%w: %s: %w", ErrTransientProcessor, op, err)
}

// minorUnits converts a major-unit decimal amount to integer cents.
func minorUnits(amount decimal.Decimal) int64 {
	return amount.Shift(2).Round(0).IntPart()
}
