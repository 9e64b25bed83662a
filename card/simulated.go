package card

import (
	"context"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	stripe "github.com/stripe/stripe-go/v82"
)

const simulatedIDPrefix = "simulated_"

// paymentIntents is the slice of the processor API the simulated issuer
// needs: one tracking intent per simulated card.
type paymentIntents interface {
	New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	Get(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
}

// SimulatedIssuer synthesizes card records when real issuing isn't
// provisioned. Each simulated card is backed by a tracking payment intent so
// the funds it represents stay visible on the processor side; the card
// itself is not a spendable instrument and is tagged Simulated so downstream
// consumers can tell.
type SimulatedIssuer struct {
	intents paymentIntents
}

func NewSimulatedIssuer(intents paymentIntents) *SimulatedIssuer {
	return &SimulatedIssuer{intents: intents}
}

func (i *SimulatedIssuer) Issue(ctx context.Context, req IssueRequest) (*VirtualCard, error) {
	if !req.Amount.IsPositive() {
		return nil, ErrInvalidAmount
	}

	name := req.Name
	if name == "" {
		name = defaultCardName
	}
	expiration := req.Expiration
	if expiration <= 0 {
		expiration = defaultExpiration
	}
	expiresAt := time.Now().Add(expiration).UTC()

	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(minorUnits(req.Amount)),
		Currency: stripe.String(string(stripe.CurrencyUSD)),
	}
	params.Context = ctx
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}
	params.AddMetadata("isSimulatedVirtualCard", "true")
	params.AddMetadata("cardName", name)
	params.AddMetadata("oneTimeUse", strconv.FormatBool(req.OneTimeUse))
	params.AddMetadata("expiresAt", expiresAt.Format(time.RFC3339))

	intent, err := i.intents.New(params)
	if err != nil {
		return nil, fmt.Errorf("creating tracking intent for simulated card: %w", err)
	}

	metadata := map[string]string{}
	for k, v := range intent.Metadata {
		metadata[k] = v
	}
	metadata["paymentIntentId"] = intent.ID

	return &VirtualCard{
		ID:           simulatedIDPrefix + intent.ID,
		Last4:        strconv.Itoa(1000 + rand.Intn(9000)),
		State:        StateSimulated,
		CappedAmount: req.Amount,
		ExpMonth:     int(expiresAt.Month()),
		ExpYear:      expiresAt.Year(),
		Metadata:     metadata,
	}, nil
}

func (i *SimulatedIssuer) Get(ctx context.Context, id string) (*Details, error) {
	intentID, ok := strings.CutPrefix(id, simulatedIDPrefix)
	if !ok {
		return nil, ErrNotFound
	}

	params := &stripe.PaymentIntentParams{}
	params.Context = ctx

	intent, err := i.intents.Get(intentID, params)
	if err != nil {
		return nil, fmt.Errorf("retrieving simulated card %s: %w", id, err)
	}

	return &Details{
		VirtualCard: VirtualCard{
			ID:           id,
			Last4:        id[len(id)-4:],
			State:        StateSimulated,
			CappedAmount: decimal.New(intent.Amount, -2),
			ExpMonth:     12,
			ExpYear:      time.Now().Year() + 1,
			Metadata:     intent.Metadata,
		},
		Number: "4242XXXXXXXX4242",
		CVC:    "123",
	}, nil
}
