package card

import (
	"context"
	"fmt"
	"regexp"
	"testing"

	"github.com/shopspring/decimal"
	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeIntents struct {
	err    error
	stored map[string]*stripe.PaymentIntent
	calls  int
}

func newFakeIntents() *fakeIntents {
	return &fakeIntents{stored: map[string]*stripe.PaymentIntent{}}
}

func (f *fakeIntents) New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.calls++
	intent := &stripe.PaymentIntent{
		ID:       fmt.Sprintf("pi_%d", f.calls),
		Amount:   *params.Amount,
		Metadata: map[string]string{},
	}
	for k, v := range params.Metadata {
		intent.Metadata[k] = v
	}
	f.stored[intent.ID] = intent
	return intent, nil
}

func (f *fakeIntents) Get(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
	intent, ok := f.stored[id]
	if !ok {
		return nil, &stripe.Error{HTTPStatusCode: 404}
	}
	return intent, nil
}

func TestSimulatedIssuerIssue(t *testing.T) {
	intents := newFakeIntents()
	issuer := NewSimulatedIssuer(intents)

	amount := decimal.NewFromFloat(150.00)
	c, err := issuer.Issue(context.Background(), IssueRequest{
		Amount:     amount,
		Name:       "Team dinner",
		OneTimeUse: true,
	})
	require.NoError(t, err)

	assert.Equal(t, StateSimulated, c.State)
	assert.True(t, c.CappedAmount.Equal(amount), "cap must equal the requested amount")
	assert.Regexp(t, regexp.MustCompile(`^simulated_pi_\d+$`), c.ID)
	assert.Regexp(t, regexp.MustCompile(`^\d{4}$`), c.Last4)

	assert.Equal(t, "true", c.Metadata["isSimulatedVirtualCard"])
	assert.Equal(t, "Team dinner", c.Metadata["cardName"])
	assert.Equal(t, "pi_1", c.Metadata["paymentIntentId"])

	// The tracking intent carries the funds in minor units.
	require.Len(t, intents.stored, 1)
	assert.Equal(t, int64(15000), intents.stored["pi_1"].Amount)
}

func TestSimulatedIssuerRejectsNonPositiveAmount(t *testing.T) {
	intents := newFakeIntents()
	issuer := NewSimulatedIssuer(intents)

	_, err := issuer.Issue(context.Background(), IssueRequest{Amount: decimal.Zero})
	assert.ErrorIs(t, err, ErrInvalidAmount)
	assert.Zero(t, intents.calls)
}

func TestSimulatedIssuerGet(t *testing.T) {
	intents := newFakeIntents()
	issuer := NewSimulatedIssuer(intents)

	issued, err := issuer.Issue(context.Background(), IssueRequest{Amount: decimal.NewFromInt(80)})
	require.NoError(t, err)

	details, err := issuer.Get(context.Background(), issued.ID)
	require.NoError(t, err)
	assert.Equal(t, issued.ID, details.ID)
	assert.Equal(t, StateSimulated, details.State)
	assert.True(t, details.CappedAmount.Equal(decimal.NewFromInt(80)))

	// A real card id never resolves through the simulated backend.
	_, err = issuer.Get(context.Background(), "ic_12345")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestNewIssuerSelection(t *testing.T) {
	sc := &client.API{}
	sc.Init("sk_test_dummy", nil)

	issuer := NewIssuer(sc, true, "ich_123")
	assert.IsType(t, &StripeIssuer{}, issuer)

	// Missing cardholder means issuing isn't provisioned, regardless of the flag.
	issuer = NewIssuer(sc, true, "")
	assert.IsType(t, &SimulatedIssuer{}, issuer)

	issuer = NewIssuer(sc, false, "ich_123")
	assert.IsType(t, &SimulatedIssuer{}, issuer)
}
