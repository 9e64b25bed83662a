package card

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v82/client"
)

// State distinguishes real issued cards from locally-synthesized stand-ins.
type State string

const (
	StateActive    State = "active"
	StateSimulated State = "simulated"
)

// VirtualCard is a spending credential capped at a specific amount, created
// once per group expense after all holds succeed.
type VirtualCard struct {
	ID           string            `json:"id"`
	Last4        string            `json:"last4"`
	State        State             `json:"status"`
	CappedAmount decimal.Decimal   `json:"cappedAmount"`
	ExpMonth     int               `json:"expMonth"`
	ExpYear      int               `json:"expYear"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// Details is the fuller view served by the card lookup endpoint. Number and
// CVC are placeholders unless the processor grants sensitive-detail access.
type Details struct {
	VirtualCard
	Number string `json:"number"`
	CVC    string `json:"cvc"`
}

// IssueRequest describes the card to create. The issued card's cap always
// equals Amount, never more.
type IssueRequest struct {
	Amount       decimal.Decimal
	Name         string
	Expiration   time.Duration // how long the card stays usable, default 24h
	MerchantLock string        // optional merchant category restriction
	OneTimeUse   bool
	Metadata     map[string]string
}

const defaultExpiration = 24 * time.Hour

var (
	ErrInvalidAmount     = errors.New("card amount must be positive")
	ErrIssuerUnavailable = errors.New("card issuing is not provisioned")
	ErrNotFound          = errors.New("card not found")
)

// Issuer creates virtual cards. Which backend is active is decided once at
// construction; callers stay indifferent.
type Issuer interface {
	Issue(ctx context.Context, req IssueRequest) (*VirtualCard, error)
	Get(ctx context.Context, id string) (*Details, error)
}

// NewIssuer picks the issuing backend. Real issuing needs both the feature
// flag and a provisioned cardholder; otherwise cards are simulated so the
// flow stays operable in partially-configured environments.
func NewIssuer(sc *client.API, issuingEnabled bool, cardholderID string) Issuer {
	if issuingEnabled && cardholderID != "" {
		return &StripeIssuer{api: sc, cardholderID: cardholderID}
	}
	return NewSimulatedIssuer(sc.PaymentIntents)
}
