package payment

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// AuthorizationState tracks a single participant's hold through its lifecycle.
type AuthorizationState string

const (
	AuthorizationPending   AuthorizationState = "pending"
	AuthorizationHeld      AuthorizationState = "held"
	AuthorizationCaptured  AuthorizationState = "captured"
	AuthorizationCancelled AuthorizationState = "cancelled"
	AuthorizationFailed    AuthorizationState = "failed"
)

// Participant is one group member's share of an expense. Immutable for the
// duration of a single processing run.
type Participant struct {
	ID            string          `json:"id"`
	CustomerID    string          `json:"customerId,omitempty"`
	PaymentMethod string          `json:"paymentMethodId"`
	Amount        decimal.Decimal `json:"amount"` // major currency units
}

// Authorization is a held-but-not-settled charge against one participant.
// Owned exclusively by the run that created it.
type Authorization struct {
	ID            string
	ParticipantID string
	Amount        decimal.Decimal
	State         AuthorizationState
}

// GroupExpense is the input to ProcessGroupExpense.
type GroupExpense struct {
	ID           uuid.UUID       `json:"expenseId"`
	GroupID      uuid.UUID       `json:"groupId"`
	Title        string          `json:"title"`
	TotalAmount  decimal.Decimal `json:"totalAmount"`
	Participants []Participant   `json:"participants"`
}

// amountTolerance absorbs rounding drift between a total and the sum of its
// per-participant shares: 0.01 major units.
var amountTolerance = decimal.NewFromFloat(0.01)

var (
	ErrEmptyTitle     = errors.New("title can't be empty")
	ErrNoParticipants = errors.New("at least one participant is required")
	ErrInvalidAmount  = errors.New("amount must be positive")
	ErrMissingMethod  = errors.New("participant payment method is required")
	ErrAmountMismatch = errors.New("participant amounts don't sum to the expense total")
)

// Validate checks the expense before any processor call is made. The same
// sum-vs-total tolerance is re-applied against held authorizations later in
// the flow.
func (e GroupExpense) Validate() error {
	if e.Title == "" {
		return ErrEmptyTitle
	}
	if len(e.Participants) == 0 {
		return ErrNoParticipants
	}
	if !e.TotalAmount.IsPositive() {
		return ErrInvalidAmount
	}

	sum := decimal.Zero
	for _, p := range e.Participants {
		if p.ID == "" || p.PaymentMethod == "" {
			return ErrMissingMethod
		}
		if !p.Amount.IsPositive() {
			return ErrInvalidAmount
		}
		sum = sum.Add(p.Amount)
	}

	if sum.Sub(e.TotalAmount).Abs().GreaterThan(amountTolerance) {
		return ErrAmountMismatch
	}

	return nil
}

// Client-level failures. The orchestrator decides how each one maps onto the
// flow; clients never retry internally.
var (
	ErrAuthorizationDeclined = errors.New("authorization declined")
	ErrTransientProcessor    = errors.New("transient processor error")
	ErrCaptureFailed         = errors.New("capture failed")
)

// AuthorizeRequest describes a single hold against one payment method.
type AuthorizeRequest struct {
	Amount        decimal.Decimal
	CustomerID    string
	PaymentMethod string
	Metadata      map[string]string
}

// AuthorizationClient is the processor capability the orchestrator drives,
// one external request per call.
type AuthorizationClient interface {
	// Authorize places and confirms a hold. Fails with
	// ErrAuthorizationDeclined or ErrTransientProcessor.
	Authorize(ctx context.Context, req AuthorizeRequest) (*Authorization, error)

	// Capture pulls held funds. A nil amount captures the full hold; a
	// non-nil amount captures partially. Fails with ErrCaptureFailed.
	Capture(ctx context.Context, authorizationID string, amount *decimal.Decimal) (*Authorization, error)

	// Cancel releases a hold. Idempotent: cancelling an already-cancelled
	// or already-captured authorization is a no-op.
	Cancel(ctx context.Context, authorizationID string) error
}
