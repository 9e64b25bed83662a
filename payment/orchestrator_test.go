package payment

import (
	"context"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/splitapp/splitapp/card"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAuthClient records every call so tests can observe which holds were
// placed, captured, and released, and in what order.
type fakeAuthClient struct {
	failAuthorize map[string]error // participant id -> error
	failCapture   map[string]error
	failCancel    map[string]error
	inflate       map[string]decimal.Decimal // report a different held amount

	authorized []string // participant ids in call order
	records    map[string]*Authorization
	seq        int
}

func newFakeAuthClient() *fakeAuthClient {
	return &fakeAuthClient{
		failAuthorize: map[string]error{},
		failCapture:   map[string]error{},
		failCancel:    map[string]error{},
		inflate:       map[string]decimal.Decimal{},
		records:       map[string]*Authorization{},
	}
}

func (f *fakeAuthClient) Authorize(ctx context.Context, req AuthorizeRequest) (*Authorization, error) {
	pid := req.Metadata["participant_id"]
	f.authorized = append(f.authorized, pid)
	if err := f.failAuthorize[pid]; err != nil {
		return nil, err
	}

	amount := req.Amount
	if inflated, ok := f.inflate[pid]; ok {
		amount = inflated
	}

	f.seq++
	id := fmt.Sprintf("auth_%d", f.seq)
	f.records[id] = &Authorization{ID: id, ParticipantID: pid, Amount: amount, State: AuthorizationHeld}
	return &Authorization{ID: id, ParticipantID: pid, Amount: amount, State: AuthorizationHeld}, nil
}

func (f *fakeAuthClient) Capture(ctx context.Context, authorizationID string, amount *decimal.Decimal) (*Authorization, error) {
	record, ok := f.records[authorizationID]
	if !ok || record.State != AuthorizationHeld {
		return nil, ErrCaptureFailed
	}
	if err := f.failCapture[record.ParticipantID]; err != nil {
		return nil, err
	}
	record.State = AuthorizationCaptured
	return &Authorization{ID: record.ID, ParticipantID: record.ParticipantID, Amount: record.Amount, State: AuthorizationCaptured}, nil
}

func (f *fakeAuthClient) Cancel(ctx context.Context, authorizationID string) error {
	record, ok := f.records[authorizationID]
	if !ok {
		return nil
	}
	if err := f.failCancel[record.ParticipantID]; err != nil {
		return err
	}
	// Already cancelled or captured: no-op, like the real client.
	if record.State == AuthorizationHeld {
		record.State = AuthorizationCancelled
	}
	return nil
}

func (f *fakeAuthClient) stateOf(participantID string) AuthorizationState {
	for _, record := range f.records {
		if record.ParticipantID == participantID {
			return record.State
		}
	}
	return ""
}

type fakeIssuer struct {
	err    error
	issued []card.IssueRequest
}

func (f *fakeIssuer) Issue(ctx context.Context, req card.IssueRequest) (*card.VirtualCard, error) {
	f.issued = append(f.issued, req)
	if f.err != nil {
		return nil, f.err
	}
	return &card.VirtualCard{
		ID:           "ic_test",
		Last4:        "4242",
		State:        card.StateActive,
		CappedAmount: req.Amount,
	}, nil
}

func (f *fakeIssuer) Get(ctx context.Context, id string) (*card.Details, error) {
	return nil, card.ErrNotFound
}

func testExpense(amounts ...float64) GroupExpense {
	total := decimal.Zero
	participants := make([]Participant, 0, len(amounts))
	for i, a := range amounts {
		amount := decimal.NewFromFloat(a)
		total = total.Add(amount)
		participants = append(participants, Participant{
			ID:            fmt.Sprintf("p%d", i+1),
			PaymentMethod: fmt.Sprintf("pm_%d", i+1),
			Amount:        amount,
		})
	}
	return GroupExpense{
		ID:           uuid.New(),
		GroupID:      uuid.New(),
		Title:        "Team dinner",
		TotalAmount:  total,
		Participants: participants,
	}
}

func TestProcessGroupExpenseSuccess(t *testing.T) {
	auth := newFakeAuthClient()
	issuer := &fakeIssuer{}
	o := NewOrchestrator(auth, issuer, nil)

	result, err := o.ProcessGroupExpense(context.Background(), testExpense(75, 75))
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.False(t, result.Partial)
	assert.Equal(t, 2, result.Payments.Total)
	assert.Equal(t, 2, result.Payments.Captured)

	require.NotNil(t, result.Card)
	assert.True(t, result.Card.CappedAmount.Equal(decimal.NewFromInt(150)), "card cap must equal the expense total")

	assert.Equal(t, []string{"p1", "p2"}, auth.authorized, "participants authorized in caller order")
	assert.Equal(t, AuthorizationCaptured, auth.stateOf("p1"))
	assert.Equal(t, AuthorizationCaptured, auth.stateOf("p2"))
}

func TestAuthorizationFailureRollsBackAndStops(t *testing.T) {
	auth := newFakeAuthClient()
	auth.failAuthorize["p2"] = fmt.Errorf("%w: card declined", ErrAuthorizationDeclined)
	issuer := &fakeIssuer{}
	o := NewOrchestrator(auth, issuer, nil)

	_, err := o.ProcessGroupExpense(context.Background(), testExpense(50, 50, 50))
	require.Error(t, err)

	var flowErr *FlowError
	require.ErrorAs(t, err, &flowErr)
	assert.Equal(t, StageAuthorizing, flowErr.Stage)
	assert.Equal(t, "p2", flowErr.ParticipantID)
	assert.ErrorIs(t, err, ErrParticipantAuthorization)
	assert.ErrorIs(t, err, ErrAuthorizationDeclined)

	// p3 is never attempted once p2 fails.
	assert.Equal(t, []string{"p1", "p2"}, auth.authorized)
	assert.Equal(t, AuthorizationCancelled, auth.stateOf("p1"))
	assert.Empty(t, issuer.issued, "no card may be issued after an authorization failure")
}

func TestIssuanceFailureRollsBackAllHolds(t *testing.T) {
	auth := newFakeAuthClient()
	issuer := &fakeIssuer{err: card.ErrIssuerUnavailable}
	o := NewOrchestrator(auth, issuer, nil)

	_, err := o.ProcessGroupExpense(context.Background(), testExpense(40, 60, 20))
	require.Error(t, err)

	var flowErr *FlowError
	require.ErrorAs(t, err, &flowErr)
	assert.Equal(t, StageIssuingCard, flowErr.Stage)
	assert.ErrorIs(t, err, ErrCardIssuance)

	for _, pid := range []string{"p1", "p2", "p3"} {
		assert.Equal(t, AuthorizationCancelled, auth.stateOf(pid), pid)
	}
}

func TestPartialCaptureCompletesWithFlag(t *testing.T) {
	auth := newFakeAuthClient()
	auth.failCapture["p2"] = ErrCaptureFailed
	issuer := &fakeIssuer{}
	o := NewOrchestrator(auth, issuer, nil)

	result, err := o.ProcessGroupExpense(context.Background(), testExpense(30, 30, 30))
	require.NoError(t, err, "capture failures must not abort the run")

	assert.True(t, result.Success)
	assert.True(t, result.Partial)
	assert.Equal(t, 3, result.Payments.Total)
	assert.Equal(t, 2, result.Payments.Captured)
	assert.Equal(t, []string{"p2"}, result.FailedParticipantIDs)
	require.NotNil(t, result.Card)

	// Nothing is rolled back after the card exists: the failed hold stays
	// held for manual reconciliation, the rest settle.
	assert.Equal(t, AuthorizationCaptured, auth.stateOf("p1"))
	assert.Equal(t, AuthorizationHeld, auth.stateOf("p2"))
	assert.Equal(t, AuthorizationCaptured, auth.stateOf("p3"))
}

func TestRollbackFailureDoesNotMaskRootCause(t *testing.T) {
	auth := newFakeAuthClient()
	auth.failAuthorize["p2"] = fmt.Errorf("%w: card declined", ErrAuthorizationDeclined)
	auth.failCancel["p1"] = fmt.Errorf("processor unreachable")
	o := NewOrchestrator(auth, &fakeIssuer{}, nil)

	_, err := o.ProcessGroupExpense(context.Background(), testExpense(50, 50))
	require.Error(t, err)

	// The caller still sees the decline, not the cancellation failure.
	var flowErr *FlowError
	require.ErrorAs(t, err, &flowErr)
	assert.Equal(t, "p2", flowErr.ParticipantID)
	assert.ErrorIs(t, err, ErrAuthorizationDeclined)
}

func TestHeldAmountMismatchRollsBack(t *testing.T) {
	auth := newFakeAuthClient()
	// The processor reports a different held amount than requested, as if
	// the share changed between validation and authorization.
	auth.inflate["p2"] = decimal.NewFromFloat(80)
	issuer := &fakeIssuer{}
	o := NewOrchestrator(auth, issuer, nil)

	_, err := o.ProcessGroupExpense(context.Background(), testExpense(50, 50))
	require.Error(t, err)

	var flowErr *FlowError
	require.ErrorAs(t, err, &flowErr)
	assert.Equal(t, StageAllAuthorized, flowErr.Stage)
	assert.ErrorIs(t, err, ErrAmountMismatch)

	assert.Equal(t, AuthorizationCancelled, auth.stateOf("p1"))
	assert.Equal(t, AuthorizationCancelled, auth.stateOf("p2"))
	assert.Empty(t, issuer.issued)
}

func TestCancelTwiceIsNoOp(t *testing.T) {
	auth := newFakeAuthClient()
	held, err := auth.Authorize(context.Background(), AuthorizeRequest{
		Amount:        decimal.NewFromInt(10),
		PaymentMethod: "pm_1",
		Metadata:      map[string]string{"participant_id": "p1"},
	})
	require.NoError(t, err)

	require.NoError(t, auth.Cancel(context.Background(), held.ID))
	require.NoError(t, auth.Cancel(context.Background(), held.ID))
	assert.Equal(t, AuthorizationCancelled, auth.stateOf("p1"))
}

func TestValidate(t *testing.T) {
	base := testExpense(75, 75)

	tests := []struct {
		name    string
		mutate  func(*GroupExpense)
		wantErr error
	}{
		{"valid", func(e *GroupExpense) {}, nil},
		{"within tolerance", func(e *GroupExpense) {
			e.TotalAmount = decimal.NewFromFloat(150.01)
		}, nil},
		{"beyond tolerance", func(e *GroupExpense) {
			e.TotalAmount = decimal.NewFromFloat(150.02)
		}, ErrAmountMismatch},
		{"empty title", func(e *GroupExpense) {
			e.Title = ""
		}, ErrEmptyTitle},
		{"no participants", func(e *GroupExpense) {
			e.Participants = nil
		}, ErrNoParticipants},
		{"zero total", func(e *GroupExpense) {
			e.TotalAmount = decimal.Zero
		}, ErrInvalidAmount},
		{"negative share", func(e *GroupExpense) {
			e.Participants[0].Amount = decimal.NewFromInt(-5)
		}, ErrInvalidAmount},
		{"missing payment method", func(e *GroupExpense) {
			e.Participants[1].PaymentMethod = ""
		}, ErrMissingMethod},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			expense := base
			expense.Participants = append([]Participant{}, base.Participants...)
			tt.mutate(&expense)

			err := expense.Validate()
			if tt.wantErr == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestStageTransitions(t *testing.T) {
	r := &run{stage: StageStart}

	require.NoError(t, r.advance(StageAuthorizing))
	require.NoError(t, r.advance(StageAllAuthorized))

	// Capturing before the card exists is not a legal move.
	err := r.advance(StageCapturing)
	require.Error(t, err)
	assert.Equal(t, StageAllAuthorized, r.stage, "stage unchanged after illegal transition")

	require.NoError(t, r.advance(StageIssuingCard))
	require.NoError(t, r.advance(StageCardIssued))
	require.NoError(t, r.advance(StageCapturing))
	require.NoError(t, r.advance(StageCompleted))
}
