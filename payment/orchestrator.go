package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"github.com/splitapp/splitapp/card"
	"github.com/splitapp/splitapp/eventlogger"
	"github.com/splitapp/splitapp/metrics"
)

// Stage is where a run currently is in the group-expense flow. Transitions
// are restricted to stageTransitions, so a step out of order surfaces as an
// error instead of silently corrupting the run.
type Stage string

const (
	StageStart          Stage = "start"
	StageAuthorizing    Stage = "authorizing_all"
	StageAllAuthorized  Stage = "all_authorized"
	StageIssuingCard    Stage = "issuing_card"
	StageCardIssued     Stage = "card_issued"
	StageCapturing      Stage = "capturing"
	StageCompleted      Stage = "completed"
	StagePartialCapture Stage = "completed_partial_capture"
	StageRollingBack    Stage = "rolling_back"
	StageAborted        Stage = "aborted"
)

var stageTransitions = map[Stage][]Stage{
	StageStart:         {StageAuthorizing},
	StageAuthorizing:   {StageAllAuthorized, StageRollingBack},
	StageAllAuthorized: {StageIssuingCard, StageRollingBack},
	StageIssuingCard:   {StageCardIssued, StageRollingBack},
	StageCardIssued:    {StageCapturing},
	StageCapturing:     {StageCompleted, StagePartialCapture},
	StageRollingBack:   {StageAborted},
}

// Flow-level failures, always wrapped in a FlowError carrying the stage.
var (
	ErrParticipantAuthorization = errors.New("participant authorization failed")
	ErrCardIssuance             = errors.New("virtual card creation failed")
)

// FlowError is the structured failure a run aborts with: the stage it
// failed in, the participant involved when one was, and the cause chain.
type FlowError struct {
	Stage         Stage
	ParticipantID string
	Err           error
}

func (e *FlowError) Error() string {
	if e.ParticipantID != "" {
		return fmt.Sprintf("%s (stage %s, participant %s)", e.Err, e.Stage, e.ParticipantID)
	}
	return fmt.Sprintf("%s (stage %s)", e.Err, e.Stage)
}

func (e *FlowError) Unwrap() error {
	return e.Err
}

// Summary counts the capture phase of a run.
type Summary struct {
	Total    int `json:"total"`
	Captured int `json:"captured"`
}

// Result is what a successful run returns. Partial is set when some captures
// failed after the card was already funded; those holds need manual
// reconciliation and their participant IDs are listed.
type Result struct {
	Success              bool              `json:"success"`
	Card                 *card.VirtualCard `json:"virtualCard"`
	Payments             Summary           `json:"payments"`
	Partial              bool              `json:"partial,omitempty"`
	FailedParticipantIDs []string          `json:"failedParticipantIds,omitempty"`
}

// run is the transient aggregate threaded through one ProcessGroupExpense
// invocation. Never shared across runs, never persisted here.
type run struct {
	expense GroupExpense
	stage   Stage
	held    []*Authorization
	card    *card.VirtualCard
}

func (r *run) advance(to Stage) error {
	for _, next := range stageTransitions[r.stage] {
		if next == to {
			r.stage = to
			return nil
		}
	}
	return fmt.Errorf("illegal stage transition %s -> %s", r.stage, to)
}

const defaultCallTimeout = 30 * time.Second

// Orchestrator drives the group-expense flow: hold every participant's
// share, issue one card sized to the total, pull the held funds. All
// processing is strictly sequential in caller order; the rollback and
// held-sum checks depend on knowing exactly which holds exist at each
// decision point.
type Orchestrator struct {
	auth   AuthorizationClient
	issuer card.Issuer
	events *eventlogger.Worker

	// CallTimeout bounds each individual external call. A timeout on an
	// authorize is treated like any transient processor failure.
	CallTimeout time.Duration
}

func NewOrchestrator(auth AuthorizationClient, issuer card.Issuer, events *eventlogger.Worker) *Orchestrator {
	return &Orchestrator{
		auth:        auth,
		issuer:      issuer,
		events:      events,
		CallTimeout: defaultCallTimeout,
	}
}

// ProcessGroupExpense runs the whole flow for one expense. On a failure in
// the authorization or issuance stages every hold placed so far is released
// and a FlowError is returned; capture failures never abort the run and are
// reported in the Result instead.
func (o *Orchestrator) ProcessGroupExpense(ctx context.Context, expense GroupExpense) (*Result, error) {
	if err := expense.Validate(); err != nil {
		return nil, err
	}

	r := &run{expense: expense, stage: StageStart}
	o.log(r, eventlogger.TypeFlowStarted, map[string]string{
		"total_amount": expense.TotalAmount.String(),
		"participants": strconv.Itoa(len(expense.Participants)),
	})

	if err := o.authorizeAll(ctx, r); err != nil {
		return nil, o.abort(ctx, r, err)
	}
	if err := o.verifyHeldTotal(r); err != nil {
		return nil, o.abort(ctx, r, err)
	}
	if err := o.issueCard(ctx, r); err != nil {
		return nil, o.abort(ctx, r, err)
	}
	return o.captureAll(ctx, r)
}

func (o *Orchestrator) authorizeAll(ctx context.Context, r *run) error {
	if err := r.advance(StageAuthorizing); err != nil {
		return err
	}

	for _, p := range r.expense.Participants {
		callCtx, cancel := o.callContext(ctx)
		auth, err := o.auth.Authorize(callCtx, AuthorizeRequest{
			Amount:        p.Amount,
			CustomerID:    p.CustomerID,
			PaymentMethod: p.PaymentMethod,
			Metadata:      o.flowMetadata(r, p.ID),
		})
		cancel()
		if err != nil {
			// Stop at the first failure; later participants are never attempted.
			return &FlowError{
				Stage:         StageAuthorizing,
				ParticipantID: p.ID,
				Err:           fmt.Errorf("%w: %w", ErrParticipantAuthorization, err),
			}
		}
		auth.ParticipantID = p.ID
		r.held = append(r.held, auth)
	}

	return r.advance(StageAllAuthorized)
}

// verifyHeldTotal re-checks that the held amounts still sum to the expense
// total before any money moves, guarding against amounts having changed
// between boundary validation and authorization.
func (o *Orchestrator) verifyHeldTotal(r *run) error {
	sum := decimal.Zero
	for _, auth := range r.held {
		sum = sum.Add(auth.Amount)
	}
	if sum.Sub(r.expense.TotalAmount).Abs().GreaterThan(amountTolerance) {
		return &FlowError{
			Stage: StageAllAuthorized,
			Err:   fmt.Errorf("%w: held %s, expected %s", ErrAmountMismatch, sum, r.expense.TotalAmount),
		}
	}
	return nil
}

func (o *Orchestrator) issueCard(ctx context.Context, r *run) error {
	if err := r.advance(StageIssuingCard); err != nil {
		return err
	}

	// The card cap may never exceed the funds actually held.
	amount := r.expense.TotalAmount
	held := decimal.Zero
	for _, auth := range r.held {
		held = held.Add(auth.Amount)
	}
	if held.LessThan(amount) {
		amount = held
	}

	callCtx, cancel := o.callContext(ctx)
	defer cancel()
	c, err := o.issuer.Issue(callCtx, card.IssueRequest{
		Amount:     amount,
		Name:       r.expense.Title,
		OneTimeUse: true,
		Metadata:   o.flowMetadata(r, ""),
	})
	if err != nil {
		return &FlowError{
			Stage: StageIssuingCard,
			Err:   fmt.Errorf("%w: %w", ErrCardIssuance, err),
		}
	}

	r.card = c
	metrics.CardsIssued.WithLabelValues(string(c.State)).Inc()
	o.log(r, eventlogger.TypeCardIssued, map[string]string{
		"card_id":    c.ID,
		"card_state": string(c.State),
		"capped_at":  c.CappedAmount.String(),
	})
	return r.advance(StageCardIssued)
}

func (o *Orchestrator) captureAll(ctx context.Context, r *run) (*Result, error) {
	if err := r.advance(StageCapturing); err != nil {
		return nil, err
	}

	var failed []string
	for _, auth := range r.held {
		callCtx, cancel := o.callContext(ctx)
		captured, err := o.auth.Capture(callCtx, auth.ID, nil)
		cancel()
		if err != nil {
			// The card is already funded and earlier captures already
			// settled; reversing them would need a refund flow this system
			// doesn't have. Record the failure and keep capturing the rest.
			slog.Error("capture failed",
				"authorization_id", auth.ID,
				"participant_id", auth.ParticipantID,
				"error", err)
			metrics.Captures.WithLabelValues("failed").Inc()
			o.log(r, eventlogger.TypeCaptureFailed, map[string]string{
				"authorization_id": auth.ID,
				"participant_id":   auth.ParticipantID,
			})
			failed = append(failed, auth.ParticipantID)
			continue
		}
		auth.State = captured.State
		metrics.Captures.WithLabelValues("captured").Inc()
	}

	result := &Result{
		Success: true,
		Card:    r.card,
		Payments: Summary{
			Total:    len(r.held),
			Captured: len(r.held) - len(failed),
		},
	}

	if len(failed) > 0 {
		result.Partial = true
		result.FailedParticipantIDs = failed
		if err := r.advance(StagePartialCapture); err != nil {
			return nil, err
		}
		metrics.RunsTotal.WithLabelValues("partial_capture").Inc()
		o.log(r, eventlogger.TypeFlowPartialCapture, map[string]string{
			"captured": strconv.Itoa(result.Payments.Captured),
			"total":    strconv.Itoa(result.Payments.Total),
		})
		return result, nil
	}

	if err := r.advance(StageCompleted); err != nil {
		return nil, err
	}
	metrics.RunsTotal.WithLabelValues("completed").Inc()
	o.log(r, eventlogger.TypeFlowCompleted, map[string]string{
		"card_id":  r.card.ID,
		"captured": strconv.Itoa(result.Payments.Captured),
	})
	return result, nil
}

// abort releases every hold placed so far, best effort: a cancellation
// failure is logged and never masks the cause the caller gets back.
func (o *Orchestrator) abort(ctx context.Context, r *run, cause error) error {
	if err := r.advance(StageRollingBack); err != nil {
		// A failure before the first transition (validation, illegal
		// transition) has nothing to roll back.
		return cause
	}

	// Rollback must run even when the caller's context is already done.
	base := context.WithoutCancel(ctx)
	for _, auth := range r.held {
		if auth.State != AuthorizationHeld {
			continue
		}
		callCtx, cancel := o.callContext(base)
		err := o.auth.Cancel(callCtx, auth.ID)
		cancel()
		if err != nil {
			slog.Error("failed to cancel authorization during rollback",
				"authorization_id", auth.ID,
				"participant_id", auth.ParticipantID,
				"error", err)
			continue
		}
		auth.State = AuthorizationCancelled
		o.log(r, eventlogger.TypeAuthorizationVoid, map[string]string{
			"authorization_id": auth.ID,
			"participant_id":   auth.ParticipantID,
		})
	}

	_ = r.advance(StageAborted)
	metrics.RunsTotal.WithLabelValues("aborted").Inc()

	var flowErr *FlowError
	if errors.As(cause, &flowErr) {
		metrics.StageFailures.WithLabelValues(string(flowErr.Stage)).Inc()
	}
	o.log(r, eventlogger.TypeFlowAborted, map[string]string{"reason": cause.Error()})
	return cause
}

func (o *Orchestrator) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if o.CallTimeout > 0 {
		return context.WithTimeout(ctx, o.CallTimeout)
	}
	return context.WithCancel(ctx)
}

func (o *Orchestrator) flowMetadata(r *run, participantID string) map[string]string {
	m := map[string]string{
		"expense_id": r.expense.ID.String(),
		"group_id":   r.expense.GroupID.String(),
	}
	if participantID != "" {
		m["participant_id"] = participantID
	}
	return m
}

func (o *Orchestrator) log(r *run, eventType string, data map[string]string) {
	if o.events == nil {
		return
	}
	o.events.Log(eventlogger.NewEvent(
		eventlogger.WithType(eventType),
		eventlogger.WithData(data),
		eventlogger.WithExpense(r.expense.ID.String(), r.expense.GroupID.String()),
	))
}
