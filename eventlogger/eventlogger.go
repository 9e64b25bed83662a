package eventlogger

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Payment flow audit event types.
const (
	TypeFlowStarted        = "payment.flow_started"
	TypeFlowCompleted      = "payment.flow_completed"
	TypeFlowPartialCapture = "payment.flow_partial_capture"
	TypeFlowAborted        = "payment.flow_aborted"
	TypeAuthorizationVoid  = "payment.authorization_cancelled"
	TypeCaptureFailed      = "payment.capture_failed"
	TypeCardIssued         = "payment.card_issued"
)

type Event struct {
	ID        uuid.UUID         `json:"id,omitempty"`
	Type      string            `json:"event_type,omitempty"`
	Data      any               `json:"event_data,omitempty"`
	Metadata  map[string]string `json:"event_metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

type EventOption func(*Event)

func WithType(eventType string) EventOption {
	return func(e *Event) {
		e.Type = eventType
	}
}

func WithData(data any) EventOption {
	return func(e *Event) {
		e.Data = data
	}
}

func WithMetadata(metadata map[string]string) EventOption {
	return func(e *Event) {
		for k, v := range metadata {
			e.Metadata[k] = v
		}
	}
}

// WithExpense tags the event with the expense and group it belongs to so one
// flow's audit trail can be read back together.
func WithExpense(expenseID, groupID string) EventOption {
	return func(e *Event) {
		e.Metadata["expense_id"] = expenseID
		e.Metadata["group_id"] = groupID
	}
}

func NewEvent(opts ...EventOption) Event {
	e := Event{
		ID:        uuid.New(),
		CreatedAt: time.Now().UTC(),
		Metadata:  make(map[string]string),
	}
	for _, opt := range opts {
		opt(&e)
	}
	return e
}

type EventLogger interface {
	Save(ctx context.Context, e Event) error
	GetByType(ctx context.Context, eventType string) ([]Event, error)
	GetByExpense(ctx context.Context, expenseID string) ([]Event, error)
}
