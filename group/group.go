package group

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

type SplitType string

const (
	SplitTypeEqual SplitType = "equal"
	// TODO: SplitTypePercentage, SplitTypeExact
)

type Group struct {
	ID        uuid.UUID `json:"id,omitempty"`
	Name      string    `json:"name,omitempty"`
	Currency  string    `json:"currency,omitempty"`
	CreatedBy uuid.UUID `json:"created_by,omitempty"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}

// Member ties a user to a group together with the payment-method reference
// the card-funded flow charges for their share.
type Member struct {
	GroupID          uuid.UUID `json:"group_id,omitempty"`
	UserID           uuid.UUID `json:"user_id,omitempty"`
	PaymentMethodRef string    `json:"payment_method_ref,omitempty"`
	JoinedAt         time.Time `json:"joined_at,omitempty"`
}

type Expense struct {
	ID        uuid.UUID `json:"id,omitempty"`
	GroupID   uuid.UUID `json:"group_id,omitempty"`
	Title     string    `json:"title,omitempty"`
	Amount    int64     `json:"amount,omitempty"` // Amount in cents
	PaidBy    uuid.UUID `json:"paid_by,omitempty"` // uuid.Nil when funded by a virtual card
	SplitType SplitType `json:"split_type,omitempty"`
	Category  string    `json:"category,omitempty"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}

type ExpenseSplit struct {
	ExpenseID uuid.UUID `json:"expense_id,omitempty"`
	UserID    uuid.UUID `json:"user_id,omitempty"`
	Amount    int64     `json:"amount,omitempty"` // Amount owed in cents
}

// PaymentOutcome records how a card-funded expense run ended. The flow
// itself never persists; the HTTP layer writes this after the fact.
type PaymentOutcome struct {
	ExpenseID          uuid.UUID `json:"expense_id"`
	GroupID            uuid.UUID `json:"group_id"`
	CardID             string    `json:"card_id"`
	CardState          string    `json:"card_state"`
	TotalParticipants  int       `json:"total_participants"`
	CapturedCount      int       `json:"captured_count"`
	FailedParticipants []string  `json:"failed_participants,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
}

var (
	ErrEmptyName     = errors.New("name can't be empty")
	ErrEmptyCurrency = errors.New("currency can't be empty")
	ErrInvalidAmount = errors.New("amount must be positive")
	ErrEmptyTitle    = errors.New("title can't be empty")
)

func NewGroup(name string, currency string, createdBy uuid.UUID) (Group, error) {
	if name == "" {
		return Group{}, ErrEmptyName
	}

	if currency == "" {
		return Group{}, ErrEmptyCurrency
	}

	now := time.Now().UTC()

	return Group{
		ID:        uuid.New(),
		Name:      name,
		Currency:  currency,
		CreatedBy: createdBy,
		CreatedAt: now,
	}, nil
}

func NewExpense(groupID uuid.UUID, title string, amount int64, paidBy uuid.UUID, splitType SplitType, category string, memberIDs []uuid.UUID) (*Expense, []ExpenseSplit, error) {
	if title == "" {
		return nil, nil, ErrEmptyTitle
	}

	if amount <= 0 {
		return nil, nil, ErrInvalidAmount
	}

	expense := &Expense{
		ID:        uuid.New(),
		GroupID:   groupID,
		Title:     title,
		Amount:    amount,
		PaidBy:    paidBy,
		SplitType: splitType,
		Category:  category,
		CreatedAt: time.Now().UTC(),
	}

	splits, err := CalculateSplits(expense.ID, amount, splitType, memberIDs)
	if err != nil {
		return nil, nil, err
	}

	return expense, splits, nil
}

func CalculateSplits(expenseID uuid.UUID, amount int64, splitType SplitType, memberIDs []uuid.UUID) ([]ExpenseSplit, error) {
	numMembers := int64(len(memberIDs))
	if numMembers == 0 {
		return nil, errors.New("no members to split expense")
	}

	splits := make([]ExpenseSplit, 0, numMembers)

	switch splitType {
	case SplitTypeEqual:
		baseAmount := amount / numMembers
		remainder := amount % numMembers

		for i, userID := range memberIDs {
			share := baseAmount
			// Distribute remainder to first few members
			if int64(i) < remainder {
				share++
			}
			splits = append(splits, ExpenseSplit{
				ExpenseID: expenseID,
				UserID:    userID,
				Amount:    share,
			})
		}
		return splits, nil

	default:
		return nil, errors.New("unsupported split type")
	}
}

// CalculateBalances computes net balances for all users from expenses and
// their splits. Card-funded expenses are settled at payment time (every
// member already paid their own share), so they don't move balances.
func CalculateBalances(expenses []Expense, splits []ExpenseSplit, memberIDs []uuid.UUID) map[uuid.UUID]int64 {
	balances := make(map[uuid.UUID]int64)

	for _, userID := range memberIDs {
		balances[userID] = 0
	}

	cardFunded := make(map[uuid.UUID]bool)
	for _, expense := range expenses {
		if expense.PaidBy == uuid.Nil {
			cardFunded[expense.ID] = true
			continue
		}
		balances[expense.PaidBy] += expense.Amount
	}

	for _, split := range splits {
		if cardFunded[split.ExpenseID] {
			continue
		}
		balances[split.UserID] -= split.Amount
	}

	return balances
}
