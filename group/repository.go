package group

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

type repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *repository {
	return &repository{db: db}
}

func (r *repository) CreateNew(ctx context.Context, g Group, creatorPaymentMethodRef string) (string, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	var lastId string
	if err != nil {
		return lastId, err
	}
	defer tx.Rollback()

	insertGroup := `INSERT INTO groups (id, name, currency, created_by, created_at) VALUES ($1, $2, $3, $4, $5) RETURNING id`
	err = tx.QueryRowContext(
		ctx,
		insertGroup,
		g.ID,
		g.Name,
		g.Currency,
		g.CreatedBy,
		g.CreatedAt,
	).Scan(&lastId)
	if err != nil {
		return lastId, err
	}

	insertMember := `INSERT INTO group_members (group_id, user_id, payment_method_ref) VALUES ($1, $2, $3)`
	_, err = tx.ExecContext(ctx, insertMember, g.ID, g.CreatedBy, creatorPaymentMethodRef)
	if err != nil {
		return lastId, err
	}

	return lastId, tx.Commit()
}

func (r *repository) AddMember(ctx context.Context, groupID, userID uuid.UUID, paymentMethodRef string) error {
	query := `INSERT INTO group_members (group_id, user_id, payment_method_ref) VALUES ($1, $2, $3)`
	_, err := r.db.ExecContext(ctx, query, groupID, userID, paymentMethodRef)
	return err
}

func (r *repository) GetByID(ctx context.Context, groupID string) (*Group, error) {
	query := `SELECT id, name, currency, created_by, created_at FROM groups WHERE id = $1`

	var g Group
	err := r.db.QueryRowContext(ctx, query, groupID).Scan(
		&g.ID,
		&g.Name,
		&g.Currency,
		&g.CreatedBy,
		&g.CreatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}

	return &g, nil
}

func (r *repository) GetMembers(ctx context.Context, groupID string) ([]Member, error) {
	query := `SELECT group_id, user_id, COALESCE(payment_method_ref, ''), joined_at FROM group_members WHERE group_id = $1 ORDER BY joined_at`

	rows, err := r.db.QueryContext(ctx, query, groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var members []Member
	for rows.Next() {
		var member Member
		err := rows.Scan(&member.GroupID, &member.UserID, &member.PaymentMethodRef, &member.JoinedAt)
		if err != nil {
			return nil, err
		}
		members = append(members, member)
	}

	return members, rows.Err()
}

func (r *repository) SaveExpense(ctx context.Context, expense Expense, splits []ExpenseSplit) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var paidBy any
	if expense.PaidBy != uuid.Nil {
		paidBy = expense.PaidBy
	}

	query := `INSERT INTO group_expenses (id, group_id, title, amount, paid_by, split_type, category, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err = tx.ExecContext(
		ctx,
		query,
		expense.ID,
		expense.GroupID,
		expense.Title,
		expense.Amount,
		paidBy,
		expense.SplitType,
		expense.Category,
		expense.CreatedAt,
	)
	if err != nil {
		return err
	}

	for _, split := range splits {
		query = `INSERT INTO group_expense_splits (expense_id, user_id, amount) VALUES ($1, $2, $3)`
		_, err = tx.ExecContext(ctx, query, split.ExpenseID, split.UserID, split.Amount)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (r *repository) GetRecentExpenses(ctx context.Context, groupID string, limit int) ([]Expense, error) {
	query := `SELECT id, group_id, title, amount, paid_by, split_type, category, created_at
              FROM group_expenses
              WHERE group_id = $1
              ORDER BY created_at DESC
              LIMIT $2`

	rows, err := r.db.QueryContext(ctx, query, groupID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var expenses []Expense
	for rows.Next() {
		var expense Expense
		var paidBy uuid.NullUUID
		var category sql.NullString
		err := rows.Scan(
			&expense.ID,
			&expense.GroupID,
			&expense.Title,
			&expense.Amount,
			&paidBy,
			&expense.SplitType,
			&category,
			&expense.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		if paidBy.Valid {
			expense.PaidBy = paidBy.UUID
		}
		if category.Valid {
			expense.Category = category.String
		}
		expenses = append(expenses, expense)
	}

	return expenses, rows.Err()
}

func (r *repository) GetExpenseSplits(ctx context.Context, groupID string) ([]ExpenseSplit, error) {
	query := `SELECT es.expense_id, es.user_id, es.amount
              FROM group_expense_splits es
              INNER JOIN group_expenses e ON es.expense_id = e.id
              WHERE e.group_id = $1`

	rows, err := r.db.QueryContext(ctx, query, groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var splits []ExpenseSplit
	for rows.Next() {
		var split ExpenseSplit
		err := rows.Scan(&split.ExpenseID, &split.UserID, &split.Amount)
		if err != nil {
			return nil, err
		}
		splits = append(splits, split)
	}

	return splits, rows.Err()
}

// RecordPayment stores the outcome of a card-funded expense run so partial
// captures stay visible for reconciliation.
func (r *repository) RecordPayment(ctx context.Context, outcome PaymentOutcome) error {
	if outcome.CreatedAt.IsZero() {
		outcome.CreatedAt = time.Now().UTC()
	}

	query := `INSERT INTO expense_payments (expense_id, group_id, card_id, card_state, total_participants, captured_count, failed_participants, created_at)
              VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := r.db.ExecContext(
		ctx,
		query,
		outcome.ExpenseID,
		outcome.GroupID,
		outcome.CardID,
		outcome.CardState,
		outcome.TotalParticipants,
		outcome.CapturedCount,
		pq.Array(outcome.FailedParticipants),
		outcome.CreatedAt,
	)
	return err
}

func (r *repository) GetPaymentByExpense(ctx context.Context, expenseID string) (*PaymentOutcome, error) {
	query := `SELECT expense_id, group_id, card_id, card_state, total_participants, captured_count, failed_participants, created_at
              FROM expense_payments
              WHERE expense_id = $1`

	var outcome PaymentOutcome
	err := r.db.QueryRowContext(ctx, query, expenseID).Scan(
		&outcome.ExpenseID,
		&outcome.GroupID,
		&outcome.CardID,
		&outcome.CardState,
		&outcome.TotalParticipants,
		&outcome.CapturedCount,
		pq.Array(&outcome.FailedParticipants),
		&outcome.CreatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}

	return &outcome, nil
}
