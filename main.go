package main

import (
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"time"

	chimiddleware "github.com/go-chi/chi/middleware"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/rs/cors"
	"github.com/shopspring/decimal"
	"github.com/splitapp/splitapp/card"
	"github.com/splitapp/splitapp/config"
	"github.com/splitapp/splitapp/eventlogger"
	"github.com/splitapp/splitapp/group"
	"github.com/splitapp/splitapp/metrics"
	"github.com/splitapp/splitapp/payment"
	stripeclient "github.com/stripe/stripe-go/v82/client"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		printErrorAndExit("loading configuration", err)
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		printErrorAndExit("database connection", err)
	}
	err = db.Ping()
	if err != nil {
		printErrorAndExit("pinging database", err)
	}

	sc := &stripeclient.API{}
	sc.Init(cfg.StripeSecretKey, nil)

	evtlogger := eventlogger.NewSqlEventLogger(db)
	worker := eventlogger.NewWorker(evtlogger, 100)
	worker.Start()
	defer worker.Shutdown()

	groupRepo := group.NewRepository(db)
	authClient := payment.NewStripeClient(sc)
	issuer := card.NewIssuer(sc, cfg.StripeIssuingEnabled, cfg.StripeCardholderID)
	orchestrator := payment.NewOrchestrator(authClient, issuer, worker)

	router := chi.NewRouter()
	router.Use(chimiddleware.Logger)
	router.Use(cors.New(cors.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"Content-Type"},
	}).Handler)

	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	router.Get("/metrics", metrics.Handler().ServeHTTP)

	router.Post("/payment/group-expense", func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		var expense payment.GroupExpense
		if err := json.NewDecoder(r.Body).Decode(&expense); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if expense.ID == uuid.Nil || expense.GroupID == uuid.Nil {
			writeError(w, http.StatusBadRequest, "expenseId and groupId are required")
			return
		}
		if err := expense.Validate(); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		result, err := orchestrator.ProcessGroupExpense(ctx, expense)
		if err != nil {
			var flowErr *payment.FlowError
			if errors.As(err, &flowErr) {
				writeJSON(w, flowErrorStatus(err), map[string]any{
					"error":         flowErr.Err.Error(),
					"stage":         flowErr.Stage,
					"participantId": flowErr.ParticipantID,
				})
				return
			}
			slog.Error("group expense processing failed", "expense_id", expense.ID, "error", err)
			writeError(w, http.StatusInternalServerError, "internal server error")
			return
		}

		// Outcome recording is the boundary's job, not the flow's. A failed
		// write must not fail a payment that already went through.
		outcome := group.PaymentOutcome{
			ExpenseID:          expense.ID,
			GroupID:            expense.GroupID,
			CardID:             result.Card.ID,
			CardState:          string(result.Card.State),
			TotalParticipants:  result.Payments.Total,
			CapturedCount:      result.Payments.Captured,
			FailedParticipants: result.FailedParticipantIDs,
		}
		if err := groupRepo.RecordPayment(ctx, outcome); err != nil {
			slog.Error("failed to record payment outcome", "expense_id", expense.ID, "error", err)
		}

		// Partial capture still produced a funded card: 200 with the flag.
		writeJSON(w, http.StatusOK, result)
	})

	router.Post("/payment/intents", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Amount      decimal.Decimal   `json:"amount"`
			Description string            `json:"description"`
			Metadata    map[string]string `json:"metadata"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if !req.Amount.IsPositive() {
			writeError(w, http.StatusBadRequest, "invalid amount")
			return
		}

		handle, err := authClient.CreatePayment(r.Context(), req.Amount, req.Description, req.Metadata)
		if err != nil {
			slog.Error("payment creation failed", "error", err)
			writeError(w, flowErrorStatus(err), "payment creation failed")
			return
		}

		writeJSON(w, http.StatusOK, handle)
	})

	router.Post("/payment/capture", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			AuthorizationID string           `json:"authorizationId"`
			Amount          *decimal.Decimal `json:"amount,omitempty"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if req.AuthorizationID == "" {
			writeError(w, http.StatusBadRequest, "authorizationId is required")
			return
		}
		if req.Amount != nil && !req.Amount.IsPositive() {
			writeError(w, http.StatusBadRequest, "invalid amount")
			return
		}

		auth, err := authClient.Capture(r.Context(), req.AuthorizationID, req.Amount)
		if err != nil {
			slog.Error("capture failed", "authorization_id", req.AuthorizationID, "error", err)
			writeError(w, http.StatusBadGateway, "capture failed")
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"id":             auth.ID,
			"status":         auth.State,
			"amountReceived": auth.Amount,
		})
	})

	router.Post("/cards", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Amount          decimal.Decimal   `json:"amount"`
			CardName        string            `json:"cardName"`
			ExpirationHours int               `json:"expiration"`
			MerchantLock    string            `json:"merchantLock"`
			OneTimeUse      *bool             `json:"oneTimeUse"`
			Metadata        map[string]string `json:"metadata"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if !req.Amount.IsPositive() {
			writeError(w, http.StatusBadRequest, "invalid amount")
			return
		}

		oneTimeUse := true
		if req.OneTimeUse != nil {
			oneTimeUse = *req.OneTimeUse
		}

		issued, err := issuer.Issue(r.Context(), card.IssueRequest{
			Amount:       req.Amount,
			Name:         req.CardName,
			Expiration:   time.Duration(req.ExpirationHours) * time.Hour,
			MerchantLock: req.MerchantLock,
			OneTimeUse:   oneTimeUse,
			Metadata:     req.Metadata,
		})
		if err != nil {
			slog.Error("card issuance failed", "error", err)
			writeError(w, http.StatusBadGateway, "card issuance failed")
			return
		}

		metrics.CardsIssued.WithLabelValues(string(issued.State)).Inc()
		writeJSON(w, http.StatusOK, issued)
	})

	router.Get("/cards/{id}", func(w http.ResponseWriter, r *http.Request) {
		details, err := issuer.Get(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			if errors.Is(err, card.ErrNotFound) {
				writeError(w, http.StatusNotFound, "card not found")
				return
			}
			slog.Error("failed to fetch card", "error", err)
			writeError(w, http.StatusBadGateway, "failed to fetch card")
			return
		}

		writeJSON(w, http.StatusOK, details)
	})

	router.Post("/groups", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Name             string    `json:"name"`
			Currency         string    `json:"currency"`
			CreatedBy        uuid.UUID `json:"createdBy"`
			PaymentMethodRef string    `json:"paymentMethodRef"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		g, err := group.NewGroup(req.Name, req.Currency, req.CreatedBy)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		id, err := groupRepo.CreateNew(r.Context(), g, req.PaymentMethodRef)
		if err != nil {
			slog.Error("failed to create group", "error", err)
			writeError(w, http.StatusInternalServerError, "internal server error")
			return
		}

		writeJSON(w, http.StatusCreated, map[string]string{"id": id})
	})

	router.Post("/groups/{id}/members", func(w http.ResponseWriter, r *http.Request) {
		groupID, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid group id")
			return
		}

		var req struct {
			UserID           uuid.UUID `json:"userId"`
			PaymentMethodRef string    `json:"paymentMethodRef"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if req.UserID == uuid.Nil {
			writeError(w, http.StatusBadRequest, "userId is required")
			return
		}

		if err := groupRepo.AddMember(r.Context(), groupID, req.UserID, req.PaymentMethodRef); err != nil {
			slog.Error("failed to add member", "group_id", groupID, "error", err)
			writeError(w, http.StatusInternalServerError, "internal server error")
			return
		}

		w.WriteHeader(http.StatusNoContent)
	})

	router.Post("/groups/{id}/expenses", func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		groupID := chi.URLParam(r, "id")

		var req struct {
			Title    string    `json:"title"`
			Amount   int64     `json:"amount"` // cents
			PaidBy   uuid.UUID `json:"paidBy"`
			Category string    `json:"category"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		g, err := groupRepo.GetByID(ctx, groupID)
		if err != nil {
			slog.Error("failed to fetch group", "group_id", groupID, "error", err)
			writeError(w, http.StatusInternalServerError, "internal server error")
			return
		}
		if g == nil {
			writeError(w, http.StatusNotFound, "group not found")
			return
		}

		members, err := groupRepo.GetMembers(ctx, groupID)
		if err != nil {
			slog.Error("failed to fetch members", "group_id", groupID, "error", err)
			writeError(w, http.StatusInternalServerError, "internal server error")
			return
		}
		memberIDs := make([]uuid.UUID, 0, len(members))
		for _, m := range members {
			memberIDs = append(memberIDs, m.UserID)
		}

		expense, splits, err := group.NewExpense(g.ID, req.Title, req.Amount, req.PaidBy, group.SplitTypeEqual, req.Category, memberIDs)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		if err := groupRepo.SaveExpense(ctx, *expense, splits); err != nil {
			slog.Error("failed to save expense", "group_id", groupID, "error", err)
			writeError(w, http.StatusInternalServerError, "internal server error")
			return
		}

		writeJSON(w, http.StatusCreated, expense)
	})

	router.Get("/groups/{id}/expenses", func(w http.ResponseWriter, r *http.Request) {
		expenses, err := groupRepo.GetRecentExpenses(r.Context(), chi.URLParam(r, "id"), 20)
		if err != nil {
			slog.Error("failed to fetch expenses", "error", err)
			writeError(w, http.StatusInternalServerError, "internal server error")
			return
		}

		writeJSON(w, http.StatusOK, expenses)
	})

	router.Get("/groups/{id}/balances", func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		groupID := chi.URLParam(r, "id")

		members, err := groupRepo.GetMembers(ctx, groupID)
		if err != nil {
			slog.Error("failed to fetch members", "group_id", groupID, "error", err)
			writeError(w, http.StatusInternalServerError, "internal server error")
			return
		}
		expenses, err := groupRepo.GetRecentExpenses(ctx, groupID, 1000)
		if err != nil {
			slog.Error("failed to fetch expenses", "group_id", groupID, "error", err)
			writeError(w, http.StatusInternalServerError, "internal server error")
			return
		}
		splits, err := groupRepo.GetExpenseSplits(ctx, groupID)
		if err != nil {
			slog.Error("failed to fetch splits", "group_id", groupID, "error", err)
			writeError(w, http.StatusInternalServerError, "internal server error")
			return
		}

		memberIDs := make([]uuid.UUID, 0, len(members))
		for _, m := range members {
			memberIDs = append(memberIDs, m.UserID)
		}

		writeJSON(w, http.StatusOK, group.CalculateBalances(expenses, splits, memberIDs))
	})

	slog.Info("server starting", "bind", cfg.Bind)
	http.ListenAndServe(cfg.Bind, router)
}

// flowErrorStatus maps flow failures onto HTTP statuses: declines are the
// payer's problem, mismatches a stale request, everything processor-side a
// bad gateway.
func flowErrorStatus(err error) int {
	switch {
	case errors.Is(err, payment.ErrAuthorizationDeclined):
		return http.StatusPaymentRequired
	case errors.Is(err, payment.ErrAmountMismatch):
		return http.StatusConflict
	case errors.Is(err, payment.ErrTransientProcessor):
		return http.StatusBadGateway
	case errors.Is(err, payment.ErrCardIssuance):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func printErrorAndExit(msg string, e error) {
	slog.Error(msg, "error", e)
	os.Exit(1)
}
