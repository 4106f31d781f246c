// Package api provides collaborator-facing HTTP read endpoints over the
// token ledger: current balance, recent plan history and the active plan.
// The UI layer consuming these is out of scope.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"

	"github.com/mihaimyh/tokenledger/pkg/ledger"
)

const (
	maxUserIDLen       = 255
	planHistoryEntries = 10
)

// Handler provides HTTP endpoints for account inspection.
type Handler struct {
	config Config
}

// GetBalance returns the user's balance split by pool, lifetime usage,
// the active plan and the last 10 plan-history entries.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID := h.config.GetUserID(r)
	if userID == "" {
		h.handleError(w, r, fmt.Errorf("user ID not found"), http.StatusUnauthorized)
		return
	}
	if len(userID) > maxUserIDLen {
		h.handleError(w, r, fmt.Errorf("invalid user ID format"), http.StatusBadRequest)
		return
	}

	acct, err := h.config.Ledger.GetAccount(ctx, userID)
	if err != nil {
		if errors.Is(err, ledger.ErrAccountNotFound) {
			h.handleError(w, r, err, http.StatusNotFound)
			return
		}
		h.handleError(w, r, fmt.Errorf("failed to get account: %w", err), http.StatusInternalServerError)
		return
	}

	response := BalanceResponse{
		UserID:      acct.UserID,
		Balance:     acct.Balance,
		FreeTokens:  acct.FreeTokens,
		PaidTokens:  acct.PaidTokens,
		TotalUsed:   acct.TotalUsed,
		PlanHistory: recentHistory(acct.PlanHistory, planHistoryEntries),
	}
	if acct.ActivePlanID != "" {
		response.ActivePlan = &ActivePlan{ID: acct.ActivePlanID, Tier: acct.ActivePlanTier}
	}

	writeJSON(w, http.StatusOK, response)
}

// ListPlans returns the active plan catalog, cheapest first.
func (h *Handler) ListPlans(w http.ResponseWriter, r *http.Request) {
	if h.config.Catalog == nil {
		h.handleError(w, r, fmt.Errorf("catalog not configured"), http.StatusNotFound)
		return
	}

	plans := h.config.Catalog.Active()
	sort.Slice(plans, func(i, j int) bool { return plans[i].Price < plans[j].Price })

	out := make([]PlanResponse, 0, len(plans))
	for _, p := range plans {
		out = append(out, PlanResponse{
			ID:         p.ID,
			Price:      p.Price,
			TokenGrant: p.TokenGrant,
			Tier:       p.Tier,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// recentHistory returns the newest n purchases, newest first.
func recentHistory(history []ledger.PlanPurchase, n int) []PlanHistoryEntry {
	out := make([]PlanHistoryEntry, 0, n)
	for i := len(history) - 1; i >= 0 && len(out) < n; i-- {
		p := history[i]
		out = append(out, PlanHistoryEntry{
			PlanID:        p.PlanID,
			GrantedTokens: p.GrantedTokens,
			AmountPaid:    p.AmountPaid,
			PaymentID:     p.PaymentID,
			PurchasedAt:   p.PurchasedAt,
			Status:        string(p.Status),
		})
	}
	return out
}

func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error, code int) {
	if h.config.OnError != nil {
		h.config.OnError(w, r, err)
		return
	}
	h.config.Logger.Warn("account api error",
		ledger.Field{Key: "path", Value: r.URL.Path},
		ledger.Field{Key: "error", Value: err.Error()},
	)
	http.Error(w, http.StatusText(code), code)
}

func writeJSON(w http.ResponseWriter, code int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(data)
}
