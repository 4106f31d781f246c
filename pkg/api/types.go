package api

import (
	"time"

	"github.com/mihaimyh/tokenledger/pkg/ledger"
)

// BalanceResponse is the account state exposed to the UI layer.
type BalanceResponse struct {
	UserID      string             `json:"user_id"`
	Balance     int64              `json:"balance"`
	FreeTokens  int64              `json:"free_tokens"`
	PaidTokens  int64              `json:"paid_tokens"`
	TotalUsed   int64              `json:"total_used"`
	ActivePlan  *ActivePlan        `json:"active_plan,omitempty"`
	PlanHistory []PlanHistoryEntry `json:"plan_history"`
}

// ActivePlan identifies the account's current plan.
type ActivePlan struct {
	ID   string      `json:"id"`
	Tier ledger.Tier `json:"tier"`
}

// PlanHistoryEntry is one purchase in the response history.
type PlanHistoryEntry struct {
	PlanID        string    `json:"plan_id"`
	GrantedTokens int64     `json:"granted_tokens"`
	AmountPaid    int64     `json:"amount_paid"`
	PaymentID     string    `json:"payment_id"`
	PurchasedAt   time.Time `json:"purchased_at"`
	Status        string    `json:"status"`
}

// PlanResponse is one purchasable plan in the catalog listing.
type PlanResponse struct {
	ID         string      `json:"id"`
	Price      int64       `json:"price"`
	TokenGrant int64       `json:"token_grant"`
	Tier       ledger.Tier `json:"tier"`
}
