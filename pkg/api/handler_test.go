package api_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/tokenledger/pkg/api"
	"github.com/mihaimyh/tokenledger/pkg/ledger"
	"github.com/mihaimyh/tokenledger/storage/memory"
)

func newHandler(t *testing.T) (*api.Handler, *ledger.Manager) {
	t.Helper()

	manager, err := ledger.NewManager(memory.New(), ledger.Config{SignupGrant: 10})
	require.NoError(t, err)

	catalog := ledger.NewCatalog(
		ledger.Plan{ID: "pro", Price: 1999, TokenGrant: 500, Tier: ledger.TierPaid, Active: true},
		ledger.Plan{ID: "starter", Price: 500, TokenGrant: 100, Tier: ledger.TierPaid, Active: true},
		ledger.Plan{ID: "legacy", Price: 999, TokenGrant: 250, Tier: ledger.TierPaid, Active: false},
	)

	handler, err := api.NewHandler(api.Config{
		Ledger:    manager,
		Catalog:   catalog,
		GetUserID: api.UserIDFromHeader("X-User-ID"),
	})
	require.NoError(t, err)
	return handler, manager
}

func getBalance(handler *api.Handler, userID string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/account/balance", nil)
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	rec := httptest.NewRecorder()
	handler.GetBalance(rec, req)
	return rec
}

func TestGetBalance(t *testing.T) {
	ctx := context.Background()

	t.Run("returns pool split and active plan", func(t *testing.T) {
		handler, manager := newHandler(t)

		_, err := manager.EnsureAccount(ctx, "user1")
		require.NoError(t, err)
		plan := ledger.Plan{ID: "pro", Price: 1999, TokenGrant: 500, Tier: ledger.TierPaid}
		_, err = manager.Credit(ctx, "user1", 500, ledger.SourcePayment, ledger.WithPayment("pay_1", &plan))
		require.NoError(t, err)
		_, err = manager.Debit(ctx, "user1", 30, ledger.TierPaid, "chat:pro")
		require.NoError(t, err)

		rec := getBalance(handler, "user1")
		require.Equal(t, http.StatusOK, rec.Code)

		var resp api.BalanceResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "user1", resp.UserID)
		assert.Equal(t, int64(480), resp.Balance)
		assert.Equal(t, int64(10), resp.FreeTokens)
		assert.Equal(t, int64(470), resp.PaidTokens)
		assert.Equal(t, int64(30), resp.TotalUsed)
		require.NotNil(t, resp.ActivePlan)
		assert.Equal(t, "pro", resp.ActivePlan.ID)
		require.Len(t, resp.PlanHistory, 1)
		assert.Equal(t, "pay_1", resp.PlanHistory[0].PaymentID)
	})

	t.Run("history is newest first and capped at ten", func(t *testing.T) {
		handler, manager := newHandler(t)

		_, err := manager.EnsureAccount(ctx, "user1")
		require.NoError(t, err)
		plan := ledger.Plan{ID: "pro", Price: 1999, TokenGrant: 500, Tier: ledger.TierPaid}
		for i := 0; i < 12; i++ {
			_, err = manager.Credit(ctx, "user1", 500, ledger.SourcePayment,
				ledger.WithPayment(fmt.Sprintf("pay_%d", i), &plan))
			require.NoError(t, err)
		}

		rec := getBalance(handler, "user1")
		require.Equal(t, http.StatusOK, rec.Code)

		var resp api.BalanceResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		require.Len(t, resp.PlanHistory, 10)
		assert.Equal(t, "pay_11", resp.PlanHistory[0].PaymentID)
		assert.Equal(t, "pay_2", resp.PlanHistory[9].PaymentID)
	})

	t.Run("unknown account", func(t *testing.T) {
		handler, _ := newHandler(t)
		rec := getBalance(handler, "ghost")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("missing user ID", func(t *testing.T) {
		handler, _ := newHandler(t)
		rec := getBalance(handler, "")
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("oversized user ID", func(t *testing.T) {
		handler, _ := newHandler(t)
		rec := getBalance(handler, strings.Repeat("a", 300))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestListPlans(t *testing.T) {
	handler, _ := newHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/plans", nil)
	rec := httptest.NewRecorder()
	handler.ListPlans(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var plans []api.PlanResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &plans))

	// Retired plans are hidden; the rest come back cheapest first.
	require.Len(t, plans, 2)
	assert.Equal(t, "starter", plans[0].ID)
	assert.Equal(t, "pro", plans[1].ID)
}

func TestNewHandler_Validation(t *testing.T) {
	manager, err := ledger.NewManager(memory.New(), ledger.Config{})
	require.NoError(t, err)

	_, err = api.NewHandler(api.Config{GetUserID: api.UserIDFromQuery("user")})
	assert.Error(t, err)

	_, err = api.NewHandler(api.Config{Ledger: manager})
	assert.Error(t, err)
}
