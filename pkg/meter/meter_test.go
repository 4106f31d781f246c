package meter_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/tokenledger/pkg/ledger"
	"github.com/mihaimyh/tokenledger/pkg/meter"
	"github.com/mihaimyh/tokenledger/storage/memory"
)

// fakeProvider returns a canned result or error and records calls.
type fakeProvider struct {
	result *meter.Result
	err    error
	calls  int
}

func (p *fakeProvider) Generate(ctx context.Context, modelID string, messages []meter.Message, opts *meter.Options) (*meter.Result, error) {
	p.calls++
	if p.err != nil {
		return nil, p.err
	}
	return p.result, nil
}

func setup(t *testing.T, balance int64, provider meter.Provider) (*meter.Meter, *ledger.Manager) {
	t.Helper()

	manager, err := ledger.NewManager(memory.New(), ledger.Config{SignupGrant: balance})
	require.NoError(t, err)
	_, err = manager.EnsureAccount(context.Background(), "user1")
	require.NoError(t, err)

	m, err := meter.New(meter.Config{
		Ledger:   manager,
		Provider: provider,
		Registry: meter.MapRegistry{
			"small-free": ledger.TierFree,
			"pro":        ledger.TierPaid,
			"ultra":      ledger.TierPremium,
		},
	})
	require.NoError(t, err)
	return m, manager
}

func TestClassifyTier(t *testing.T) {
	m, _ := setup(t, 100, &fakeProvider{})

	t.Run("registry hit", func(t *testing.T) {
		assert.Equal(t, ledger.TierFree, m.ClassifyTier("small-free"))
		assert.Equal(t, ledger.TierPremium, m.ClassifyTier("ultra"))
	})

	t.Run("naming heuristic for unregistered models", func(t *testing.T) {
		assert.Equal(t, ledger.TierFree, m.ClassifyTier("community-FREE-7b"))
		assert.Equal(t, ledger.TierPaid, m.ClassifyTier("mystery-model"))
	})
}

func TestEstimate(t *testing.T) {
	m, _ := setup(t, 100, &fakeProvider{})

	t.Run("nil options assume worst case", func(t *testing.T) {
		assert.Equal(t, int64(4096), m.Estimate(nil))
	})

	t.Run("zero max assumes worst case", func(t *testing.T) {
		assert.Equal(t, int64(4096), m.Estimate(&meter.Options{}))
	})

	t.Run("bound passes through", func(t *testing.T) {
		assert.Equal(t, int64(256), m.Estimate(&meter.Options{MaxOutputTokens: 256}))
	})

	t.Run("bound clamps to ceiling", func(t *testing.T) {
		assert.Equal(t, int64(4096), m.Estimate(&meter.Options{MaxOutputTokens: 100000}))
	})
}

func TestFlatCost(t *testing.T) {
	m, _ := setup(t, 100, &fakeProvider{})

	assert.Equal(t, int64(1), m.FlatCost(ledger.TierFree))
	assert.Equal(t, int64(10), m.FlatCost(ledger.TierPaid))
	assert.Equal(t, int64(10), m.FlatCost(ledger.TierPremium))
}

func TestGenerate(t *testing.T) {
	ctx := context.Background()
	messages := []meter.Message{{Role: "user", Content: "hello"}}
	opts := &meter.Options{MaxOutputTokens: 64}

	t.Run("success settles flat tier price", func(t *testing.T) {
		provider := &fakeProvider{result: &meter.Result{
			Content: "hi there",
			Usage:   &meter.Usage{PromptTokens: 3, CompletionTokens: 900, TotalTokens: 903},
		}}
		m, manager := setup(t, 100, provider)

		result, err := m.Generate(ctx, "user1", "pro", messages, opts)
		require.NoError(t, err)
		assert.Equal(t, "hi there", result.Content)

		// The charge is the flat tier price, not the provider-reported 903.
		acct, err := manager.GetAccount(ctx, "user1")
		require.NoError(t, err)
		assert.Equal(t, int64(90), acct.Balance)
	})

	t.Run("provider failure still debits", func(t *testing.T) {
		provider := &fakeProvider{err: errors.New("upstream 503")}
		m, manager := setup(t, 100, provider)

		_, err := m.Generate(ctx, "user1", "pro", messages, opts)
		assert.ErrorIs(t, err, meter.ErrProviderUnavailable)

		acct, err := manager.GetAccount(ctx, "user1")
		require.NoError(t, err)
		assert.Equal(t, int64(90), acct.Balance)
	})

	t.Run("insufficient balance blocks before the provider", func(t *testing.T) {
		provider := &fakeProvider{result: &meter.Result{Content: "hi"}}
		m, manager := setup(t, 5, provider)

		_, err := m.Generate(ctx, "user1", "pro", messages, opts)
		require.Error(t, err)

		var insufficient *ledger.InsufficientBalanceError
		require.True(t, errors.As(err, &insufficient))
		assert.Equal(t, int64(64), insufficient.Required)
		assert.Equal(t, 0, provider.calls)

		// Nothing was committed by the pre-check.
		acct, err := manager.GetAccount(ctx, "user1")
		require.NoError(t, err)
		assert.Equal(t, int64(5), acct.Balance)
	})

	t.Run("free model costs one token", func(t *testing.T) {
		provider := &fakeProvider{result: &meter.Result{Content: "hi"}}
		m, manager := setup(t, 10, provider)

		for i := 0; i < 10; i++ {
			_, err := m.Generate(ctx, "user1", "small-free", messages, &meter.Options{MaxOutputTokens: 1})
			require.NoError(t, err)
		}

		acct, err := manager.GetAccount(ctx, "user1")
		require.NoError(t, err)
		assert.Equal(t, int64(0), acct.Balance)
	})
}

func TestNew_Validation(t *testing.T) {
	manager, err := ledger.NewManager(memory.New(), ledger.Config{})
	require.NoError(t, err)

	_, err = meter.New(meter.Config{Provider: &fakeProvider{}})
	assert.Error(t, err)

	_, err = meter.New(meter.Config{Ledger: manager})
	assert.Error(t, err)
}
