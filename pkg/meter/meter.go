// Package meter debits the token ledger around calls to an external
// model provider.
//
// The charge is flat per tier and deliberately decoupled from the
// provider's own reported token usage: the internal economy is insulated
// from upstream pricing variance, even though that can under- or
// over-charge relative to actual provider cost. The pre-flight check is a
// simulation only; the real debit happens after the provider call
// completes, success or failure.
package meter

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mihaimyh/tokenledger/pkg/ledger"
)

var (
	// ErrProviderUnavailable is returned when the upstream model call fails
	ErrProviderUnavailable = errors.New("model provider unavailable")
)

// Message is one turn of a chat conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Options are the caller-supplied generation options.
type Options struct {
	// MaxOutputTokens bounds the response length. It also feeds the
	// pre-flight estimate, clamped to the configured ceiling.
	MaxOutputTokens int64

	// Temperature is passed through to the provider untouched.
	Temperature float64
}

// Usage is the provider's own token accounting. It is informational
// only; the settled charge never depends on it.
type Usage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// Result is the provider's response. Usage may be nil; providers that
// report nothing are estimated instead.
type Result struct {
	Content string `json:"content"`
	Usage   *Usage `json:"usage,omitempty"`
}

// Provider is the abstract model-provider collaborator.
type Provider interface {
	Generate(ctx context.Context, modelID string, messages []Message, opts *Options) (*Result, error)
}

// ModelRegistry resolves a model identifier to its pricing tier. Models
// the registry does not know fall back to a naming heuristic.
type ModelRegistry interface {
	ModelTier(modelID string) (ledger.Tier, bool)
}

// MapRegistry is a ModelRegistry backed by a static map.
type MapRegistry map[string]ledger.Tier

// ModelTier implements ModelRegistry.
func (m MapRegistry) ModelTier(modelID string) (ledger.Tier, bool) {
	tier, ok := m[modelID]
	return tier, ok
}

// CostTable maps a usage tier to its flat per-request token charge. Kept
// as data rather than constants because the flat rate is a business rule.
type CostTable map[ledger.Tier]int64

// DefaultCostTable returns the standard flat pricing.
func DefaultCostTable() CostTable {
	return CostTable{
		ledger.TierFree:    1,
		ledger.TierPaid:    10,
		ledger.TierPremium: 10,
	}
}

const (
	defaultEstimateCeiling = 4096
	defaultProviderTimeout = 60 * time.Second
)

// Config holds usage meter configuration.
type Config struct {
	// Ledger is the token ledger to debit (required).
	Ledger *ledger.Manager

	// Provider is the model provider collaborator (required).
	Provider Provider

	// Registry resolves model tiers (optional; the naming heuristic
	// applies to anything the registry misses).
	Registry ModelRegistry

	// Costs is the flat tier pricing (default: DefaultCostTable).
	Costs CostTable

	// EstimateCeiling is the hard cap on the pre-flight estimate
	// (default: 4096).
	EstimateCeiling int64

	// ProviderTimeout bounds the provider call (default: 60s).
	ProviderTimeout time.Duration

	// Logger is used for structured logging (default: NoopLogger).
	Logger ledger.Logger
}

// Meter classifies chat requests and debits the ledger around provider calls.
type Meter struct {
	ledger   *ledger.Manager
	provider Provider
	registry ModelRegistry
	costs    CostTable
	ceiling  int64
	timeout  time.Duration
	logger   ledger.Logger
}

// New creates a usage meter from the given configuration.
func New(config Config) (*Meter, error) {
	if config.Ledger == nil {
		return nil, fmt.Errorf("ledger manager is required")
	}
	if config.Provider == nil {
		return nil, fmt.Errorf("model provider is required")
	}

	costs := config.Costs
	if costs == nil {
		costs = DefaultCostTable()
	}
	ceiling := config.EstimateCeiling
	if ceiling <= 0 {
		ceiling = defaultEstimateCeiling
	}
	timeout := config.ProviderTimeout
	if timeout <= 0 {
		timeout = defaultProviderTimeout
	}
	logger := config.Logger
	if logger == nil {
		logger = &ledger.NoopLogger{}
	}

	return &Meter{
		ledger:   config.Ledger,
		provider: config.Provider,
		registry: config.Registry,
		costs:    costs,
		ceiling:  ceiling,
		timeout:  timeout,
		logger:   logger,
	}, nil
}

// ClassifyTier resolves the pricing tier for a model: registry first,
// then a naming heuristic for identifiers flagged free.
func (m *Meter) ClassifyTier(modelID string) ledger.Tier {
	if m.registry != nil {
		if tier, ok := m.registry.ModelTier(modelID); ok && tier.Valid() {
			return tier
		}
	}
	if strings.Contains(strings.ToLower(modelID), "free") {
		return ledger.TierFree
	}
	return ledger.TierPaid
}

// Estimate computes the conservative pre-flight token estimate from the
// caller's max-output bound, clamped to the hard ceiling. An unspecified
// bound assumes the worst case.
func (m *Meter) Estimate(opts *Options) int64 {
	if opts == nil || opts.MaxOutputTokens <= 0 {
		return m.ceiling
	}
	if opts.MaxOutputTokens > m.ceiling {
		return m.ceiling
	}
	return opts.MaxOutputTokens
}

// FlatCost returns the settled charge for a tier.
func (m *Meter) FlatCost(tier ledger.Tier) int64 {
	if cost, ok := m.costs[tier]; ok {
		return cost
	}
	return m.costs[ledger.TierPaid]
}

// Generate runs one metered chat request: pre-flight balance check,
// provider call, then the flat tier-priced debit. The debit lands whether
// the provider call succeeded or not.
func (m *Meter) Generate(ctx context.Context, userID, modelID string, messages []Message, opts *Options) (*Result, error) {
	tier := m.ClassifyTier(modelID)

	// Pre-check only: nothing is committed until after the provider call.
	if err := m.ledger.CheckBalance(ctx, userID, m.Estimate(opts)); err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, m.timeout)
	result, provErr := m.provider.Generate(callCtx, modelID, messages, opts)
	cancel()

	// Settle the flat tier price regardless of the provider outcome and
	// of whatever usage the provider reported.
	if _, err := m.ledger.Debit(ctx, userID, m.FlatCost(tier), tier, "chat:"+modelID); err != nil {
		m.logger.Error("failed to settle metered debit",
			ledger.Field{Key: "user_id", Value: userID},
			ledger.Field{Key: "model", Value: modelID},
			ledger.Field{Key: "error", Value: err.Error()},
		)
	}

	if provErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, provErr)
	}
	return result, nil
}
