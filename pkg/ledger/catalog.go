package ledger

import (
	"sync"
)

// Catalog is the registry of purchasable plans. It is admin-managed and
// read-only from the ledger's perspective: completed purchases snapshot
// the plan's grant and price into the account's plan history, so catalog
// edits never rewrite history.
type Catalog struct {
	mu    sync.RWMutex
	plans map[string]Plan
}

// NewCatalog creates a catalog pre-loaded with the given plans.
func NewCatalog(plans ...Plan) *Catalog {
	c := &Catalog{plans: make(map[string]Plan, len(plans))}
	for _, p := range plans {
		c.plans[p.ID] = p
	}
	return c
}

// Plan retrieves a plan by ID. Returns ErrPlanNotFound for unknown IDs.
func (c *Catalog) Plan(id string) (*Plan, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	p, ok := c.plans[id]
	if !ok {
		return nil, ErrPlanNotFound
	}
	// Return a copy to prevent external mutations.
	plan := p
	return &plan, nil
}

// Upsert adds or replaces a plan. Admin path only; plans already
// referenced by completed purchases keep their historical snapshot.
func (c *Catalog) Upsert(p Plan) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.plans[p.ID] = p
}

// Active returns all plans currently available for purchase.
func (c *Catalog) Active() []Plan {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Plan, 0, len(c.plans))
	for _, p := range c.plans {
		if p.Active {
			out = append(out, p)
		}
	}
	return out
}
