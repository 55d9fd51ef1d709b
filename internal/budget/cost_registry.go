package budget

import (
	"sync"
)

// Default unit costs for known outbound operations.
const (
	DefaultCost = 1 // Default cost for unknown operations

	CostFetchPage    = 1
	CostCacheRead    = 1
	CostCacheWrite   = 1
	CostStoreWrite   = 1
	CostAnalysisCall = 1
	CostQueueSend    = 1
)

// Operation names
const (
	OpFetchPage    = "fetch_page"
	OpCacheRead    = "cache_read"
	OpCacheWrite   = "cache_write"
	OpStoreWrite   = "store_write"
	OpAnalysisCall = "analysis_call"
	OpQueueSend    = "queue_send"
)

// CostRegistry maps outbound operations to their unit costs.
// It is safe for concurrent use.
type CostRegistry struct {
	mu          sync.RWMutex
	costs       map[string]int
	defaultCost int
}

// CostRegistryConfig holds configuration for the registry.
type CostRegistryConfig struct {
	// DefaultCost is the cost for unknown operations.
	// If zero, uses the package default (1).
	DefaultCost int

	// Overrides allows custom costs for specific operations.
	Overrides map[string]int
}

// NewCostRegistry creates a new registry with default costs.
// If cfg is nil, default configuration is used.
func NewCostRegistry(cfg *CostRegistryConfig) *CostRegistry {
	costs := map[string]int{
		OpFetchPage:    CostFetchPage,
		OpCacheRead:    CostCacheRead,
		OpCacheWrite:   CostCacheWrite,
		OpStoreWrite:   CostStoreWrite,
		OpAnalysisCall: CostAnalysisCall,
		OpQueueSend:    CostQueueSend,
	}

	defaultCost := DefaultCost

	if cfg != nil {
		if cfg.DefaultCost > 0 {
			defaultCost = cfg.DefaultCost
		}
		for op, cost := range cfg.Overrides {
			if cost > 0 {
				costs[op] = cost
			}
		}
	}

	return &CostRegistry{
		costs:       costs,
		defaultCost: defaultCost,
	}
}

// GetCost returns the unit cost for an operation.
// If the operation is not known, returns the configured default cost.
func (r *CostRegistry) GetCost(op string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if cost, ok := r.costs[op]; ok {
		return cost
	}
	return r.defaultCost
}

// SetCost updates the cost of an operation. Non-positive values are ignored.
func (r *CostRegistry) SetCost(op string, cost int) {
	if cost <= 0 {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.costs[op] = cost
}

// AccountFetchCost returns the worst-case cost of fetching one account:
// reads of the current and previous cache buckets, up to maxPages upstream
// pages, a retry allowance of maxAttempts-1 extra page calls, and a cache
// write.
func (r *CostRegistry) AccountFetchCost(maxPages, maxAttempts int) int {
	if maxPages < 1 {
		maxPages = 1
	}
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	page := r.GetCost(OpFetchPage)
	return 2*r.GetCost(OpCacheRead) + maxPages*page + (maxAttempts-1)*page + r.GetCost(OpCacheWrite)
}
