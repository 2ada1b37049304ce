// Package conflict resolves remote version conflicts reported during sync.
//
// The default policy is deliberately simple: the server's copy wins and the
// next full pull reconciles. This accepts data loss on the losing side and is
// a known simplification, not a merge engine.
package conflict

import (
	"encoding/json"
	"sync"

	"github.com/ljchuang/vocalis/backend/internal/logging"
	"github.com/ljchuang/vocalis/backend/internal/models"
)

// Resolution reports the outcome of resolving one conflict. Handled means the
// item counts as delivered and is dequeued; otherwise it re-enters the retry
// path.
type Resolution struct {
	Handled bool
}

// Strategy resolves a conflict for one mutation type.
type Strategy interface {
	Resolve(item *models.QueueItem, serverState json.RawMessage) (Resolution, error)
}

// StrategyFunc adapts a function to the Strategy interface.
type StrategyFunc func(item *models.QueueItem, serverState json.RawMessage) (Resolution, error)

// Resolve implements Strategy.
func (f StrategyFunc) Resolve(item *models.QueueItem, serverState json.RawMessage) (Resolution, error) {
	return f(item, serverState)
}

// ServerWins accepts the server's copy and treats the mutation as handled.
// Used both for append-only user content and singleton state absent a more
// specific strategy.
func ServerWins() Strategy {
	return StrategyFunc(func(item *models.QueueItem, serverState json.RawMessage) (Resolution, error) {
		logging.Warn("Conflict resolved: server wins",
			map[string]interface{}{"id": item.ID, "type": item.Type})
		return Resolution{Handled: true}, nil
	})
}

// Resolver selects a strategy by mutation type.
type Resolver struct {
	mu         sync.RWMutex
	strategies map[string]Strategy
	fallback   Strategy
}

// NewResolver creates a Resolver whose fallback strategy is ServerWins.
func NewResolver() *Resolver {
	return &Resolver{
		strategies: make(map[string]Strategy),
		fallback:   ServerWins(),
	}
}

// Register installs a strategy for a mutation type, replacing any previous one.
func (r *Resolver) Register(mutationType string, s Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategies[mutationType] = s
}

// Resolve dispatches a conflict to the strategy registered for the item's
// type, falling back to server-wins.
func (r *Resolver) Resolve(item *models.QueueItem, serverState json.RawMessage) (Resolution, error) {
	r.mu.RLock()
	strategy, ok := r.strategies[item.Type]
	r.mu.RUnlock()

	if !ok {
		strategy = r.fallback
	}

	logging.Info("Resolving sync conflict",
		map[string]interface{}{"id": item.ID, "type": item.Type, "registered": ok})
	return strategy.Resolve(item, serverState)
}
