// Package budget tracks token spend across a session and its delegated
// agents. A single Budget instance is shared by the turn loop and the
// sub-agent orchestrator; all methods are safe for concurrent use.
package budget

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/harun/kirana/internal/observability"
)

// DefaultAgentLimit is the reservation handed to a delegated agent when
// the caller does not ask for a specific amount.
const DefaultAgentLimit = 20000

// Config controls the initial capacity of a Budget.
type Config struct {
	// Total is the number of tokens the whole session may spend.
	Total int64

	Logger zerolog.Logger
}

// Budget is a concurrency-safe token ledger. The global remainder and
// the per-agent sub-limits are guarded by one mutex so that a consume
// observed against an agent limit is always observed against the global
// remainder in the same step.
type Budget struct {
	mu        sync.Mutex
	remaining int64
	limits    map[string]int64
	logger    zerolog.Logger
}

// New creates a Budget with the given total capacity.
func New(cfg Config) (*Budget, error) {
	if cfg.Total <= 0 {
		return nil, fmt.Errorf("budget total must be positive, got %d", cfg.Total)
	}
	observability.EnsureRegistered()
	observability.SetBudgetRemaining(cfg.Total)
	return &Budget{
		remaining: cfg.Total,
		limits:    make(map[string]int64),
		logger:    cfg.Logger.With().Str("component", "budget").Logger(),
	}, nil
}

// Remaining reports the tokens still available to the session.
func (b *Budget) Remaining() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.remaining
}

// AgentRemaining reports the tokens still reserved for the named agent.
// Unknown agents report zero.
func (b *Budget) AgentRemaining(agent string) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.limits[agent]
}

// Reserve establishes the sub-limit for an agent about to be
// dispatched, replacing any reservation the agent already holds. The
// reservation fails when the sum of all outstanding reservations would
// exceed the global remainder, so reserved agents can never
// collectively overdraw the session.
func (b *Budget) Reserve(agent string, n int64) error {
	if n <= 0 {
		return fmt.Errorf("reservation must be positive, got %d", n)
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	// The agent's current reservation does not count against its own
	// replacement.
	var reserved int64
	for other, limit := range b.limits {
		if other != agent {
			reserved += limit
		}
	}
	if reserved+n > b.remaining {
		return fmt.Errorf("insufficient budget: %d requested, %d unreserved", n, b.remaining-reserved)
	}

	b.limits[agent] = n
	b.logger.Debug().
		Str("agent", agent).
		Int64("tokens", n).
		Int64("global_remaining", b.remaining).
		Msg("budget reserved")
	return nil
}

// TryConsume deducts n tokens from both the agent's reservation and the
// global remainder in one atomic step. It returns false, deducting
// nothing, when the agent is unknown or either pool cannot cover n.
func (b *Budget) TryConsume(agent string, n int64) bool {
	if n < 0 {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	limit, ok := b.limits[agent]
	if !ok {
		return false
	}
	if n > limit || n > b.remaining {
		return false
	}

	b.limits[agent] = limit - n
	b.remaining -= n
	observability.SetBudgetRemaining(b.remaining)
	return true
}

// ConsumeGlobal deducts n tokens from the global remainder only, for
// spend attributed to the top-level session rather than a delegated
// agent. Returns false when the remainder cannot cover n.
func (b *Budget) ConsumeGlobal(n int64) bool {
	if n < 0 {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	var reserved int64
	for _, limit := range b.limits {
		reserved += limit
	}
	if n > b.remaining-reserved {
		return false
	}
	b.remaining -= n
	observability.SetBudgetRemaining(b.remaining)
	return true
}

// Release drops an agent's reservation, returning its unspent tokens to
// the unreserved pool. Releasing an unknown agent is a no-op so that
// terminal-state handlers can call it unconditionally.
func (b *Budget) Release(agent string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	limit, ok := b.limits[agent]
	if !ok {
		return
	}
	delete(b.limits, agent)
	b.logger.Debug().
		Str("agent", agent).
		Int64("unspent", limit).
		Msg("budget released")
}
