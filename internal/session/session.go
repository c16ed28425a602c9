package session

import "time"

// Role identifies who produced a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one message in a conversation's history.
type Turn struct {
	Role      Role
	Content   string
	Timestamp time.Time
}

// Conversation holds the per-conversation state owned by the Store.
// It is only ever mutated through Store methods.
type Conversation struct {
	ID         string
	Turns      []Turn
	TokenCount int

	busy         bool
	resetGen     uint64
	lastActivity time.Time
}

// Snapshot returns a copy of the current history, safe to read after the
// store lock is released.
func (c *Conversation) Snapshot() []Turn {
	out := make([]Turn, len(c.Turns))
	copy(out, c.Turns)
	return out
}

// TokenEstimator converts turn content into the budget accounting unit.
// The completion service's own unit is opaque; the default estimator
// approximates it.
type TokenEstimator func(t Turn) int

// EstimateTokens is the default estimator: roughly four bytes per token
// plus a fixed per-turn overhead for role and framing.
func EstimateTokens(t Turn) int {
	const perTurnOverhead = 4
	return len(t.Content)/4 + perTurnOverhead
}

// TrimToBudget returns the longest suffix of turns that fits the budget.
// The newest turn is always retained even if it alone exceeds the budget.
// The input slice is not modified.
func TrimToBudget(turns []Turn, budget int, est TokenEstimator) []Turn {
	if est == nil {
		est = EstimateTokens
	}
	total := 0
	for _, t := range turns {
		total += est(t)
	}
	start := 0
	for start < len(turns)-1 && total > budget {
		total -= est(turns[start])
		start++
	}
	return turns[start:]
}
