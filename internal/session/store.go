package session

import (
	"log/slog"
	"sync"
	"time"
)

// sweepInterval is how often the background sweep looks for idle conversations.
const sweepInterval = 30 * time.Second

// Store keeps all conversation state in memory, keyed by conversation ID.
// Conversations are created implicitly on first access and evicted after
// SessionTTL of inactivity, either lazily on the next access or by the
// background sweep.
type Store struct {
	mu       sync.Mutex
	sessions map[string]*Conversation

	ttl      time.Duration
	estimate TokenEstimator
	logger   *slog.Logger

	done    chan struct{}
	stopped chan struct{}
}

// NewStore creates a store with the given idle TTL. A nil estimator falls
// back to EstimateTokens.
func NewStore(ttl time.Duration, estimate TokenEstimator, logger *slog.Logger) *Store {
	if estimate == nil {
		estimate = EstimateTokens
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		sessions: make(map[string]*Conversation),
		ttl:      ttl,
		estimate: estimate,
		logger:   logger.With("component", "session"),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
}

// StartSweeper launches the background eviction goroutine. Stop shuts it down.
func (s *Store) StartSweeper() {
	go func() {
		defer close(s.stopped)
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-s.done:
				return
			case <-ticker.C:
				if n := s.sweep(); n > 0 {
					s.logger.Info("evicted idle conversations", "count", n)
				}
			}
		}
	}()
}

// Stop terminates the sweeper and waits for it to exit.
func (s *Store) Stop() {
	close(s.done)
	<-s.stopped
}

// GetOrCreate returns the conversation for id, creating it if absent or if
// the existing one has been idle past the TTL. The returned pointer must not
// be mutated by the caller.
func (s *Store) GetOrCreate(id string) *Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getOrCreateLocked(id)
}

func (s *Store) getOrCreateLocked(id string) *Conversation {
	now := time.Now()
	conv, ok := s.sessions[id]
	if ok && s.expired(conv, now) && !conv.busy {
		delete(s.sessions, id)
		ok = false
	}
	if !ok {
		conv = &Conversation{ID: id, lastActivity: now}
		s.sessions[id] = conv
	}
	conv.lastActivity = now
	return conv
}

// AppendTurn adds a turn to the conversation's history and updates its token
// count. The conversation is created if it does not exist.
func (s *Store) AppendTurn(id string, turn Turn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv := s.getOrCreateLocked(id)
	conv.Turns = append(conv.Turns, turn)
	conv.TokenCount += s.estimate(turn)
}

// TruncateToBudget drops the oldest turns until the history fits the budget.
// The most recent turn is always retained even if it alone exceeds the budget.
func (s *Store) TruncateToBudget(id string, budget int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.sessions[id]
	if !ok {
		return
	}
	for len(conv.Turns) > 1 && conv.TokenCount > budget {
		conv.TokenCount -= s.estimate(conv.Turns[0])
		conv.Turns = conv.Turns[1:]
	}
}

// TryAcquire attempts a non-blocking test-and-set of the conversation's busy
// flag. It returns false if another operation is already in flight; callers
// must not wait on it.
func (s *Store) TryAcquire(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv := s.getOrCreateLocked(id)
	if conv.busy {
		return false
	}
	conv.busy = true
	return true
}

// Release clears the busy flag. Releasing an unknown or idle conversation is
// a no-op.
func (s *Store) Release(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if conv, ok := s.sessions[id]; ok {
		conv.busy = false
		conv.lastActivity = time.Now()
	}
}

// Reset clears the conversation's history and bumps its reset generation.
// The busy flag is left untouched so an in-flight operation can observe the
// reset and discard its result.
func (s *Store) Reset(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.sessions[id]
	if !ok {
		return
	}
	conv.Turns = nil
	conv.TokenCount = 0
	conv.resetGen++
	conv.lastActivity = time.Now()
}

// ResetGen returns the conversation's current reset generation. An in-flight
// operation records the generation before its external calls and compares
// afterwards; a mismatch means a reset happened underneath it.
func (s *Store) ResetGen(id string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if conv, ok := s.sessions[id]; ok {
		return conv.resetGen
	}
	return 0
}

// History returns a copy of the conversation's turns, or nil if absent.
func (s *Store) History(id string) []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.sessions[id]
	if !ok {
		return nil
	}
	return conv.Snapshot()
}

// Len reports the number of live conversations.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Store) sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	evicted := 0
	for id, conv := range s.sessions {
		if s.expired(conv, now) && !conv.busy {
			delete(s.sessions, id)
			evicted++
		}
	}
	return evicted
}

func (s *Store) expired(conv *Conversation, now time.Time) bool {
	return now.Sub(conv.lastActivity) > s.ttl
}
