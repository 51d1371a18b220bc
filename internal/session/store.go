// Package session owns per-session conversation history.
//
// Each session is an isolated, append-only sequence of turns keyed by an
// opaque identifier. The store is the only component that mutates
// history: the reasoning loop reads snapshots and commits results back
// through Append. Cross-session isolation is the store's central
// invariant; sharing one history between clients is a correctness bug.
package session

import (
	"log/slog"
	"sync"
	"time"
)

// Role identifies who produced a turn.
type Role string

const (
	RoleUser       Role = "user"
	RoleAssistant  Role = "assistant"
	RoleToolResult Role = "tool-result"
)

// Turn is one immutable message unit within a session's ordered history.
type Turn struct {
	Role     Role      `json:"role"`
	Content  string    `json:"content"`
	ToolName string    `json:"tool_name,omitempty"` // set when Role is tool-result
	Seq      int       `json:"seq"`
	Time     time.Time `json:"time"`
}

// state is the store-private record for one session. Its mutex guards
// the turn slice. Lock order: the store's map mutex may wrap a session
// mutex (EvictIdle, Stats), never the reverse.
type state struct {
	id         string
	mu         sync.Mutex
	turns      []Turn
	nextSeq    int
	createdAt  time.Time
	lastActive time.Time
}

// Store manages all sessions in the process.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*state
	maxTurns int
	logger   *slog.Logger
}

// NewStore creates a session store. maxTurns caps each session's
// retained history (oldest trimmed first); values <= 0 use a default.
func NewStore(maxTurns int, logger *slog.Logger) *Store {
	if maxTurns <= 0 {
		maxTurns = 200
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		sessions: make(map[string]*state),
		maxTurns: maxTurns,
		logger:   logger,
	}
}

// CreateOrGet returns the session for id, creating it if absent.
// Idempotent: concurrent calls with the same id resolve to the same
// underlying session.
func (s *Store) CreateOrGet(id string) {
	s.getOrCreate(id)
}

func (s *Store) getOrCreate(id string) *state {
	s.mu.RLock()
	sess, ok := s.sessions[id]
	s.mu.RUnlock()
	if ok {
		return sess
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// Re-check under the write lock: another goroutine may have won the race.
	if sess, ok = s.sessions[id]; ok {
		return sess
	}
	now := time.Now()
	sess = &state{id: id, createdAt: now, lastActive: now}
	s.sessions[id] = sess
	s.logger.Debug("session created", "session", id)
	return sess
}

// Append atomically adds a turn to the session, creating the session if
// needed. It assigns the turn's sequence number and timestamp and
// returns the stored turn. Appends to the same session serialize on the
// session lock; each is all-or-nothing.
func (s *Store) Append(id string, role Role, content, toolName string) Turn {
	sess := s.getOrCreate(id)

	sess.mu.Lock()
	defer sess.mu.Unlock()

	t := Turn{
		Role:     role,
		Content:  content,
		ToolName: toolName,
		Seq:      sess.nextSeq,
		Time:     time.Now(),
	}
	sess.nextSeq++
	sess.turns = append(sess.turns, t)
	sess.lastActive = t.Time

	// Trim oldest turns over the cap. Sequence numbers keep counting so
	// ordering stays meaningful across the trim.
	if len(sess.turns) > s.maxTurns {
		overflow := len(sess.turns) - s.maxTurns
		sess.turns = append([]Turn(nil), sess.turns[overflow:]...)
	}

	return t
}

// History returns a consistent snapshot of the session's turns at call
// time. Unknown sessions yield an empty slice.
func (s *Store) History(id string) []Turn {
	s.mu.RLock()
	sess, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok {
		return []Turn{}
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	out := make([]Turn, len(sess.turns))
	copy(out, sess.turns)
	return out
}

// Clear atomically truncates the session's history to empty. The session
// itself survives so the client can keep using the same id.
//
// Known race, by contract: a reasoning cycle already in flight for this
// session may append its result after the clear. That append wins
// (last-writer-wins) and becomes the first turn of the fresh history.
func (s *Store) Clear(id string) {
	s.mu.RLock()
	sess, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok {
		return
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.turns = nil
	sess.nextSeq = 0
	sess.lastActive = time.Now()
	s.logger.Info("session cleared", "session", id)
}

// ClearAll truncates every session's history. Admin operation; session
// ids stay valid.
func (s *Store) ClearAll() int {
	s.mu.RLock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	for _, id := range ids {
		s.Clear(id)
	}
	return len(ids)
}

// Drop removes the session entirely. Used by the drop-on-disconnect
// retention policy.
func (s *Store) Drop(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; ok {
		delete(s.sessions, id)
		s.logger.Debug("session dropped", "session", id)
	}
}

// EvictIdle removes sessions whose last activity is older than maxAge
// and returns how many were evicted. Safe to run concurrently with all
// other operations.
func (s *Store) EvictIdle(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)

	s.mu.Lock()
	defer s.mu.Unlock()

	evicted := 0
	for id, sess := range s.sessions {
		sess.mu.Lock()
		idle := sess.lastActive.Before(cutoff)
		sess.mu.Unlock()
		if idle {
			delete(s.sessions, id)
			evicted++
		}
	}

	if evicted > 0 {
		s.logger.Info("idle sessions evicted", "count", evicted, "max_age", maxAge)
	}
	return evicted
}

// Stats returns store statistics.
func (s *Store) Stats() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()

	turns := 0
	for _, sess := range s.sessions {
		sess.mu.Lock()
		turns += len(sess.turns)
		sess.mu.Unlock()
	}

	return map[string]any{
		"sessions":  len(s.sessions),
		"turns":     turns,
		"max_turns": s.maxTurns,
	}
}
