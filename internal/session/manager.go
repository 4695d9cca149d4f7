package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

const idleReason = "Timed out"

// Manager tracks live sessions
// Optimized: uses sharded maps to reduce lock contention
type Manager struct {
	shards [16]*sessionShard // 16 shards for better concurrency
}

type sessionShard struct {
	mu       sync.RWMutex
	sessions map[uuid.UUID]*Session
}

// NewManager creates a new session manager
func NewManager() *Manager {
	m := &Manager{}
	for i := range m.shards {
		m.shards[i] = &sessionShard{
			sessions: make(map[uuid.UUID]*Session),
		}
	}
	return m
}

// getShard returns the shard for a given session ID
func (m *Manager) getShard(id uuid.UUID) *sessionShard {
	// Use low 4 bits of the random part for shard selection (16 shards)
	return m.shards[id[15]&0xF]
}

// Add adds a session
func (m *Manager) Add(s *Session) {
	shard := m.getShard(s.ID())
	shard.mu.Lock()
	defer shard.mu.Unlock()
	shard.sessions[s.ID()] = s
}

// Get gets a session by id
func (m *Manager) Get(id uuid.UUID) (*Session, bool) {
	shard := m.getShard(id)
	shard.mu.RLock()
	defer shard.mu.RUnlock()
	s, ok := shard.sessions[id]
	return s, ok
}

// Lookup gets a session by its string id
func (m *Manager) Lookup(id string) (*Session, bool) {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil, false
	}
	return m.Get(parsed)
}

// Remove removes a session
func (m *Manager) Remove(id uuid.UUID) {
	shard := m.getShard(id)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	delete(shard.sessions, id)
}

// Count returns the number of live sessions
func (m *Manager) Count() int {
	total := 0
	for _, shard := range m.shards {
		shard.mu.RLock()
		total += len(shard.sessions)
		shard.mu.RUnlock()
	}
	return total
}

// CleanupIdle kicks sessions whose client has been silent longer than
// idleTimeout. The sessions remove themselves once their loop ends.
func (m *Manager) CleanupIdle(idleTimeout time.Duration) int {
	now := time.Now()
	var idle []*Session
	for _, shard := range m.shards {
		shard.mu.RLock()
		for _, s := range shard.sessions {
			if now.Sub(s.LastActive()) > idleTimeout {
				idle = append(idle, s)
			}
		}
		shard.mu.RUnlock()
	}

	// Kick outside the shard locks: it waits on the session loop.
	count := 0
	for _, s := range idle {
		if s.Kick(idleReason) == nil {
			count++
		}
	}
	return count
}

// GetAll returns all sessions (for monitoring)
func (m *Manager) GetAll() []*Session {
	all := make([]*Session, 0)
	for _, shard := range m.shards {
		shard.mu.RLock()
		for _, s := range shard.sessions {
			all = append(all, s)
		}
		shard.mu.RUnlock()
	}
	return all
}

// KickAll disconnects every session with reason
func (m *Manager) KickAll(reason string) {
	for _, s := range m.GetAll() {
		_ = s.Kick(reason)
	}
}
