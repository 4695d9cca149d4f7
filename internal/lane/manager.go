package lane

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/SkynetNext/bedrock-proxy/internal/metrics"
)

// DefaultCapacity is the number of sessions pinned to one lane
const DefaultCapacity = 64

// Manager hands out lanes to sessions, filling each lane up to capacity
// before starting a new one
type Manager struct {
	capacity int
	log      *zap.Logger

	mu     sync.Mutex
	lanes  []*Lane
	nextID int
	closed bool
}

// NewManager creates a lane manager
func NewManager(capacity int, log *zap.Logger) *Manager {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{capacity: capacity, log: log}
}

// Assign pins a new occupant to the first lane with room, creating a lane
// when all are full
func (m *Manager) Assign() (*Lane, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}
	for _, l := range m.lanes {
		if l.assigned < m.capacity {
			l.assigned++
			return l, nil
		}
	}

	l := newLane(m.nextID, m.log)
	m.nextID++
	l.assigned = 1
	m.lanes = append(m.lanes, l)
	metrics.LanesActive.Set(float64(len(m.lanes)))
	m.log.Debug("Started lane", zap.Int("lane", l.id), zap.Int("lanes", len(m.lanes)))
	return l, nil
}

// Release unpins one occupant from l
func (m *Manager) Release(l *Lane) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l.assigned > 0 {
		l.assigned--
	}
}

// Len returns the number of running lanes
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.lanes)
}

// Cleanup stops lanes that have no occupants, keeping the first one warm
func (m *Manager) Cleanup() int {
	m.mu.Lock()
	var idle []*Lane
	kept := m.lanes[:0]
	for i, l := range m.lanes {
		if l.assigned == 0 && i > 0 {
			idle = append(idle, l)
			continue
		}
		kept = append(kept, l)
	}
	m.lanes = kept
	metrics.LanesActive.Set(float64(len(m.lanes)))
	m.mu.Unlock()

	for _, l := range idle {
		l.Close()
	}
	return len(idle)
}

// StartCleanup periodically stops idle lanes until ctx is done
func (m *Manager) StartCleanup(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.Cleanup(); n > 0 {
				m.log.Debug("Stopped idle lanes", zap.Int("count", n))
			}
		}
	}
}

// Close stops every lane after its queued tasks have run
func (m *Manager) Close() {
	m.mu.Lock()
	lanes := m.lanes
	m.lanes = nil
	m.closed = true
	m.mu.Unlock()

	for _, l := range lanes {
		l.Close()
	}
	metrics.LanesActive.Set(0)
}
