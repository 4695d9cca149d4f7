package circuitbreaker

import (
	"sync"
	"time"

	"github.com/SkynetNext/bedrock-proxy/internal/metrics"
)

// Set holds one breaker per backend address
type Set struct {
	maxFailures int64
	timeout     time.Duration

	mu       sync.RWMutex
	breakers map[string]*Breaker
}

// NewSet creates a set whose breakers open after maxFailures and let a trial call through
// again after timeout
func NewSet(maxFailures int64, timeout time.Duration) *Set {
	return &Set{
		maxFailures: maxFailures,
		timeout:     timeout,
		breakers:    make(map[string]*Breaker),
	}
}

// Get gets or creates the breaker for a backend address
func (s *Set) Get(addr string) *Breaker {
	s.mu.RLock()
	b, ok := s.breakers[addr]
	s.mu.RUnlock()
	if ok {
		return b
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// Double-check
	if b, ok = s.breakers[addr]; ok {
		return b
	}
	b = NewBreaker(s.maxFailures, s.timeout)
	s.breakers[addr] = b
	return b
}

// Record feeds the outcome of a dial to addr into its breaker and exports
// the resulting state
func (s *Set) Record(addr string, err error) {
	b := s.Get(addr)
	if err != nil {
		b.RecordFailure()
	} else {
		b.RecordSuccess()
	}
	metrics.CircuitBreakerState.WithLabelValues(addr).Set(float64(b.State()))
}

// States returns the state of every known backend (for monitoring)
func (s *Set) States() map[string]State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]State, len(s.breakers))
	for addr, b := range s.breakers {
		out[addr] = b.State()
	}
	return out
}
