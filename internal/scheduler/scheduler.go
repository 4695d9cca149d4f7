// Package scheduler runs delayed and periodic callbacks for the proxy core.
package scheduler

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Handle cancels a scheduled callback
type Handle struct {
	once sync.Once
	stop chan struct{}
	s    *Scheduler
}

// Cancel stops the callback from running again. A callback already running
// is not interrupted.
func (h *Handle) Cancel() {
	h.once.Do(func() {
		close(h.stop)
		h.s.remove(h)
	})
}

// Scheduler runs callbacks on their own goroutines
type Scheduler struct {
	log *zap.Logger

	mu      sync.Mutex
	handles map[*Handle]struct{}
	wg      sync.WaitGroup
	closed  bool
}

// New creates a scheduler. log may be nil.
func New(log *zap.Logger) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Scheduler{log: log, handles: make(map[*Handle]struct{})}
}

// Schedule runs fn once after delay and then every period. A zero period
// runs fn only once. Scheduling on a stopped scheduler returns a handle that
// never fires.
func (s *Scheduler) Schedule(fn func(), delay, period time.Duration) *Handle {
	h := &Handle{stop: make(chan struct{}), s: s}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		close(h.stop)
		return h
	}
	s.handles[h] = struct{}{}
	s.wg.Add(1)
	s.mu.Unlock()

	go s.run(h, fn, delay, period)
	return h
}

func (s *Scheduler) run(h *Handle, fn func(), delay, period time.Duration) {
	defer s.wg.Done()

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-h.stop:
		return
	case <-timer.C:
	}
	s.call(fn)

	if period <= 0 {
		h.Cancel()
		return
	}

	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-h.stop:
			return
		case <-ticker.C:
			s.call(fn)
		}
	}
}

func (s *Scheduler) call(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("Scheduled task panicked", zap.Any("panic", r))
		}
	}()
	fn()
}

func (s *Scheduler) remove(h *Handle) {
	s.mu.Lock()
	delete(s.handles, h)
	s.mu.Unlock()
}

// Pending returns the number of callbacks that have not finished for good
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handles)
}

// Stop cancels every scheduled callback and waits for running ones to return
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.closed = true
	handles := make([]*Handle, 0, len(s.handles))
	for h := range s.handles {
		handles = append(handles, h)
	}
	s.mu.Unlock()

	for _, h := range handles {
		h.Cancel()
	}
	s.wg.Wait()
}
