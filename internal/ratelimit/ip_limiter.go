package ratelimit

import (
	"sync"
	"time"
)

const (
	rateWindow      = time.Second
	cleanupInterval = 5 * time.Minute
)

// IPLimiter limits concurrent connections and new connections per second
// for each client address
type IPLimiter struct {
	mu            sync.Mutex
	maxConnsPerIP int
	rateLimit     int // connections per second per IP

	ipConns     map[string]int64       // IP -> current connection count
	ipRates     map[string][]time.Time // IP -> recent connection times
	lastCleanup time.Time
}

// NewIPLimiter creates a new IP-based rate limiter
func NewIPLimiter(maxConnsPerIP, rateLimit int) *IPLimiter {
	return &IPLimiter{
		maxConnsPerIP: maxConnsPerIP,
		rateLimit:     rateLimit,
		ipConns:       make(map[string]int64),
		ipRates:       make(map[string][]time.Time),
		lastCleanup:   time.Now(),
	}
}

// SetLimits changes both limits in place, keeping the current counts
func (l *IPLimiter) SetLimits(maxConnsPerIP, rateLimit int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.maxConnsPerIP = maxConnsPerIP
	l.rateLimit = rateLimit
}

// Allow takes a connection slot for ip if both limits permit it
func (l *IPLimiter) Allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if now.Sub(l.lastCleanup) > cleanupInterval {
		l.cleanup(now)
		l.lastCleanup = now
	}

	if l.ipConns[ip] >= int64(l.maxConnsPerIP) {
		return false
	}

	recent := pruneBefore(l.ipRates[ip], now.Add(-rateWindow))
	if len(recent) >= l.rateLimit {
		l.ipRates[ip] = recent
		return false
	}

	l.ipRates[ip] = append(recent, now)
	l.ipConns[ip]++
	return true
}

// Release releases a connection slot for an IP
func (l *IPLimiter) Release(ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if count, ok := l.ipConns[ip]; ok && count > 0 {
		l.ipConns[ip] = count - 1
		if l.ipConns[ip] == 0 {
			delete(l.ipConns, ip)
		}
	}
}

// pruneBefore drops timestamps not after cutoff, reusing the slice
func pruneBefore(times []time.Time, cutoff time.Time) []time.Time {
	valid := 0
	for _, ts := range times {
		if ts.After(cutoff) {
			times[valid] = ts
			valid++
		}
	}
	return times[:valid]
}

// cleanup forgets addresses with no open connections and no recent attempts
func (l *IPLimiter) cleanup(now time.Time) {
	cutoff := now.Add(-rateWindow)
	for ip, times := range l.ipRates {
		if l.ipConns[ip] == 0 && len(pruneBefore(times, cutoff)) == 0 {
			delete(l.ipRates, ip)
		}
	}
}

// GetStats returns statistics for an IP
func (l *IPLimiter) GetStats(ip string) (connCount int64, rateCount int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ipConns[ip], len(pruneBefore(l.ipRates[ip], time.Now().Add(-rateWindow)))
}
