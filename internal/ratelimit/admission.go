package ratelimit

// Rejection reasons reported by Admission.Admit
const (
	ReasonIPLimit     = "ip_limit"
	ReasonGlobalLimit = "global_limit"
)

// Admission applies the per-address and global connection limits to a new
// client in one step
type Admission struct {
	global *Limiter
	perIP  *IPLimiter
}

// NewAdmission creates an admission check
func NewAdmission(maxConns int64, maxConnsPerIP, rateLimit int) *Admission {
	return &Admission{
		global: NewLimiter(maxConns),
		perIP:  NewIPLimiter(maxConnsPerIP, rateLimit),
	}
}

// Admit takes a slot for a client from ip. On success it returns the
// function that gives the slot back; otherwise it returns the reason.
func (a *Admission) Admit(ip string) (release func(), reason string) {
	if !a.perIP.Allow(ip) {
		return nil, ReasonIPLimit
	}
	if !a.global.Allow() {
		a.perIP.Release(ip)
		return nil, ReasonGlobalLimit
	}
	return func() {
		a.global.Release()
		a.perIP.Release(ip)
	}, ""
}

// SetLimits changes all limits without dropping the current counts
func (a *Admission) SetLimits(maxConns int64, maxConnsPerIP, rateLimit int) {
	a.global.SetMax(maxConns)
	a.perIP.SetLimits(maxConnsPerIP, rateLimit)
}

// Global returns the global limiter
func (a *Admission) Global() *Limiter {
	return a.global
}
