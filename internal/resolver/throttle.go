package resolver

import "time"

// Attempt is the per-identity resolution bookkeeping. It lives only as long as the process
// and is reset when the identity changes.
type Attempt struct {
	LastAttemptAt time.Time
	LastTimeoutAt time.Time
	InFlight      bool
}

// Decision is the throttle policy verdict for one resolution trigger.
type Decision string

const (
	Proceed         Decision = "proceed"
	SkipThrottled   Decision = "skip_throttled"
	SkipCoolingDown Decision = "skip_cooling_down"
)

// Policy spaces resolution attempts. Throttle applies to non-forced attempts only; Cooldown,
// armed by a timeout, applies to every attempt.
type Policy struct {
	Throttle time.Duration
	Cooldown time.Duration
}

// DefaultPolicy is 2s between attempts and 20s after a timeout.
var DefaultPolicy = Policy{Throttle: 2 * time.Second, Cooldown: 20 * time.Second}

// Decide returns whether an attempt at now may proceed. It never mutates a.
func (p Policy) Decide(a Attempt, now time.Time, force bool) Decision {
	if !a.LastTimeoutAt.IsZero() && now.Sub(a.LastTimeoutAt) < p.Cooldown {
		return SkipCoolingDown
	}
	if !force && !a.LastAttemptAt.IsZero() && now.Sub(a.LastAttemptAt) < p.Throttle {
		return SkipThrottled
	}
	return Proceed
}

// Remaining returns how long until Decide stops returning a skip for a non-forced attempt.
func (p Policy) Remaining(a Attempt, now time.Time) time.Duration {
	var wait time.Duration
	if !a.LastTimeoutAt.IsZero() {
		if d := p.Cooldown - now.Sub(a.LastTimeoutAt); d > wait {
			wait = d
		}
	}
	if !a.LastAttemptAt.IsZero() {
		if d := p.Throttle - now.Sub(a.LastAttemptAt); d > wait {
			wait = d
		}
	}
	return wait
}
