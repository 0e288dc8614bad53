package retry

import (
	"time"

	"taskpilot/internal/domain"
	"taskpilot/internal/taskerr"
)

const (
	DefaultMaxAttempts = 3
	DefaultBase        = 30 * time.Second
	DefaultCap         = 30 * time.Minute
)

// Policy decides the outcome of a failed execution.
type Policy struct {
	MaxAttempts int
	Base        time.Duration
	Cap         time.Duration
}

func Default() Policy {
	return Policy{MaxAttempts: DefaultMaxAttempts, Base: DefaultBase, Cap: DefaultCap}
}

// Decision is what the dispatcher applies to the execution and the task.
type Decision struct {
	Status domain.ExecutionStatus
	Retry  bool
	Delay  time.Duration
}

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.Base <= 0 {
		p.Base = DefaultBase
	}
	if p.Cap <= 0 {
		p.Cap = DefaultCap
	}
	return p
}

// Backoff returns min(base * 2^(attempt-1), cap).
func (p Policy) Backoff(attempt int) time.Duration {
	p = p.withDefaults()
	if attempt < 1 {
		attempt = 1
	}
	d := p.Base
	for i := 1; i < attempt; i++ {
		if d >= p.Cap {
			return p.Cap
		}
		d *= 2
	}
	if d > p.Cap {
		return p.Cap
	}
	return d
}

// Decide maps a failed attempt onto retrying or failed. Cancelled executions
// never reach the policy.
func (p Policy) Decide(attempt int, class taskerr.Class) Decision {
	p = p.withDefaults()
	if class == taskerr.ClassPermanent || attempt >= p.MaxAttempts {
		return Decision{Status: domain.StatusFailed}
	}
	return Decision{Status: domain.StatusRetrying, Retry: true, Delay: p.Backoff(attempt)}
}
