package orchestrator

import (
	"math/rand"
	"time"

	"blog-pipeline/internal/stage"
)

// RetryPolicy computes how long to wait before retrying a failed stage.
// Transient failures back off exponentially with jitter; quota failures wait
// a long, flat interval since short retries cannot help.
type RetryPolicy struct {
	Base       time.Duration
	Cap        time.Duration
	QuotaDelay time.Duration

	// jitter returns a random duration in [0, max). Injectable for tests.
	jitter func(max time.Duration) time.Duration
}

// NewRetryPolicy builds a policy with real jitter.
func NewRetryPolicy(base, cap, quotaDelay time.Duration) *RetryPolicy {
	return &RetryPolicy{
		Base:       base,
		Cap:        cap,
		QuotaDelay: quotaDelay,
		jitter: func(max time.Duration) time.Duration {
			if max <= 0 {
				return 0
			}
			return time.Duration(rand.Int63n(int64(max)))
		},
	}
}

// Delay returns the wait before attempt number attempt (1-based) is retried.
func (p *RetryPolicy) Delay(kind stage.Kind, attempt int) time.Duration {
	if kind == stage.KindQuota {
		return p.QuotaDelay
	}
	if attempt < 1 {
		attempt = 1
	}

	wait := p.Base
	for i := 1; i < attempt; i++ {
		wait *= 2
		if wait >= p.Cap {
			wait = p.Cap
			break
		}
	}
	if wait > p.Cap {
		wait = p.Cap
	}
	// Half fixed, half jittered, so the wait never collapses to zero.
	return wait/2 + p.jitter(wait/2)
}
