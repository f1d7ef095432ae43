package schedule

import (
	"time"

	"github.com/pipewise-io/pipewise/internal/domain"
)

// NextAttemptDelay returns how long to wait before the given attempt number
// (1-based). Attempt 1 runs immediately; later attempts back off
// exponentially from the policy base, capped at the policy max. The delay is
// a pure function of the attempt count, never an unbounded loop.
func NextAttemptDelay(policy domain.RetryPolicy, attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}

	base := policy.BackoffBase
	if base <= 0 {
		base = time.Second
	}

	delay := base
	for i := 2; i < attempt; i++ {
		delay *= 2
		if policy.BackoffMax > 0 && delay >= policy.BackoffMax {
			return policy.BackoffMax
		}
	}
	if policy.BackoffMax > 0 && delay > policy.BackoffMax {
		return policy.BackoffMax
	}
	return delay
}
