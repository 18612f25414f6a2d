package relay

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"

	"cctprelay/internal/cctp"
)

// TimeoutError is returned when the attempts of a policy ran out while the
// attestation was still pending.
type TimeoutError struct {
	Attempts int
	Elapsed  time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: still pending after %d attempts (%s)", cctp.ErrAttestationTimeout, e.Attempts, e.Elapsed)
}

func (e *TimeoutError) Is(target error) bool {
	return target == cctp.ErrAttestationTimeout
}

// Poller repeatedly fetches an attestation until it is complete, failed, or the
// policy is exhausted.
type Poller struct {
	access AttestationAccess
	clock  Clock
	logger *zap.Logger
	jitter func(limit time.Duration) time.Duration
}

func NewPoller(access AttestationAccess, clock Clock, logger *zap.Logger) *Poller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Poller{
		access: access,
		clock:  clock,
		logger: logger,
		jitter: randomJitter,
	}
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	return rand.N(limit)
}

// Poll returns Complete and Failed results with a nil error. Access errors that wrap
// cctp.ErrDecode become Failed results, rate limiting counts as a pending attempt and
// any other access error is returned as is.
func (p *Poller) Poll(ctx context.Context, query cctp.AttestationQuery, policy PollingPolicy) (cctp.AttestationResult, error) {
	if err := policy.Validate(); err != nil {
		return cctp.AttestationResult{}, err
	}

	start := p.clock.Now()
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return cctp.AttestationResult{Attempts: attempt - 1}, err
		}

		wait := policy.Interval
		var result cctp.AttestationResult
		resp, err := p.access.Fetch(ctx, query)

		var rateLimited *cctp.RateLimitError
		switch {
		case err == nil:
			result = cctp.Classify(query.Version, resp)
		case errors.Is(err, cctp.ErrDecode):
			result = cctp.AttestationResult{Status: cctp.StatusFailed, Reason: err}
		case errors.As(err, &rateLimited):
			result = cctp.AttestationResult{Status: cctp.StatusPending}
			if rateLimited.RetryAfter > wait {
				wait = rateLimited.RetryAfter
			}
			p.logger.Warn("Attestation service rate limited",
				zap.Stringer("query", query),
				zap.Duration("retry_after", rateLimited.RetryAfter))
		default:
			return cctp.AttestationResult{Attempts: attempt}, err
		}
		result.Attempts = attempt

		switch result.Status {
		case cctp.StatusComplete:
			p.logger.Info("Attestation ready",
				zap.Stringer("query", query),
				zap.Int("attempts", attempt))
			return result, nil
		case cctp.StatusFailed:
			p.logger.Warn("Attestation failed",
				zap.Stringer("query", query),
				zap.Int("attempts", attempt),
				zap.Error(result.Reason))
			return result, nil
		}

		if attempt >= policy.MaxAttempts {
			elapsed := p.clock.Now().Sub(start)
			p.logger.Warn("Attestation polling exhausted",
				zap.Stringer("query", query),
				zap.Int("attempts", attempt),
				zap.Duration("elapsed", elapsed))
			return result, &TimeoutError{Attempts: attempt, Elapsed: elapsed}
		}

		wait += p.jitter(policy.Jitter)
		p.logger.Debug("Attestation pending",
			zap.Stringer("query", query),
			zap.Int("attempt", attempt),
			zap.Duration("next_poll_in", wait))
		if err := p.clock.Sleep(ctx, wait); err != nil {
			return result, err
		}
	}
}
