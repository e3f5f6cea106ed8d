// Package fallback retries a computation across an ordered list of
// alternative backing execution targets. Quota exhaustion is soft-detected
// from error and response text; all candidates are tried before the
// wrapper fails.
package fallback

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// quotaMarkers are the known resource-exhaustion signatures. They show up
// both in transport errors and inside otherwise-successful response bodies.
var quotaMarkers = []string{
	"resource_exhausted",
	"resource exhausted",
	"quota exceeded",
	"quota_exceeded",
	"rate limit",
	"rate-limited",
	"429",
	"insufficient_quota",
}

// QuotaError marks a soft quota-exhaustion failure detected in a response.
type QuotaError struct {
	Candidate string
	Detail    string
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("quota exhausted on %s: %s", e.Candidate, e.Detail)
}

// IsQuota reports whether err is quota exhaustion, either a *QuotaError or
// any error whose text carries a known marker.
func IsQuota(err error) bool {
	if err == nil {
		return false
	}
	var qe *QuotaError
	if errors.As(err, &qe) {
		return true
	}
	return TextIndicatesQuota(err.Error())
}

// TextIndicatesQuota reports whether s carries a known resource-exhaustion
// marker. Callers use this to inspect success-looking response bodies and
// convert them into a *QuotaError before returning.
func TextIndicatesQuota(s string) bool {
	lower := strings.ToLower(s)
	for _, m := range quotaMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

// Run iterates candidates in order. For each it builds a fresh execution
// context via create and executes run. Quota failures are logged and skipped;
// any other failure is also skipped under the policy that non-quota errors
// may still be candidate-specific. Only after every candidate has failed
// does the most recent error propagate (exhaust-all-before-failing, not
// first-match).
func Run[C, X, R any](
	ctx context.Context,
	logger *zap.Logger,
	candidates []C,
	create func(context.Context, C) (X, error),
	run func(context.Context, X) (R, error),
) (R, error) {
	var zero R
	if len(candidates) == 0 {
		return zero, errors.New("no candidates configured")
	}

	var lastErr error
	for _, cand := range candidates {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		execCtx, err := create(ctx, cand)
		if err != nil {
			lastErr = err
			logger.Warn("candidate setup failed, trying next",
				zap.Any("candidate", cand), zap.Error(err))
			continue
		}

		result, err := run(ctx, execCtx)
		if err == nil {
			return result, nil
		}

		lastErr = err
		if IsQuota(err) {
			logger.Warn("candidate quota exhausted, trying next",
				zap.Any("candidate", cand), zap.Error(err))
		} else {
			logger.Warn("candidate failed, trying next",
				zap.Any("candidate", cand), zap.Error(err))
		}
	}

	return zero, fmt.Errorf("all candidates exhausted: %w", lastErr)
}
