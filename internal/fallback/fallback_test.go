package fallback

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// passthrough create: the candidate name is the execution context.
func passCreate(_ context.Context, c string) (string, error) { return c, nil }

func TestRun_QuotaOnFirstCandidateFallsThrough(t *testing.T) {
	invocations := map[string]int{}

	result, err := Run(context.Background(), zaptest.NewLogger(t),
		[]string{"A", "B"},
		passCreate,
		func(_ context.Context, c string) (string, error) {
			invocations[c]++
			if c == "A" {
				return "", &QuotaError{Candidate: "A", Detail: "RESOURCE_EXHAUSTED"}
			}
			return "result-from-B", nil
		})

	require.NoError(t, err)
	assert.Equal(t, "result-from-B", result)
	assert.Equal(t, 1, invocations["A"])
	assert.Equal(t, 1, invocations["B"])
}

func TestRun_NonQuotaErrorAlsoFallsThrough(t *testing.T) {
	result, err := Run(context.Background(), zaptest.NewLogger(t),
		[]string{"A", "B"},
		passCreate,
		func(_ context.Context, c string) (int, error) {
			if c == "A" {
				return 0, errors.New("candidate-specific breakage")
			}
			return 7, nil
		})

	require.NoError(t, err)
	assert.Equal(t, 7, result)
}

func TestRun_AllExhaustedPropagatesLastError(t *testing.T) {
	_, err := Run(context.Background(), zaptest.NewLogger(t),
		[]string{"A", "B", "C"},
		passCreate,
		func(_ context.Context, c string) (string, error) {
			return "", fmt.Errorf("failed on %s", c)
		})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "all candidates exhausted")
	assert.Contains(t, err.Error(), "failed on C")
}

func TestRun_CreateFailureSkipsCandidate(t *testing.T) {
	result, err := Run(context.Background(), zaptest.NewLogger(t),
		[]string{"broken", "ok"},
		func(_ context.Context, c string) (string, error) {
			if c == "broken" {
				return "", errors.New("no such model")
			}
			return c, nil
		},
		func(_ context.Context, c string) (string, error) {
			return "ran on " + c, nil
		})

	require.NoError(t, err)
	assert.Equal(t, "ran on ok", result)
}

func TestRun_NoCandidates(t *testing.T) {
	_, err := Run(context.Background(), zaptest.NewLogger(t),
		nil, passCreate,
		func(_ context.Context, c string) (string, error) { return c, nil })
	require.Error(t, err)
}

func TestRun_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Run(ctx, zaptest.NewLogger(t),
		[]string{"A"}, passCreate,
		func(_ context.Context, c string) (string, error) { return c, nil })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestIsQuota(t *testing.T) {
	assert.True(t, IsQuota(&QuotaError{Candidate: "A"}))
	assert.True(t, IsQuota(errors.New("upstream said: RESOURCE_EXHAUSTED")))
	assert.True(t, IsQuota(errors.New("http 429 too many requests")))
	assert.False(t, IsQuota(errors.New("connection refused")))
	assert.False(t, IsQuota(nil))
}

func TestTextIndicatesQuota(t *testing.T) {
	// Markers are detected in success-looking response bodies too.
	assert.True(t, TextIndicatesQuota(`{"response":"Quota exceeded for model x"}`))
	assert.True(t, TextIndicatesQuota("You are being rate limited"))
	assert.False(t, TextIndicatesQuota(`{"response":"all good"}`))
}
