package router

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify_FirstMatchWins(t *testing.T) {
	r := New([]Rule{
		{Name: "first", Pattern: regexp.MustCompile(`logs`), Target: TargetOperational},
		{Name: "second", Pattern: regexp.MustCompile(`logs from`), Target: TargetWorkflow},
	})

	rule, ok := r.Classify("fetch logs from the gateway")
	require.True(t, ok)
	assert.Equal(t, "first", rule.Name)
	assert.Equal(t, TargetOperational, rule.Target)
}

func TestClassify_NoMatch(t *testing.T) {
	r := New(DefaultRules())
	_, ok := r.Classify("why do checkout requests intermittently return 502 after the last deploy?")
	assert.False(t, ok)
}

func TestDefaultRules(t *testing.T) {
	r := New(DefaultRules())

	tests := []struct {
		text string
		rule string
	}{
		{"please fetch logs for the payment service", "log-fetch"},
		{"tail the logs of pod payments-7f9", "log-fetch"},
		{"check the health of the ingress controller", "status-check"},
		{"what is the status of cluster prod-eu", "status-check"},
		{"restart the checkout deployment", "restart"},
		{"bounce the api pods in staging", "restart"},
		{"list pods in namespace billing", "list-resources"},
		{"show deployments for team-infra", "list-resources"},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			rule, ok := r.Classify(tt.text)
			require.True(t, ok, "expected a match")
			assert.Equal(t, tt.rule, rule.Name)
			assert.Equal(t, TargetOperational, rule.Target)
		})
	}
}

func TestDefaultRules_InvestigationsPassThrough(t *testing.T) {
	r := New(DefaultRules())

	for _, text := range []string{
		"investigate elevated error rates on the orders API",
		"customers report double charges since yesterday's release",
		"root cause the OOM kills in the worker fleet",
	} {
		_, ok := r.Classify(text)
		assert.False(t, ok, "should not bypass: %q", text)
	}
}

func TestClassify_EmptyRules(t *testing.T) {
	r := New(nil)
	_, ok := r.Classify("anything")
	assert.False(t, ok)
}
