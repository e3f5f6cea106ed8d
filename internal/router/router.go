// Package router classifies inbound request text before the workflow
// engine sees it. Simple operational asks (log pulls, restarts, status
// checks) short-circuit to a single delegated call instead of running the
// full multi-phase investigation.
package router

import "regexp"

// Target names where a matched request is sent.
type Target string

const (
	// TargetOperational bypasses the workflow for one operational delegation.
	TargetOperational Target = "operational"
	// TargetWorkflow runs the full investigation.
	TargetWorkflow Target = "workflow"
)

// Rule pairs a compiled pattern with its routing target. Rules are
// evaluated in order and the first match wins.
type Rule struct {
	Name    string
	Pattern *regexp.Regexp
	Target  Target
}

// Router is a stateless first-match classifier over an ordered rule list.
type Router struct {
	rules []Rule
}

// New builds a router from rules, preserving their order.
func New(rules []Rule) *Router {
	return &Router{rules: rules}
}

// Classify returns the first rule whose pattern matches text. When no
// rule matches, ok is false and the caller should run the full workflow.
func (r *Router) Classify(text string) (rule Rule, ok bool) {
	for _, rl := range r.rules {
		if rl.Pattern.MatchString(text) {
			return rl, true
		}
	}
	return Rule{}, false
}

// DefaultRules covers the operational requests that never need a
// multi-phase investigation.
func DefaultRules() []Rule {
	return []Rule{
		{
			Name:    "log-fetch",
			Pattern: regexp.MustCompile(`(?i)\b(show|get|fetch|tail|pull)\b.*\blogs?\b`),
			Target:  TargetOperational,
		},
		{
			Name:    "status-check",
			Pattern: regexp.MustCompile(`(?i)\b(status|health|uptime)\b.*\bof\b|\bcheck\b.*\b(status|health)\b`),
			Target:  TargetOperational,
		},
		{
			Name:    "restart",
			Pattern: regexp.MustCompile(`(?i)\b(restart|reboot|bounce)\b.*\b(pod|service|deployment|node|container)s?\b`),
			Target:  TargetOperational,
		},
		{
			Name:    "list-resources",
			Pattern: regexp.MustCompile(`(?i)^\s*(list|show|describe)\b.*\b(pods?|nodes?|services?|deployments?|namespaces?|events?)\b`),
			Target:  TargetOperational,
		},
	}
}
