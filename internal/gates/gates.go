// Package gates holds the pure phase-boundary decision functions. Each
// gate inspects the preceding phase's output and decides whether the
// workflow may proceed, must retry the phase, or must stop.
package gates

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/fyrsmithlabs/incidentd/internal/delegate"
	"github.com/fyrsmithlabs/incidentd/internal/planner"
)

// Verdict is the gate's decision.
type Verdict string

const (
	Pass  Verdict = "PASS"
	Fail  Verdict = "FAIL"
	Retry Verdict = "RETRY"
)

// Decision carries the verdict, a human-readable reason, and an optional
// warning surfaced to the caller on PASS.
type Decision struct {
	Verdict Verdict
	Reason  string
	Warning string
}

// Fixed heuristics, not tunable thresholds.
const (
	// ConfidenceFloor is the minimum role confidence to proceed.
	ConfidenceFloor = 0.3

	// ArtifactFloor is the minimum length of a publishable RCA artifact.
	ArtifactFloor = 100
)

// sectionMarkers are the headings a well-formed RCA artifact carries.
var sectionMarkers = []string{"## Summary", "## Root Cause", "## Remediation"}

// PlanningToTriage admits the plan produced by the planning tool.
func PlanningToTriage(plan *planner.Plan) Decision {
	if plan == nil || len(plan.Steps) == 0 {
		return Decision{Verdict: Fail, Reason: "plan missing or has no steps"}
	}
	d := Decision{Verdict: Pass, Reason: fmt.Sprintf("plan has %d steps", len(plan.Steps))}
	if !strings.EqualFold(plan.Steps[0].Assignee, "triage") {
		d.Warning = fmt.Sprintf("plan does not start with triage (first assignee: %s)", plan.Steps[0].Assignee)
	}
	return d
}

// TriageToAnalysis admits the triage outcome.
func TriageToAnalysis(out *delegate.TriageOutcome) Decision {
	if out.Degraded {
		return Decision{Verdict: Fail, Reason: "triage output failed schema validation"}
	}
	if out.Status == delegate.TriageFailed {
		return Decision{Verdict: Fail, Reason: "triage reported failure"}
	}
	if len(out.Blockers) > 0 && !out.HasEvidence() {
		return Decision{Verdict: Fail, Reason: fmt.Sprintf("triage blocked without evidence: %s", strings.Join(out.Blockers, "; "))}
	}
	if !out.HasEvidence() {
		return Decision{Verdict: Retry, Reason: "no error signature or stack trace found"}
	}
	if out.Confidence < ConfidenceFloor {
		return Decision{Verdict: Retry, Reason: fmt.Sprintf("triage confidence %.2f below %.2f", out.Confidence, ConfidenceFloor)}
	}
	return Decision{Verdict: Pass, Reason: "triage evidence accepted"}
}

// AnalysisToSynthesis admits the code-analysis outcome.
func AnalysisToSynthesis(out *delegate.AnalysisOutcome) Decision {
	if out.Degraded {
		return Decision{Verdict: Fail, Reason: "analysis output failed schema validation"}
	}
	if out.Status == delegate.AnalysisFailed {
		return Decision{Verdict: Fail, Reason: "analysis reported failure"}
	}
	if out.Status == delegate.AnalysisInsufficientData {
		if len(out.Blockers) > 0 {
			return Decision{Verdict: Fail, Reason: fmt.Sprintf("insufficient data: %s", strings.Join(out.Blockers, "; "))}
		}
		return Decision{Verdict: Retry, Reason: "insufficient data, no blockers reported"}
	}
	if out.Confidence < ConfidenceFloor {
		return Decision{Verdict: Fail, Reason: fmt.Sprintf("analysis confidence %.2f below %.2f", out.Confidence, ConfidenceFloor)}
	}
	d := Decision{Verdict: Pass, Reason: "analysis accepted"}
	if out.Status == delegate.AnalysisHypothesisOnly {
		d.Warning = "analysis produced a hypothesis, not a definitive root cause"
	}
	return d
}

// SynthesisToPublish admits the synthesized RCA artifact.
func SynthesisToPublish(out *delegate.SynthesisOutcome) Decision {
	if out.Degraded {
		return Decision{Verdict: Fail, Reason: "synthesis output failed schema validation"}
	}
	if out.Status == delegate.SynthesisFailed {
		return Decision{Verdict: Fail, Reason: "synthesis reported failure"}
	}
	if n := utf8.RuneCountInString(out.Artifact); n < ArtifactFloor {
		return Decision{Verdict: Retry, Reason: fmt.Sprintf("artifact missing or too short (%d chars, need %d)", n, ArtifactFloor)}
	}
	d := Decision{Verdict: Pass, Reason: "artifact accepted"}
	if !hasSectionMarker(out.Artifact) {
		d.Warning = "artifact is missing expected section headings"
	}
	return d
}

func hasSectionMarker(artifact string) bool {
	for _, m := range sectionMarkers {
		if strings.Contains(artifact, m) {
			return true
		}
	}
	return false
}
