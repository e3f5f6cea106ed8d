package engine

import (
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/incidentd/internal/delegate"
)

// Task builders compose the natural-language instruction each collaborator
// receives. The collaborators own their response schemas; the builders
// only supply context accumulated so far.

func (w *worker) triageTask() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Triage the following reported problem and identify the failing component, error signature and stack trace if present.\n\n")
	fmt.Fprintf(&b, "Problem: %s\n", w.req.UserRequest)
	if w.req.ProjectID != "" {
		fmt.Fprintf(&b, "Project: %s\n", w.req.ProjectID)
	}
	if w.req.RepoURL != "" {
		fmt.Fprintf(&b, "Repository: %s\n", w.req.RepoURL)
	}
	return b.String()
}

func (w *worker) analysisTask(triage *delegate.TriageOutcome) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Analyze the code implicated by the triage findings below and identify the root cause.\n\n")
	fmt.Fprintf(&b, "Problem: %s\n", w.req.UserRequest)
	if w.req.RepoURL != "" {
		fmt.Fprintf(&b, "Repository: %s\n", w.req.RepoURL)
	}
	if triage.ErrorSignature != "" {
		fmt.Fprintf(&b, "Error signature: %s\n", triage.ErrorSignature)
	}
	if triage.StackTrace != "" {
		fmt.Fprintf(&b, "Stack trace:\n%s\n", triage.StackTrace)
	}
	if triage.AffectedService != "" {
		fmt.Fprintf(&b, "Affected service: %s\n", triage.AffectedService)
	}
	return b.String()
}

func (w *worker) synthesisTask(triage *delegate.TriageOutcome, analysis *delegate.AnalysisOutcome) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Write the root-cause-analysis report for this investigation. Use '## Summary', '## Root Cause' and '## Remediation' headings.\n\n")
	fmt.Fprintf(&b, "Problem: %s\n", w.req.UserRequest)
	if triage.ErrorSignature != "" {
		fmt.Fprintf(&b, "Error signature: %s\n", triage.ErrorSignature)
	}
	switch {
	case analysis.RootCause != "":
		fmt.Fprintf(&b, "Root cause: %s\n", analysis.RootCause)
	case analysis.Hypothesis != "":
		fmt.Fprintf(&b, "Working hypothesis: %s\n", analysis.Hypothesis)
	}
	if len(analysis.ImplicatedFiles) > 0 {
		fmt.Fprintf(&b, "Implicated files: %s\n", strings.Join(analysis.ImplicatedFiles, ", "))
	}
	return b.String()
}
