// Package delegate issues sub-tasks to remote role collaborators over HTTP
// and converts their responses into typed, validated outcomes. Transport
// failures are retried; malformed payloads become deterministic degraded
// outcomes instead of errors.
package delegate

import "unicode/utf8"

// snippetLimit caps the raw-text excerpt carried by a degraded outcome.
const snippetLimit = 500

// degradedBlocker is the blocker recorded when a collaborator's payload
// cannot be parsed or fails shape validation.
const degradedBlocker = "invalid or non-JSON output"

// TriageStatus is the terminal state reported by the triage collaborator.
type TriageStatus string

const (
	TriageErrorIdentified TriageStatus = "error_identified"
	TriageNoErrorFound    TriageStatus = "no_error_found"
	TriageFailed          TriageStatus = "failed"
)

// TriageOutcome is the triage collaborator's validated result.
type TriageOutcome struct {
	Status          TriageStatus `json:"status"`
	Confidence      float64      `json:"confidence"`
	ErrorSignature  string       `json:"error_signature,omitempty"`
	StackTrace      string       `json:"stack_trace,omitempty"`
	AffectedService string       `json:"affected_service,omitempty"`
	Blockers        []string     `json:"blockers,omitempty"`
	Recommendations []string     `json:"recommendations,omitempty"`

	// Degraded marks an outcome synthesized from an unparseable response.
	Degraded bool `json:"degraded,omitempty"`
}

// HasEvidence reports whether triage produced a concrete error signature
// or stack trace.
func (o *TriageOutcome) HasEvidence() bool {
	return o.ErrorSignature != "" || o.StackTrace != ""
}

// degradedTriage builds the deterministic fallback outcome for an invalid
// triage payload.
func degradedTriage(raw string) *TriageOutcome {
	return &TriageOutcome{
		Status:         TriageFailed,
		Confidence:     0.0,
		ErrorSignature: snippet(raw),
		Blockers:       []string{degradedBlocker},
		Degraded:       true,
	}
}

// AnalysisStatus is the terminal state reported by the code-analysis
// collaborator.
type AnalysisStatus string

const (
	AnalysisRootCauseIdentified AnalysisStatus = "root_cause_identified"
	AnalysisHypothesisOnly      AnalysisStatus = "hypothesis_only"
	AnalysisInsufficientData    AnalysisStatus = "insufficient_data"
	AnalysisFailed              AnalysisStatus = "failed"
)

// AnalysisOutcome is the code-analysis collaborator's validated result.
type AnalysisOutcome struct {
	Status          AnalysisStatus `json:"status"`
	Confidence      float64        `json:"confidence"`
	RootCause       string         `json:"root_cause,omitempty"`
	Hypothesis      string         `json:"hypothesis,omitempty"`
	ImplicatedFiles []string       `json:"implicated_files,omitempty"`
	Blockers        []string       `json:"blockers,omitempty"`
	Recommendations []string       `json:"recommendations,omitempty"`

	Degraded bool `json:"degraded,omitempty"`
}

// degradedAnalysis builds the deterministic fallback outcome for an invalid
// analysis payload.
func degradedAnalysis(raw string) *AnalysisOutcome {
	return &AnalysisOutcome{
		Status:     AnalysisFailed,
		Confidence: 0.0,
		Hypothesis: snippet(raw),
		Blockers:   []string{degradedBlocker},
		Degraded:   true,
	}
}

// SynthesisStatus is the terminal state reported by the synthesis
// collaborator.
type SynthesisStatus string

const (
	SynthesisComplete SynthesisStatus = "complete"
	SynthesisFailed   SynthesisStatus = "failed"
)

// SynthesisOutcome is the synthesis collaborator's validated result.
type SynthesisOutcome struct {
	Status          SynthesisStatus `json:"status"`
	Confidence      float64         `json:"confidence"`
	Artifact        string          `json:"artifact,omitempty"`
	ArtifactURL     string          `json:"artifact_url,omitempty"`
	Blockers        []string        `json:"blockers,omitempty"`
	Recommendations []string        `json:"recommendations,omitempty"`

	Degraded bool `json:"degraded,omitempty"`
}

// degradedSynthesis builds the deterministic fallback outcome for an
// invalid synthesis payload.
func degradedSynthesis(raw string) *SynthesisOutcome {
	return &SynthesisOutcome{
		Status:     SynthesisFailed,
		Confidence: 0.0,
		Artifact:   snippet(raw),
		Blockers:   []string{degradedBlocker},
		Degraded:   true,
	}
}

// snippet truncates raw collaborator text for inclusion in degraded
// outcomes and error messages. The cap counts runes so multibyte text is
// never split mid-character.
func snippet(raw string) string {
	if utf8.RuneCountInString(raw) <= snippetLimit {
		return raw
	}
	return string([]rune(raw)[:snippetLimit])
}

// clampConfidence forces a confidence value into [0.0, 1.0]. Collaborators
// occasionally report percentages or negatives.
func clampConfidence(c float64) float64 {
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}
