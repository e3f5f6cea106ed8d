// Package session defines the investigation session record and its
// workflow state machine. A session is one end-to-end investigation
// instance carrying accumulated role outputs and phase-transition history.
package session

import (
	"time"

	"github.com/google/uuid"
)

// Phase represents a distinct stage of the investigation workflow.
type Phase string

const (
	// PhaseIntake validates and records the inbound request.
	PhaseIntake Phase = "intake"

	// PhasePlanning builds the investigation plan via the planning tool.
	PhasePlanning Phase = "planning"

	// PhaseTriage delegates log/error triage to the triage collaborator.
	PhaseTriage Phase = "triage"

	// PhaseCodeAnalysis delegates root-cause analysis of the implicated code.
	PhaseCodeAnalysis Phase = "code_analysis"

	// PhaseSynthesis delegates consolidation of findings into an RCA artifact.
	PhaseSynthesis Phase = "synthesis"

	// PhasePublish records the final artifact and result.
	PhasePublish Phase = "publish"

	// PhaseCompleted is the terminal phase for a finished investigation.
	PhaseCompleted Phase = "completed"

	// PhaseFailed is the terminal phase for an investigation that stopped early.
	PhaseFailed Phase = "failed"
)

// Status is the overall outcome of a session.
type Status string

const (
	StatusRunning Status = "RUNNING"
	StatusSuccess Status = "SUCCESS"
	StatusPartial Status = "PARTIAL"
	StatusFailure Status = "FAILURE"
)

// Terminal reports whether the status is a final value. Once terminal,
// no further phase work may be attributed to the session.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusPartial || s == StatusFailure
}

// Role identifies a remote collaborator responsibility.
type Role string

const (
	RoleTriage       Role = "triage"
	RoleCodeAnalysis Role = "code_analysis"
	RoleSynthesis    Role = "synthesis"
)

// Transition records one phase change. The history is append-only.
type Transition struct {
	From   Phase     `json:"from"`
	To     Phase     `json:"to"`
	At     time.Time `json:"at"`
	Reason string    `json:"reason"`
}

// WorkflowState tracks the current phase and the full transition history.
type WorkflowState struct {
	Current Phase        `json:"current"`
	History []Transition `json:"history"`
}

// NewWorkflowState returns a state positioned at the intake phase with
// an empty history.
func NewWorkflowState() *WorkflowState {
	return &WorkflowState{Current: PhaseIntake}
}

// TransitionTo appends a transition record and updates the current phase.
// It deliberately performs no legality check: error paths must be able to
// jump to PhaseFailed from any point. Terminal stickiness is the owning
// engine's responsibility.
func (w *WorkflowState) TransitionTo(to Phase, reason string) {
	w.History = append(w.History, Transition{
		From:   w.Current,
		To:     to,
		At:     time.Now(),
		Reason: reason,
	})
	w.Current = to
}

// Session is one investigation instance.
type Session struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	ProjectID string `json:"project_id,omitempty"`
	RepoURL   string `json:"repo_url,omitempty"`

	Workflow *WorkflowState `json:"workflow"`

	// Findings holds the raw per-role output as recorded by the engine.
	Findings map[Role]string `json:"findings"`

	// Confidences maps each role to its reported confidence (0.0-1.0).
	Confidences map[Role]float64 `json:"confidences"`

	Blockers        []string `json:"blockers,omitempty"`
	Warnings        []string `json:"warnings,omitempty"`
	Recommendations []string `json:"recommendations,omitempty"`

	// ArtifactRef points at the published RCA artifact, when one exists.
	ArtifactRef string `json:"artifact_ref,omitempty"`

	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// New creates a running session in the intake phase.
func New(userID, projectID, repoURL string) *Session {
	now := time.Now()
	return &Session{
		ID:          uuid.New().String(),
		UserID:      userID,
		ProjectID:   projectID,
		RepoURL:     repoURL,
		Workflow:    NewWorkflowState(),
		Findings:    make(map[Role]string),
		Confidences: make(map[Role]float64),
		Status:      StatusRunning,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Terminal reports whether the session has reached a final status.
func (s *Session) Terminal() bool {
	return s.Status.Terminal()
}

// RecordFinding stores a role's raw output and confidence.
func (s *Session) RecordFinding(role Role, finding string, confidence float64) {
	s.Findings[role] = finding
	s.Confidences[role] = confidence
	s.UpdatedAt = time.Now()
}

// OverallConfidence is the arithmetic mean of the recorded role confidences.
// Returns 0 when no role has reported.
func (s *Session) OverallConfidence() float64 {
	if len(s.Confidences) == 0 {
		return 0
	}
	var sum float64
	for _, c := range s.Confidences {
		sum += c
	}
	return sum / float64(len(s.Confidences))
}
