// Package engine runs the investigation workflow: it creates sessions,
// sequences the phases, applies the quality gates between them, and keeps
// the job registry and event stream current while work progresses. Each
// investigation runs in its own goroutine; phases within one session are
// strictly sequential.
package engine

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/incidentd/internal/delegate"
	"github.com/fyrsmithlabs/incidentd/internal/events"
	"github.com/fyrsmithlabs/incidentd/internal/jobs"
	"github.com/fyrsmithlabs/incidentd/internal/logging"
	"github.com/fyrsmithlabs/incidentd/internal/planner"
	"github.com/fyrsmithlabs/incidentd/internal/router"
	"github.com/fyrsmithlabs/incidentd/internal/session"
)

// DefaultSessionTimeout bounds one end-to-end investigation.
const DefaultSessionTimeout = 2 * time.Hour

// Request is the top-level investigation trigger.
type Request struct {
	UserRequest string `json:"user_request"`
	ProjectID   string `json:"project_id,omitempty"`
	RepoURL     string `json:"repo_url,omitempty"`
	UserEmail   string `json:"user_email"`
}

// Report is the consolidated investigation result. Every workflow path
// produces one; the engine's outer boundary never returns an unstructured
// error for a session that started running.
type Report struct {
	Status          session.Status `json:"status"`
	SessionID       string         `json:"session_id"`
	Confidence      float64        `json:"confidence"`
	RCAURL          string         `json:"rca_url,omitempty"`
	Warnings        []string       `json:"warnings,omitempty"`
	Recommendations []string       `json:"recommendations,omitempty"`
	Reason          string         `json:"reason,omitempty"`
}

// ValidationError marks malformed caller input. Fail fast, never enqueue.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Msg)
}

// ActiveJobError is returned when the caller already has an investigation
// in flight. The check is a soft guarantee: concurrent submissions from
// the same user can race past it.
type ActiveJobError struct {
	JobID string
}

func (e *ActiveJobError) Error() string {
	return fmt.Sprintf("an active investigation already exists (job %s)", e.JobID)
}

// Planner produces the investigation plan.
type Planner interface {
	CreatePlan(ctx context.Context, problem string) (*planner.Plan, error)
}

// Delegator issues role sub-tasks to the remote collaborators.
type Delegator interface {
	Triage(ctx context.Context, meta delegate.Meta, task string) (*delegate.TriageOutcome, error)
	Analysis(ctx context.Context, meta delegate.Meta, task string) (*delegate.AnalysisOutcome, error)
	Synthesis(ctx context.Context, meta delegate.Meta, task string) (*delegate.SynthesisOutcome, error)
	Operational(ctx context.Context, meta delegate.Meta, command string) (string, error)
}

// Publisher emits live progress events.
type Publisher interface {
	Publish(userID, sessionID, traceID, role string, display events.DisplayKind, severity events.Severity, message string, metadata map[string]string)
	Progress(userID, sessionID, traceID, role string, percent int, message string)
}

// Config wires the engine's collaborators and policy knobs.
type Config struct {
	Planner   Planner
	Delegator Delegator
	Publisher Publisher
	Jobs      *jobs.Manager
	Store     session.Store
	Router    *router.Router

	// Models is the ordered fallback candidate list applied around every
	// role delegation. Empty means a single unpinned attempt.
	Models []string

	// SessionTimeout bounds one investigation end to end.
	SessionTimeout time.Duration
}

// Engine coordinates investigations.
type Engine struct {
	planner   Planner
	delegator Delegator
	publisher Publisher
	jobs      *jobs.Manager
	store     session.Store
	router    *router.Router
	models    []string
	timeout   time.Duration
	logger    *zap.Logger
}

// New builds an engine. Planner, Delegator, Publisher, Jobs and Store are
// required; Router is optional (no bypass when nil).
func New(cfg Config, logger *zap.Logger) (*Engine, error) {
	switch {
	case cfg.Planner == nil:
		return nil, fmt.Errorf("planner is required")
	case cfg.Delegator == nil:
		return nil, fmt.Errorf("delegator is required")
	case cfg.Publisher == nil:
		return nil, fmt.Errorf("publisher is required")
	case cfg.Jobs == nil:
		return nil, fmt.Errorf("jobs manager is required")
	case cfg.Store == nil:
		return nil, fmt.Errorf("session store is required")
	case logger == nil:
		return nil, fmt.Errorf("logger is required")
	}
	if cfg.SessionTimeout == 0 {
		cfg.SessionTimeout = DefaultSessionTimeout
	}
	models := cfg.Models
	if len(models) == 0 {
		models = []string{""}
	}
	return &Engine{
		planner:   cfg.Planner,
		delegator: cfg.Delegator,
		publisher: cfg.Publisher,
		jobs:      cfg.Jobs,
		store:     cfg.Store,
		router:    cfg.Router,
		models:    models,
		timeout:   cfg.SessionTimeout,
		logger:    logger.Named("engine"),
	}, nil
}

// Submission identifies the async work started by Submit.
type Submission struct {
	JobID     string `json:"job_id"`
	SessionID string `json:"session_id"`

	// Routed names the bypass rule when the request skipped the workflow.
	Routed string `json:"routed,omitempty"`
}

// Submit validates the request, enforces the soft single-flight policy,
// and starts the investigation (or a routed operational command) in the
// background. Progress is tracked through the returned job id.
func (e *Engine) Submit(req Request) (*Submission, error) {
	if req.UserRequest == "" {
		return nil, &ValidationError{Field: "user_request", Msg: "must not be empty"}
	}
	if req.UserEmail == "" {
		return nil, &ValidationError{Field: "user_email", Msg: "must not be empty"}
	}

	if active, ok := e.jobs.ActiveForUser(req.UserEmail); ok {
		return nil, &ActiveJobError{JobID: active.ID}
	}

	sess := session.New(req.UserEmail, req.ProjectID, req.RepoURL)
	jobID := e.jobs.Create(req.UserEmail, req.UserRequest)

	if e.router != nil {
		if rule, ok := e.router.Classify(req.UserRequest); ok && rule.Target == router.TargetOperational {
			go e.runOperational(req, sess, jobID, rule.Name)
			return &Submission{JobID: jobID, SessionID: sess.ID, Routed: rule.Name}, nil
		}
	}

	go e.run(req, sess, jobID)
	return &Submission{JobID: jobID, SessionID: sess.ID}, nil
}

// correlate attaches the investigation's ids to the context so every log
// line below it carries them.
func (e *Engine) correlate(ctx context.Context, req Request, sess *session.Session, jobID string) context.Context {
	ctx = logging.WithSessionID(ctx, sess.ID)
	ctx = logging.WithUserID(ctx, req.UserEmail)
	return logging.WithJobID(ctx, jobID)
}

// runOperational executes a single routed delegation outside the workflow.
func (e *Engine) runOperational(req Request, sess *session.Session, jobID, rule string) {
	ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
	defer cancel()
	ctx = e.correlate(ctx, req, sess, jobID)

	log := e.logger.With(logging.ContextFields(ctx)...)
	e.publisher.Publish(req.UserEmail, sess.ID, jobID, "", events.DisplayLog, events.SeverityInfo,
		fmt.Sprintf("running operational command (rule %s)", rule), nil)

	meta := delegate.Meta{SessionID: sess.ID, UserEmail: req.UserEmail}
	out, err := e.delegator.Operational(ctx, meta, req.UserRequest)
	if err != nil {
		log.Warn("operational command failed", zap.Error(err))
		e.publisher.Publish(req.UserEmail, sess.ID, jobID, "", events.DisplayError, events.SeverityError,
			"operational command failed", nil)
		if ferr := e.jobs.Fail(jobID, err); ferr != nil {
			log.Warn("failed to record job failure", zap.Error(ferr))
		}
		return
	}

	e.publisher.Publish(req.UserEmail, sess.ID, jobID, "", events.DisplayResult, events.SeverityInfo,
		"operational command completed", nil)
	if uerr := e.jobs.UpdateResult(jobID, out, jobs.StatusCompleted); uerr != nil {
		log.Warn("failed to record job result", zap.Error(uerr))
	}
}

// saveSession persists best-effort. Write failures are logged and never
// raised; the in-memory session stays authoritative.
func (e *Engine) saveSession(ctx context.Context, sess *session.Session) {
	if err := e.store.Save(ctx, sess); err != nil {
		e.logger.Warn("session persistence failed",
			zap.String("session_id", sess.ID), zap.Error(err))
	}
}
