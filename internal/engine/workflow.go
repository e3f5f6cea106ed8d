package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/incidentd/internal/delegate"
	"github.com/fyrsmithlabs/incidentd/internal/events"
	"github.com/fyrsmithlabs/incidentd/internal/fallback"
	"github.com/fyrsmithlabs/incidentd/internal/gates"
	"github.com/fyrsmithlabs/incidentd/internal/jobs"
	"github.com/fyrsmithlabs/incidentd/internal/logging"
	"github.com/fyrsmithlabs/incidentd/internal/session"
)

// run executes the full phase sequence for one session. It never panics
// outward and always leaves the job in a terminal state with a structured
// Report attached.
func (e *Engine) run(req Request, sess *session.Session, jobID string) {
	ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
	defer cancel()
	ctx = e.correlate(ctx, req, sess, jobID)

	log := e.logger.With(logging.ContextFields(ctx)...)
	w := &worker{
		e:     e,
		req:   req,
		sess:  sess,
		jobID: jobID,
		log:   log,
	}

	defer func() {
		if r := recover(); r != nil {
			log.Error("workflow panicked", zap.Any("panic", r))
			w.finalize(ctx, session.StatusFailure, fmt.Sprintf("internal error: %v", r))
		}
	}()

	w.investigate(ctx)
}

// worker carries one running investigation's context explicitly through
// the phase chain.
type worker struct {
	e     *Engine
	req   Request
	sess  *session.Session
	jobID string
	log   *zap.Logger
}

func (w *worker) investigate(ctx context.Context) {
	e, sess := w.e, w.sess

	// Planning.
	w.enterPhase(ctx, session.PhasePlanning, "request accepted", 10)
	plan, err := e.planner.CreatePlan(ctx, w.req.UserRequest)
	if err != nil {
		w.log.Warn("planning failed", zap.Error(err))
		w.failPhase(ctx, session.PhasePlanning, fmt.Sprintf("planning failed: %v", err))
		return
	}
	if d := gates.PlanningToTriage(plan); !w.applyGate(ctx, session.PhasePlanning, d) {
		return
	}

	// Triage.
	w.enterPhase(ctx, session.PhaseTriage, "plan accepted", 30)
	triage, err := w.triage(ctx)
	if err != nil {
		w.failPhase(ctx, session.PhaseTriage, fmt.Sprintf("triage delegation failed: %v", err))
		return
	}
	sess.RecordFinding(session.RoleTriage, findingJSON(triage), triage.Confidence)
	sess.Recommendations = append(sess.Recommendations, triage.Recommendations...)
	e.saveSession(ctx, sess)

	// Code analysis.
	w.enterPhase(ctx, session.PhaseCodeAnalysis, "triage accepted", 55)
	analysis, err := w.analysis(ctx, triage)
	if err != nil {
		w.failPhase(ctx, session.PhaseCodeAnalysis, fmt.Sprintf("analysis delegation failed: %v", err))
		return
	}
	sess.RecordFinding(session.RoleCodeAnalysis, findingJSON(analysis), analysis.Confidence)
	sess.Recommendations = append(sess.Recommendations, analysis.Recommendations...)
	e.saveSession(ctx, sess)

	// Synthesis.
	w.enterPhase(ctx, session.PhaseSynthesis, "analysis accepted", 80)
	synth, err := w.synthesis(ctx, triage, analysis)
	if err != nil {
		w.failPhase(ctx, session.PhaseSynthesis, fmt.Sprintf("synthesis delegation failed: %v", err))
		return
	}
	sess.RecordFinding(session.RoleSynthesis, findingJSON(synth), synth.Confidence)
	sess.Recommendations = append(sess.Recommendations, synth.Recommendations...)

	// Publish.
	w.enterPhase(ctx, session.PhasePublish, "artifact accepted", 95)
	sess.ArtifactRef = synth.ArtifactURL

	w.finalize(ctx, session.StatusSuccess, "investigation complete")
}

// triage delegates the triage task, re-delegating once when the gate asks
// for a retry. A second RETRY verdict is treated as a failure.
func (w *worker) triage(ctx context.Context) (*delegate.TriageOutcome, error) {
	task := w.triageTask()
	for attempt := 1; ; attempt++ {
		out, err := w.delegateTriage(ctx, task)
		if err != nil {
			return nil, err
		}
		d := gates.TriageToAnalysis(out)
		switch d.Verdict {
		case gates.Pass:
			w.recordWarning(d.Warning)
			return out, nil
		case gates.Retry:
			if attempt >= 2 {
				return nil, fmt.Errorf("triage gate: %s (after retry)", d.Reason)
			}
			w.log.Info("triage gate requested retry", zap.String("reason", d.Reason))
			w.event(events.SeverityWarning, "retrying triage: "+d.Reason)
		default:
			return nil, fmt.Errorf("triage gate: %s", d.Reason)
		}
	}
}

func (w *worker) analysis(ctx context.Context, triage *delegate.TriageOutcome) (*delegate.AnalysisOutcome, error) {
	task := w.analysisTask(triage)
	for attempt := 1; ; attempt++ {
		out, err := w.delegateAnalysis(ctx, task)
		if err != nil {
			return nil, err
		}
		d := gates.AnalysisToSynthesis(out)
		switch d.Verdict {
		case gates.Pass:
			w.recordWarning(d.Warning)
			return out, nil
		case gates.Retry:
			if attempt >= 2 {
				return nil, fmt.Errorf("analysis gate: %s (after retry)", d.Reason)
			}
			w.log.Info("analysis gate requested retry", zap.String("reason", d.Reason))
			w.event(events.SeverityWarning, "retrying analysis: "+d.Reason)
		default:
			return nil, fmt.Errorf("analysis gate: %s", d.Reason)
		}
	}
}

func (w *worker) synthesis(ctx context.Context, triage *delegate.TriageOutcome, analysis *delegate.AnalysisOutcome) (*delegate.SynthesisOutcome, error) {
	task := w.synthesisTask(triage, analysis)
	for attempt := 1; ; attempt++ {
		out, err := w.delegateSynthesis(ctx, task)
		if err != nil {
			return nil, err
		}
		d := gates.SynthesisToPublish(out)
		switch d.Verdict {
		case gates.Pass:
			w.recordWarning(d.Warning)
			return out, nil
		case gates.Retry:
			if attempt >= 2 {
				return nil, fmt.Errorf("synthesis gate: %s (after retry)", d.Reason)
			}
			w.log.Info("synthesis gate requested retry", zap.String("reason", d.Reason))
			w.event(events.SeverityWarning, "retrying synthesis: "+d.Reason)
		default:
			return nil, fmt.Errorf("synthesis gate: %s", d.Reason)
		}
	}
}

// delegateTriage wraps the triage call in the model fallback loop. A
// degraded outcome whose raw text reads like quota exhaustion is promoted
// to a QuotaError so the next candidate gets a chance.
func (w *worker) delegateTriage(ctx context.Context, task string) (*delegate.TriageOutcome, error) {
	return fallback.Run(ctx, w.log, w.e.models,
		func(_ context.Context, model string) (delegate.Meta, error) {
			return w.meta(model), nil
		},
		func(ctx context.Context, meta delegate.Meta) (*delegate.TriageOutcome, error) {
			out, err := w.e.delegator.Triage(ctx, meta, task)
			if err != nil {
				return nil, err
			}
			if out.Degraded && fallback.TextIndicatesQuota(out.ErrorSignature) {
				return nil, &fallback.QuotaError{Candidate: meta.Model, Detail: out.ErrorSignature}
			}
			return out, nil
		})
}

func (w *worker) delegateAnalysis(ctx context.Context, task string) (*delegate.AnalysisOutcome, error) {
	return fallback.Run(ctx, w.log, w.e.models,
		func(_ context.Context, model string) (delegate.Meta, error) {
			return w.meta(model), nil
		},
		func(ctx context.Context, meta delegate.Meta) (*delegate.AnalysisOutcome, error) {
			out, err := w.e.delegator.Analysis(ctx, meta, task)
			if err != nil {
				return nil, err
			}
			if out.Degraded && fallback.TextIndicatesQuota(out.Hypothesis) {
				return nil, &fallback.QuotaError{Candidate: meta.Model, Detail: out.Hypothesis}
			}
			return out, nil
		})
}

func (w *worker) delegateSynthesis(ctx context.Context, task string) (*delegate.SynthesisOutcome, error) {
	return fallback.Run(ctx, w.log, w.e.models,
		func(_ context.Context, model string) (delegate.Meta, error) {
			return w.meta(model), nil
		},
		func(ctx context.Context, meta delegate.Meta) (*delegate.SynthesisOutcome, error) {
			out, err := w.e.delegator.Synthesis(ctx, meta, task)
			if err != nil {
				return nil, err
			}
			if out.Degraded && fallback.TextIndicatesQuota(out.Artifact) {
				return nil, &fallback.QuotaError{Candidate: meta.Model, Detail: out.Artifact}
			}
			return out, nil
		})
}

func (w *worker) meta(model string) delegate.Meta {
	return delegate.Meta{SessionID: w.sess.ID, UserEmail: w.req.UserEmail, Model: model}
}

// applyGate handles a gate decision at a phase boundary. It returns true
// when the workflow may continue; on FAIL it finalizes the session.
func (w *worker) applyGate(ctx context.Context, phase session.Phase, d gates.Decision) bool {
	switch d.Verdict {
	case gates.Pass:
		w.recordWarning(d.Warning)
		return true
	default:
		w.failPhase(ctx, phase, d.Reason)
		return false
	}
}

// enterPhase transitions the session, persists it, and announces progress.
// Transitions stop once the session is terminal.
func (w *worker) enterPhase(ctx context.Context, phase session.Phase, reason string, progress int) {
	if w.sess.Terminal() {
		return
	}
	w.sess.Workflow.TransitionTo(phase, reason)
	w.e.saveSession(ctx, w.sess)

	msg := fmt.Sprintf("entering %s", phase)
	w.e.publisher.Progress(w.req.UserEmail, w.sess.ID, w.jobID, string(phase), progress, msg)
	if err := w.e.jobs.AppendEvent(w.jobID, "phase", msg, "engine"); err != nil {
		w.log.Warn("failed to append job event", zap.Error(err))
	}
}

// failPhase records a blocker and finalizes the session. Planning and
// triage failures mean nothing useful was produced (FAILURE); failures in
// later phases leave partial findings behind (PARTIAL).
func (w *worker) failPhase(ctx context.Context, phase session.Phase, reason string) {
	w.sess.Blockers = append(w.sess.Blockers, reason)

	status := session.StatusFailure
	if phase == session.PhaseCodeAnalysis || phase == session.PhaseSynthesis {
		status = session.StatusPartial
	}
	w.finalize(ctx, status, reason)
}

// finalize moves the session to its terminal phase exactly once, attaches
// the Report to the job, and emits the closing event.
func (w *worker) finalize(ctx context.Context, status session.Status, reason string) {
	sess := w.sess
	if sess.Terminal() {
		return
	}
	sess.Status = status

	switch status {
	case session.StatusSuccess:
		sess.Workflow.TransitionTo(session.PhaseCompleted, reason)
	default:
		sess.Workflow.TransitionTo(session.PhaseFailed, reason)
	}
	w.e.saveSession(ctx, sess)

	report := &Report{
		Status:          status,
		SessionID:       sess.ID,
		Confidence:      sess.OverallConfidence(),
		RCAURL:          sess.ArtifactRef,
		Warnings:        sess.Warnings,
		Recommendations: sess.Recommendations,
		Reason:          reason,
	}

	jobStatus := jobs.StatusCompleted
	switch status {
	case session.StatusPartial:
		jobStatus = jobs.StatusPartial
	case session.StatusFailure:
		jobStatus = jobs.StatusFailed
	}
	if err := w.e.jobs.UpdateResult(w.jobID, report, jobStatus); err != nil {
		w.log.Warn("failed to record job result", zap.Error(err))
	}

	severity := events.SeverityInfo
	display := events.DisplayResult
	if status == session.StatusFailure {
		severity = events.SeverityError
		display = events.DisplayError
	}
	w.e.publisher.Publish(w.req.UserEmail, sess.ID, w.jobID, "", display, severity,
		fmt.Sprintf("investigation %s: %s", status, reason),
		map[string]string{"confidence": fmt.Sprintf("%.2f", report.Confidence)})

	w.log.Info("investigation finished",
		zap.String("status", string(status)),
		zap.Float64("confidence", report.Confidence),
		zap.String("reason", reason))
}

func (w *worker) recordWarning(warning string) {
	if warning == "" {
		return
	}
	w.sess.Warnings = append(w.sess.Warnings, warning)
	w.event(events.SeverityWarning, warning)
}

func (w *worker) event(severity events.Severity, msg string) {
	w.e.publisher.Publish(w.req.UserEmail, w.sess.ID, w.jobID, string(w.sess.Workflow.Current),
		events.DisplayLog, severity, msg, nil)
	if err := w.e.jobs.AppendEvent(w.jobID, "note", msg, "engine"); err != nil {
		w.log.Warn("failed to append job event", zap.Error(err))
	}
}

// findingJSON renders an outcome for the session's findings map.
func findingJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%+v", v)
	}
	return string(b)
}
