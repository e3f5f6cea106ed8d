package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/fyrsmithlabs/incidentd/internal/delegate"
	"github.com/fyrsmithlabs/incidentd/internal/events"
	"github.com/fyrsmithlabs/incidentd/internal/jobs"
	"github.com/fyrsmithlabs/incidentd/internal/planner"
	"github.com/fyrsmithlabs/incidentd/internal/router"
	"github.com/fyrsmithlabs/incidentd/internal/session"
)

// goodArtifact satisfies the publish gate: long enough and carrying the
// expected headings.
const goodArtifact = "## Summary\nCheckout 502s traced to connection pool exhaustion.\n## Root Cause\nPool cap too low after traffic doubled.\n## Remediation\nRaise pool size and add saturation alerting."

type stubPlanner struct {
	plan *planner.Plan
	err  error
}

func (s *stubPlanner) CreatePlan(context.Context, string) (*planner.Plan, error) {
	return s.plan, s.err
}

func goodPlan() *planner.Plan {
	return &planner.Plan{Steps: []planner.Step{
		{Assignee: "triage", Description: "pull logs"},
		{Assignee: "code_analysis", Description: "inspect pool config"},
	}}
}

// fakeDelegator scripts per-call behavior and records the metas it saw.
type fakeDelegator struct {
	mu sync.Mutex

	triageMetas []delegate.Meta
	triageFn    func(call int, meta delegate.Meta) (*delegate.TriageOutcome, error)

	analysisCalls int
	analysisFn    func(call int) (*delegate.AnalysisOutcome, error)

	synthesisCalls int
	synthesisFn    func(call int) (*delegate.SynthesisOutcome, error)

	operationalFn func(command string) (string, error)
}

func (f *fakeDelegator) Triage(_ context.Context, meta delegate.Meta, _ string) (*delegate.TriageOutcome, error) {
	f.mu.Lock()
	f.triageMetas = append(f.triageMetas, meta)
	call := len(f.triageMetas)
	f.mu.Unlock()
	return f.triageFn(call, meta)
}

func (f *fakeDelegator) Analysis(context.Context, delegate.Meta, string) (*delegate.AnalysisOutcome, error) {
	f.mu.Lock()
	f.analysisCalls++
	call := f.analysisCalls
	f.mu.Unlock()
	return f.analysisFn(call)
}

func (f *fakeDelegator) Synthesis(context.Context, delegate.Meta, string) (*delegate.SynthesisOutcome, error) {
	f.mu.Lock()
	f.synthesisCalls++
	call := f.synthesisCalls
	f.mu.Unlock()
	return f.synthesisFn(call)
}

func (f *fakeDelegator) Operational(_ context.Context, _ delegate.Meta, command string) (string, error) {
	return f.operationalFn(command)
}

func (f *fakeDelegator) triageCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.triageMetas)
}

// recordingPublisher counts events; delivery must never block the workflow.
type recordingPublisher struct {
	mu     sync.Mutex
	events []string
}

func (p *recordingPublisher) Publish(_, _, _, _ string, _ events.DisplayKind, _ events.Severity, message string, _ map[string]string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, message)
}

func (p *recordingPublisher) Progress(_, _, _, _ string, _ int, message string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, message)
}

func (p *recordingPublisher) messages() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.events...)
}

func happyDelegator() *fakeDelegator {
	return &fakeDelegator{
		triageFn: func(int, delegate.Meta) (*delegate.TriageOutcome, error) {
			return &delegate.TriageOutcome{
				Status:         delegate.TriageErrorIdentified,
				Confidence:     0.8,
				ErrorSignature: "pq: sorry, too many clients already",
			}, nil
		},
		analysisFn: func(int) (*delegate.AnalysisOutcome, error) {
			return &delegate.AnalysisOutcome{
				Status:     delegate.AnalysisRootCauseIdentified,
				Confidence: 0.7,
				RootCause:  "connection pool capped at 10 while peak load needs 40",
			}, nil
		},
		synthesisFn: func(int) (*delegate.SynthesisOutcome, error) {
			return &delegate.SynthesisOutcome{
				Status:      delegate.SynthesisComplete,
				Confidence:  0.7,
				Artifact:    goodArtifact,
				ArtifactURL: "https://rca.example.com/doc/1",
			}, nil
		},
	}
}

type testHarness struct {
	engine *Engine
	jobs   *jobs.Manager
	store  session.Store
	pub    *recordingPublisher
}

func newHarness(t *testing.T, del Delegator, pl Planner, rt *router.Router, models []string) *testHarness {
	t.Helper()
	logger := zaptest.NewLogger(t)
	jm := jobs.NewManager(0, logger)
	store := session.NewMemoryStore()
	pub := &recordingPublisher{}

	eng, err := New(Config{
		Planner:        pl,
		Delegator:      del,
		Publisher:      pub,
		Jobs:           jm,
		Store:          store,
		Router:         rt,
		Models:         models,
		SessionTimeout: 30 * time.Second,
	}, logger)
	require.NoError(t, err)
	return &testHarness{engine: eng, jobs: jm, store: store, pub: pub}
}

func waitJob(t *testing.T, m *jobs.Manager, id string) *jobs.Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, ok := m.Get(id)
		require.True(t, ok)
		if job.Status != jobs.StatusRunning {
			return job
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("job never reached a terminal status")
	return nil
}

func baseRequest() Request {
	return Request{
		UserRequest: "checkout requests intermittently return 502 after the last deploy",
		ProjectID:   "shop",
		RepoURL:     "https://git.example.com/shop/checkout",
		UserEmail:   "oncall@example.com",
	}
}

func TestSubmit_EndToEndSuccess(t *testing.T) {
	h := newHarness(t, happyDelegator(), &stubPlanner{plan: goodPlan()}, nil, nil)

	sub, err := h.engine.Submit(baseRequest())
	require.NoError(t, err)
	require.NotEmpty(t, sub.JobID)
	require.NotEmpty(t, sub.SessionID)
	assert.Empty(t, sub.Routed)

	job := waitJob(t, h.jobs, sub.JobID)
	require.Equal(t, jobs.StatusCompleted, job.Status)

	report, ok := job.Result.(*Report)
	require.True(t, ok)
	assert.Equal(t, session.StatusSuccess, report.Status)
	assert.Equal(t, sub.SessionID, report.SessionID)
	assert.InDelta(t, (0.8+0.7+0.7)/3, report.Confidence, 1e-9)
	assert.Equal(t, "https://rca.example.com/doc/1", report.RCAURL)

	sess, err := h.store.Load(context.Background(), sub.SessionID)
	require.NoError(t, err)
	assert.Equal(t, session.PhaseCompleted, sess.Workflow.Current)
	assert.Equal(t, session.StatusSuccess, sess.Status)
	assert.Contains(t, sess.Findings[session.RoleTriage], "too many clients")
}

func TestRun_LogsCarryCorrelationIDs(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	logger := zap.New(core)

	jm := jobs.NewManager(0, logger)
	eng, err := New(Config{
		Planner:        &stubPlanner{plan: goodPlan()},
		Delegator:      happyDelegator(),
		Publisher:      &recordingPublisher{},
		Jobs:           jm,
		Store:          session.NewMemoryStore(),
		SessionTimeout: 30 * time.Second,
	}, logger)
	require.NoError(t, err)

	sub, err := eng.Submit(baseRequest())
	require.NoError(t, err)
	waitJob(t, jm, sub.JobID)

	entries := logs.FilterMessage("investigation finished").All()
	require.NotEmpty(t, entries)
	fields := entries[0].ContextMap()
	assert.Equal(t, sub.SessionID, fields["session.id"])
	assert.Equal(t, sub.JobID, fields["job.id"])
	assert.Equal(t, "oncall@example.com", fields["user.id"])
}

func TestSubmit_ValidatesInput(t *testing.T) {
	h := newHarness(t, happyDelegator(), &stubPlanner{plan: goodPlan()}, nil, nil)

	var verr *ValidationError
	_, err := h.engine.Submit(Request{UserEmail: "a@b.c"})
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "user_request", verr.Field)

	_, err = h.engine.Submit(Request{UserRequest: "help"})
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "user_email", verr.Field)
}

func TestSubmit_SoftSingleFlight(t *testing.T) {
	del := happyDelegator()
	// Hold triage open so the first job stays RUNNING.
	release := make(chan struct{})
	del.triageFn = func(int, delegate.Meta) (*delegate.TriageOutcome, error) {
		<-release
		return &delegate.TriageOutcome{Status: delegate.TriageErrorIdentified, Confidence: 0.9, ErrorSignature: "sig"}, nil
	}
	h := newHarness(t, del, &stubPlanner{plan: goodPlan()}, nil, nil)

	sub, err := h.engine.Submit(baseRequest())
	require.NoError(t, err)

	var aerr *ActiveJobError
	_, err = h.engine.Submit(baseRequest())
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, sub.JobID, aerr.JobID)

	close(release)
	waitJob(t, h.jobs, sub.JobID)

	// Slot frees once the first job is terminal.
	sub2, err := h.engine.Submit(baseRequest())
	require.NoError(t, err)
	waitJob(t, h.jobs, sub2.JobID)
}

func TestRun_PlanningFailureIsFailure(t *testing.T) {
	h := newHarness(t, happyDelegator(), &stubPlanner{err: errors.New("tool unavailable")}, nil, nil)

	sub, err := h.engine.Submit(baseRequest())
	require.NoError(t, err)

	job := waitJob(t, h.jobs, sub.JobID)
	require.Equal(t, jobs.StatusFailed, job.Status)

	report := job.Result.(*Report)
	assert.Equal(t, session.StatusFailure, report.Status)
	assert.Contains(t, report.Reason, "planning failed")

	sess, err := h.store.Load(context.Background(), sub.SessionID)
	require.NoError(t, err)
	assert.Equal(t, session.PhaseFailed, sess.Workflow.Current)
}

func TestRun_EmptyPlanFailsGate(t *testing.T) {
	h := newHarness(t, happyDelegator(), &stubPlanner{plan: &planner.Plan{}}, nil, nil)

	sub, err := h.engine.Submit(baseRequest())
	require.NoError(t, err)

	job := waitJob(t, h.jobs, sub.JobID)
	require.Equal(t, jobs.StatusFailed, job.Status)
	assert.Contains(t, job.Result.(*Report).Reason, "plan missing or has no steps")
}

func TestRun_TriageRetriesOnceThenPasses(t *testing.T) {
	del := happyDelegator()
	del.triageFn = func(call int, _ delegate.Meta) (*delegate.TriageOutcome, error) {
		if call == 1 {
			// No evidence: gate asks for a retry.
			return &delegate.TriageOutcome{Status: delegate.TriageNoErrorFound, Confidence: 0.6}, nil
		}
		return &delegate.TriageOutcome{Status: delegate.TriageErrorIdentified, Confidence: 0.8, ErrorSignature: "sig"}, nil
	}
	h := newHarness(t, del, &stubPlanner{plan: goodPlan()}, nil, nil)

	sub, err := h.engine.Submit(baseRequest())
	require.NoError(t, err)

	job := waitJob(t, h.jobs, sub.JobID)
	assert.Equal(t, jobs.StatusCompleted, job.Status)
	assert.Equal(t, 2, del.triageCount())
}

func TestRun_SecondTriageRetryFails(t *testing.T) {
	del := happyDelegator()
	del.triageFn = func(int, delegate.Meta) (*delegate.TriageOutcome, error) {
		return &delegate.TriageOutcome{Status: delegate.TriageNoErrorFound, Confidence: 0.6}, nil
	}
	h := newHarness(t, del, &stubPlanner{plan: goodPlan()}, nil, nil)

	sub, err := h.engine.Submit(baseRequest())
	require.NoError(t, err)

	job := waitJob(t, h.jobs, sub.JobID)
	require.Equal(t, jobs.StatusFailed, job.Status)
	assert.Equal(t, 2, del.triageCount())
	assert.Contains(t, job.Result.(*Report).Reason, "after retry")
}

func TestRun_AnalysisFailureIsPartial(t *testing.T) {
	del := happyDelegator()
	del.analysisFn = func(int) (*delegate.AnalysisOutcome, error) {
		return &delegate.AnalysisOutcome{Status: delegate.AnalysisFailed, Confidence: 0}, nil
	}
	h := newHarness(t, del, &stubPlanner{plan: goodPlan()}, nil, nil)

	sub, err := h.engine.Submit(baseRequest())
	require.NoError(t, err)

	job := waitJob(t, h.jobs, sub.JobID)
	require.Equal(t, jobs.StatusPartial, job.Status)

	report := job.Result.(*Report)
	assert.Equal(t, session.StatusPartial, report.Status)

	// Triage findings survive the partial failure.
	sess, err := h.store.Load(context.Background(), sub.SessionID)
	require.NoError(t, err)
	assert.NotEmpty(t, sess.Findings[session.RoleTriage])
	assert.NotEmpty(t, sess.Blockers)
}

func TestRun_SynthesisShortArtifactRetriesThenPartial(t *testing.T) {
	del := happyDelegator()
	del.synthesisFn = func(int) (*delegate.SynthesisOutcome, error) {
		return &delegate.SynthesisOutcome{Status: delegate.SynthesisComplete, Confidence: 0.9, Artifact: "too short"}, nil
	}
	h := newHarness(t, del, &stubPlanner{plan: goodPlan()}, nil, nil)

	sub, err := h.engine.Submit(baseRequest())
	require.NoError(t, err)

	job := waitJob(t, h.jobs, sub.JobID)
	require.Equal(t, jobs.StatusPartial, job.Status)
	assert.Equal(t, 2, del.synthesisCalls)
}

func TestRun_ModelFallbackOnQuota(t *testing.T) {
	del := happyDelegator()
	del.triageFn = func(_ int, meta delegate.Meta) (*delegate.TriageOutcome, error) {
		if meta.Model == "primary" {
			return nil, errors.New("error 429: resource_exhausted")
		}
		return &delegate.TriageOutcome{Status: delegate.TriageErrorIdentified, Confidence: 0.8, ErrorSignature: "sig"}, nil
	}
	h := newHarness(t, del, &stubPlanner{plan: goodPlan()}, nil, []string{"primary", "backup"})

	sub, err := h.engine.Submit(baseRequest())
	require.NoError(t, err)

	job := waitJob(t, h.jobs, sub.JobID)
	require.Equal(t, jobs.StatusCompleted, job.Status)

	require.Len(t, del.triageMetas, 2)
	assert.Equal(t, "primary", del.triageMetas[0].Model)
	assert.Equal(t, "backup", del.triageMetas[1].Model)
}

func TestRun_QuotaInDegradedBodyTriggersFallback(t *testing.T) {
	del := happyDelegator()
	del.triageFn = func(_ int, meta delegate.Meta) (*delegate.TriageOutcome, error) {
		if meta.Model == "primary" {
			// Transport success, but the body reads like quota exhaustion
			// and failed schema validation.
			return &delegate.TriageOutcome{
				Status:         delegate.TriageFailed,
				ErrorSignature: "quota exceeded for model primary",
				Degraded:       true,
			}, nil
		}
		return &delegate.TriageOutcome{Status: delegate.TriageErrorIdentified, Confidence: 0.8, ErrorSignature: "sig"}, nil
	}
	h := newHarness(t, del, &stubPlanner{plan: goodPlan()}, nil, []string{"primary", "backup"})

	sub, err := h.engine.Submit(baseRequest())
	require.NoError(t, err)

	job := waitJob(t, h.jobs, sub.JobID)
	assert.Equal(t, jobs.StatusCompleted, job.Status)
	assert.Equal(t, 2, del.triageCount())
}

func TestSubmit_OperationalBypass(t *testing.T) {
	del := happyDelegator()
	del.operationalFn = func(command string) (string, error) {
		assert.Contains(t, command, "logs")
		return "last 100 lines of payment logs", nil
	}
	h := newHarness(t, del, &stubPlanner{plan: goodPlan()}, router.New(router.DefaultRules()), nil)

	req := baseRequest()
	req.UserRequest = "fetch logs for the payment service"
	sub, err := h.engine.Submit(req)
	require.NoError(t, err)
	assert.Equal(t, "log-fetch", sub.Routed)

	job := waitJob(t, h.jobs, sub.JobID)
	require.Equal(t, jobs.StatusCompleted, job.Status)
	assert.Equal(t, "last 100 lines of payment logs", job.Result)
	assert.Equal(t, 0, del.triageCount(), "workflow must not run on bypass")
}

func TestSubmit_OperationalBypassFailure(t *testing.T) {
	del := happyDelegator()
	del.operationalFn = func(string) (string, error) {
		return "", errors.New("delegate unreachable")
	}
	h := newHarness(t, del, &stubPlanner{plan: goodPlan()}, router.New(router.DefaultRules()), nil)

	req := baseRequest()
	req.UserRequest = "restart the checkout deployment"
	sub, err := h.engine.Submit(req)
	require.NoError(t, err)
	assert.Equal(t, "restart", sub.Routed)

	job := waitJob(t, h.jobs, sub.JobID)
	assert.Equal(t, jobs.StatusFailed, job.Status)
	assert.Contains(t, job.Error, "delegate unreachable")
}

// failingStore always errors on Save; persistence is best-effort and the
// in-memory session stays authoritative.
type failingStore struct{}

func (failingStore) Save(context.Context, *session.Session) error {
	return errors.New("kv unavailable")
}

func (failingStore) Load(context.Context, string) (*session.Session, error) {
	return nil, session.ErrNotFound
}

func TestRun_StoreFailureDoesNotFailWorkflow(t *testing.T) {
	logger := zaptest.NewLogger(t)
	jm := jobs.NewManager(0, logger)
	pub := &recordingPublisher{}

	eng, err := New(Config{
		Planner:   &stubPlanner{plan: goodPlan()},
		Delegator: happyDelegator(),
		Publisher: pub,
		Jobs:      jm,
		Store:     failingStore{},
	}, logger)
	require.NoError(t, err)

	sub, err := eng.Submit(baseRequest())
	require.NoError(t, err)

	job := waitJob(t, jm, sub.JobID)
	assert.Equal(t, jobs.StatusCompleted, job.Status)
}

func TestRun_PublishesPhaseProgress(t *testing.T) {
	h := newHarness(t, happyDelegator(), &stubPlanner{plan: goodPlan()}, nil, nil)

	sub, err := h.engine.Submit(baseRequest())
	require.NoError(t, err)
	waitJob(t, h.jobs, sub.JobID)

	joined := strings.Join(h.pub.messages(), "\n")
	for _, phase := range []string{"planning", "triage", "code_analysis", "synthesis", "publish"} {
		assert.Contains(t, joined, "entering "+phase)
	}
	assert.Contains(t, joined, "investigation SUCCESS")
}
