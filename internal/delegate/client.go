package delegate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/incidentd/internal/session"
)

// Defaults preserved for behavioral parity with the deployed system.
const (
	// DefaultRoleTimeout bounds triage/analysis/synthesis calls.
	DefaultRoleTimeout = 900 * time.Second

	// DefaultOperationalTimeout bounds simple operational commands.
	DefaultOperationalTimeout = 600 * time.Second

	// DefaultMaxAttempts is the per-delegation attempt cap.
	DefaultMaxAttempts = 2

	defaultRateLimit = 4 // requests per second across all roles
	defaultBurst     = 8
)

// Config configures the delegation client.
type Config struct {
	// Endpoints maps each role to its collaborator base URL.
	Endpoints map[session.Role]string

	// OperationalEndpoint serves simple bypass commands via /execute.
	OperationalEndpoint string

	RoleTimeout        time.Duration
	OperationalTimeout time.Duration

	// MaxAttempts caps attempts per delegation call (default 2).
	MaxAttempts int
}

func (c *Config) applyDefaults() {
	if c.RoleTimeout == 0 {
		c.RoleTimeout = DefaultRoleTimeout
	}
	if c.OperationalTimeout == 0 {
		c.OperationalTimeout = DefaultOperationalTimeout
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
}

// Meta carries the per-session request context every envelope includes.
type Meta struct {
	SessionID string
	UserEmail string

	// Model optionally pins the collaborator's backing model; set by the
	// fallback wrapper when iterating candidates.
	Model string
}

// envelope is the wire request for POST {endpoint}/chat.
type envelope struct {
	Message   string            `json:"message"`
	SessionID string            `json:"session_id"`
	UserEmail string            `json:"user_email"`
	Headers   map[string]string `json:"headers,omitempty"`
}

// chatResponse is the wire response; the role payload is typically JSON or
// fenced JSON embedded in Response.
type chatResponse struct {
	Response string `json:"response"`
}

// execRequest is the wire request for POST {endpoint}/execute.
type execRequest struct {
	Prompt    string `json:"prompt"`
	SessionID string `json:"session_id"`
	UserEmail string `json:"user_email"`
}

// execResponse is the operational delegate's wire response.
type execResponse struct {
	Success  bool   `json:"success"`
	Response string `json:"response,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Client delegates sub-tasks to remote role collaborators.
type Client struct {
	cfg        Config
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *zap.Logger
}

// NewClient creates a delegation client. The http.Client carries no global
// timeout; each call is bounded by a per-request context deadline.
func NewClient(cfg Config, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	cfg.applyDefaults()
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{},
		limiter:    rate.NewLimiter(rate.Limit(defaultRateLimit), defaultBurst),
		logger:     logger,
	}, nil
}

// Triage delegates the triage task. Parse and validation failures never
// surface as errors: they become a degraded outcome with confidence 0.
func (c *Client) Triage(ctx context.Context, meta Meta, task string) (*TriageOutcome, error) {
	raw, err := c.chat(ctx, session.RoleTriage, meta, task)
	if err != nil {
		return nil, err
	}
	payload, ok := ExtractJSON(raw)
	if !ok {
		return degradedTriage(raw), nil
	}
	var out TriageOutcome
	if err := json.Unmarshal(payload, &out); err != nil || !validTriageStatus(out.Status) {
		return degradedTriage(raw), nil
	}
	out.Confidence = clampConfidence(out.Confidence)
	return &out, nil
}

// Analysis delegates the code-analysis task.
func (c *Client) Analysis(ctx context.Context, meta Meta, task string) (*AnalysisOutcome, error) {
	raw, err := c.chat(ctx, session.RoleCodeAnalysis, meta, task)
	if err != nil {
		return nil, err
	}
	payload, ok := ExtractJSON(raw)
	if !ok {
		return degradedAnalysis(raw), nil
	}
	var out AnalysisOutcome
	if err := json.Unmarshal(payload, &out); err != nil || !validAnalysisStatus(out.Status) {
		return degradedAnalysis(raw), nil
	}
	out.Confidence = clampConfidence(out.Confidence)
	return &out, nil
}

// Synthesis delegates the synthesis task.
func (c *Client) Synthesis(ctx context.Context, meta Meta, task string) (*SynthesisOutcome, error) {
	raw, err := c.chat(ctx, session.RoleSynthesis, meta, task)
	if err != nil {
		return nil, err
	}
	payload, ok := ExtractJSON(raw)
	if !ok {
		return degradedSynthesis(raw), nil
	}
	var out SynthesisOutcome
	if err := json.Unmarshal(payload, &out); err != nil || !validSynthesisStatus(out.Status) {
		return degradedSynthesis(raw), nil
	}
	out.Confidence = clampConfidence(out.Confidence)
	return &out, nil
}

// Operational runs a simple single-step command against the operational
// delegate, bypassing the full workflow.
func (c *Client) Operational(ctx context.Context, meta Meta, command string) (string, error) {
	if c.cfg.OperationalEndpoint == "" {
		return "", fmt.Errorf("no operational endpoint configured")
	}
	body := execRequest{Prompt: command, SessionID: meta.SessionID, UserEmail: meta.UserEmail}

	raw, err := c.post(ctx, "operational", c.cfg.OperationalEndpoint+"/execute", body, c.cfg.OperationalTimeout)
	if err != nil {
		return "", err
	}

	var resp execResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("decode operational response: %w", err)
	}
	if !resp.Success {
		return "", fmt.Errorf("operational command failed: %s", resp.Error)
	}
	return resp.Response, nil
}

// chat issues the role-specific request envelope and returns the embedded
// response text.
func (c *Client) chat(ctx context.Context, role session.Role, meta Meta, task string) (string, error) {
	endpoint, ok := c.cfg.Endpoints[role]
	if !ok || endpoint == "" {
		return "", fmt.Errorf("no endpoint configured for role %s", role)
	}

	env := envelope{
		Message:   task,
		SessionID: meta.SessionID,
		UserEmail: meta.UserEmail,
	}
	if meta.Model != "" {
		env.Headers = map[string]string{"x-model-override": meta.Model}
	}

	raw, err := c.post(ctx, string(role), endpoint+"/chat", env, c.cfg.RoleTimeout)
	if err != nil {
		return "", err
	}

	// Some collaborators answer with the payload at the top level instead
	// of inside a response envelope; an object without a response field
	// decodes cleanly but empty, so both cases fall back to the raw body.
	var resp chatResponse
	if err := json.Unmarshal(raw, &resp); err != nil || resp.Response == "" {
		return string(raw), nil
	}
	return resp.Response, nil
}

// post performs the bounded-timeout call with retry. HTTP 5xx and
// connection/timeout failures are retried up to the attempt cap with
// exponential backoff; 4xx fails immediately.
func (c *Client) post(ctx context.Context, role, url string, body any, timeout time.Duration) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	jsonData, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < c.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			backoff := time.Second * time.Duration(1<<(attempt-1))
			c.logger.Info("retrying delegation",
				zap.String("role", role),
				zap.Int("attempt", attempt+1),
				zap.Duration("backoff", backoff))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		data, err := c.doRequest(ctx, role, url, jsonData, timeout)
		if err == nil {
			attemptsTotal.WithLabelValues(role, "ok").Inc()
			return data, nil
		}

		lastErr = err
		if !isRetryableError(err) {
			attemptsTotal.WithLabelValues(role, "rejected").Inc()
			return nil, err
		}
		attemptsTotal.WithLabelValues(role, "retryable").Inc()
	}

	return nil, fmt.Errorf("%w: %w", ErrRetriesExhausted, lastErr)
}

// doRequest performs one HTTP attempt.
func (c *Client) doRequest(ctx context.Context, role, url string, body []byte, timeout time.Duration) ([]byte, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Connection failures and deadline hits are retryable.
		return nil, &retryableError{err: fmt.Errorf("call %s: %w", role, err)}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &retryableError{err: fmt.Errorf("read %s response: %w", role, err)}
	}

	callDuration.WithLabelValues(role).Observe(time.Since(start).Seconds())

	switch {
	case resp.StatusCode >= 500:
		return nil, &retryableError{err: fmt.Errorf("%s returned %d: %s", role, resp.StatusCode, snippet(string(data)))}
	case resp.StatusCode >= 400:
		return nil, &RejectedError{Role: role, StatusCode: resp.StatusCode, Body: string(data)}
	}

	return data, nil
}

func validTriageStatus(s TriageStatus) bool {
	switch s {
	case TriageErrorIdentified, TriageNoErrorFound, TriageFailed:
		return true
	}
	return false
}

func validAnalysisStatus(s AnalysisStatus) bool {
	switch s {
	case AnalysisRootCauseIdentified, AnalysisHypothesisOnly, AnalysisInsufficientData, AnalysisFailed:
		return true
	}
	return false
}

func validSynthesisStatus(s SynthesisStatus) bool {
	switch s {
	case SynthesisComplete, SynthesisFailed:
		return true
	}
	return false
}
