// Package jobs tracks asynchronous investigations in an in-memory
// registry. The executing workflow mutates a job while pollers read it
// concurrently; every accessor returns a snapshot copy.
package jobs

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Status is a job's lifecycle state.
type Status string

const (
	StatusRunning        Status = "RUNNING"
	StatusCompleted      Status = "COMPLETED"
	StatusFailed         Status = "FAILED"
	StatusPartial        Status = "PARTIAL"
	StatusWaitingForUser Status = "WAITING_FOR_USER"
)

// active reports whether a job in this status still occupies the user's
// soft single-flight slot.
func (s Status) active() bool {
	return s == StatusRunning || s == StatusWaitingForUser
}

// DefaultEventCap bounds the per-job event log; the oldest entries are
// dropped first.
const DefaultEventCap = 100

// Event is one progress entry in a job's bounded log.
type Event struct {
	Type    string    `json:"type"`
	Message string    `json:"message"`
	Source  string    `json:"source"`
	At      time.Time `json:"at"`
}

// Job is one tracked investigation.
type Job struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Request   string    `json:"request"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Events    []Event   `json:"events,omitempty"`
	Result    any       `json:"result,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// Manager is the concurrency-safe job registry. It is an explicit object
// owned by the running process and injected where needed; there is no
// package-level registry.
type Manager struct {
	mu       sync.RWMutex
	jobs     map[string]*Job
	eventCap int
	logger   *zap.Logger
}

// NewManager creates an empty registry. eventCap <= 0 selects the default.
func NewManager(eventCap int, logger *zap.Logger) *Manager {
	if eventCap <= 0 {
		eventCap = DefaultEventCap
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		jobs:     make(map[string]*Job),
		eventCap: eventCap,
		logger:   logger,
	}
}

// Create registers a new RUNNING job and returns its id.
func (m *Manager) Create(userID, request string) string {
	now := time.Now()
	job := &Job{
		ID:        uuid.New().String(),
		UserID:    userID,
		Request:   request,
		Status:    StatusRunning,
		CreatedAt: now,
		UpdatedAt: now,
	}

	m.mu.Lock()
	m.jobs[job.ID] = job
	m.mu.Unlock()

	m.logger.Info("job created", zap.String("job_id", job.ID), zap.String("user_id", userID))
	return job.ID
}

// UpdateResult stores the final result and moves the job to the given
// terminal status.
func (m *Manager) UpdateResult(id string, result any, status Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[id]
	if !ok {
		return fmt.Errorf("job not found: %s", id)
	}
	job.Result = result
	job.Status = status
	job.UpdatedAt = time.Now()
	return nil
}

// Fail marks the job FAILED with the given error.
func (m *Manager) Fail(id string, jobErr error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[id]
	if !ok {
		return fmt.Errorf("job not found: %s", id)
	}
	job.Status = StatusFailed
	job.Error = jobErr.Error()
	job.UpdatedAt = time.Now()
	return nil
}

// AppendEvent adds a progress entry, trimming the oldest once the cap is
// reached.
func (m *Manager) AppendEvent(id, eventType, message, source string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[id]
	if !ok {
		return fmt.Errorf("job not found: %s", id)
	}

	job.Events = append(job.Events, Event{
		Type:    eventType,
		Message: message,
		Source:  source,
		At:      time.Now(),
	})
	if len(job.Events) > m.eventCap {
		job.Events = job.Events[len(job.Events)-m.eventCap:]
	}
	job.UpdatedAt = time.Now()
	return nil
}

// Get returns a snapshot of the job; mutating it does not affect the
// registry.
func (m *Manager) Get(id string) (*Job, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	job, ok := m.jobs[id]
	if !ok {
		return nil, false
	}
	return job.clone(), true
}

// ActiveForUser returns the first RUNNING or WAITING_FOR_USER job for the
// user. This is a soft single-flight check: an unlocked-by-design linear
// scan that concurrent submissions from the same user can race past.
func (m *Manager) ActiveForUser(userID string) (*Job, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, job := range m.jobs {
		if job.UserID == userID && job.Status.active() {
			return job.clone(), true
		}
	}
	return nil, false
}

func (j *Job) clone() *Job {
	cp := *j
	if j.Events != nil {
		cp.Events = make([]Event, len(j.Events))
		copy(cp.Events, j.Events)
	}
	return &cp
}
