// Package events publishes live investigation progress to NATS. Delivery
// is fire-and-forget with at-most-once semantics and no replay: a late
// subscriber observes only events published after it subscribed.
package events

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// subjectPrefix namespaces all investigation event subjects.
const subjectPrefix = "agent_events"

// Severity classifies an event for display.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// DisplayKind hints how a UI should render the event.
type DisplayKind string

const (
	DisplayProgress DisplayKind = "progress"
	DisplayLog      DisplayKind = "log"
	DisplayError    DisplayKind = "error"
	DisplayResult   DisplayKind = "result"
)

// AgentEvent is one progress notification. It is never persisted by this
// package beyond the transport's own guarantees.
type AgentEvent struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	TraceID   string    `json:"trace_id,omitempty"`
	Source    string    `json:"source"`
	Role      string    `json:"role,omitempty"`
	SessionID string    `json:"session_id"`

	Message  string            `json:"message"`
	Severity Severity          `json:"severity"`
	Progress *int              `json:"progress,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`

	Display DisplayKind `json:"display"`
	Icon    string      `json:"icon,omitempty"`
}

// Subject derives the channel key for (userID, sessionID). A session id
// that arrives already carrying the namespace prefix is reduced to its
// bare id first, so every publisher and subscriber composes the identical
// subject.
func Subject(userID, sessionID string) string {
	sid := sessionID
	if strings.HasPrefix(sid, subjectPrefix+".") {
		sid = sid[strings.LastIndex(sid, ".")+1:]
	}
	return fmt.Sprintf("%s.%s.%s", subjectPrefix, token(userID), token(sid))
}

// token makes a string safe for use as a NATS subject token.
func token(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', ' ', '*', '>':
			return '_'
		}
		return r
	}, s)
}

// Publisher emits AgentEvents for one source component. Publish failures
// are logged and never returned: event publication must not block or fail
// the owning workflow.
type Publisher struct {
	nc     *nats.Conn
	logger *zap.Logger
	source string
}

// NewPublisher creates a publisher attributed to source (e.g. "engine").
func NewPublisher(nc *nats.Conn, logger *zap.Logger, source string) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{nc: nc, logger: logger, source: source}
}

// Publish emits one event on the session's channel.
func (p *Publisher) Publish(userID, sessionID, traceID, role string, display DisplayKind, severity Severity, message string, metadata map[string]string) {
	p.emit(AgentEvent{
		TraceID:  traceID,
		Role:     role,
		Message:  message,
		Severity: severity,
		Metadata: metadata,
		Display:  display,
	}, userID, sessionID)
}

// Progress emits a percentage-bearing progress event.
func (p *Publisher) Progress(userID, sessionID, traceID, role string, percent int, message string) {
	p.emit(AgentEvent{
		TraceID:  traceID,
		Role:     role,
		Message:  message,
		Severity: SeverityInfo,
		Progress: &percent,
		Display:  DisplayProgress,
	}, userID, sessionID)
}

func (p *Publisher) emit(ev AgentEvent, userID, sessionID string) {
	ev.ID = uuid.New().String()
	ev.Timestamp = time.Now()
	ev.Source = p.source
	ev.SessionID = sessionID
	ev.Icon = iconFor(ev.Display, ev.Severity)

	data, err := json.Marshal(ev)
	if err != nil {
		p.logger.Warn("failed to marshal event", zap.Error(err))
		return
	}
	if err := p.nc.Publish(Subject(userID, sessionID), data); err != nil {
		p.logger.Warn("failed to publish event",
			zap.String("session_id", sessionID), zap.Error(err))
	}
}

func iconFor(display DisplayKind, severity Severity) string {
	switch {
	case severity == SeverityError || display == DisplayError:
		return "cross"
	case display == DisplayResult:
		return "check"
	case display == DisplayProgress:
		return "spinner"
	default:
		return "dot"
	}
}

// Subscription is a live feed of one session's events.
type Subscription struct {
	sub *nats.Subscription
	ch  chan *nats.Msg
}

// Subscribe opens a channel-backed subscription for (userID, sessionID).
func Subscribe(nc *nats.Conn, userID, sessionID string) (*Subscription, error) {
	ch := make(chan *nats.Msg, 64)
	sub, err := nc.ChanSubscribe(Subject(userID, sessionID), ch)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", Subject(userID, sessionID), err)
	}
	return &Subscription{sub: sub, ch: ch}, nil
}

// C is the message channel. Decode individual messages with Decode.
func (s *Subscription) C() <-chan *nats.Msg { return s.ch }

// Close unsubscribes. Call on disconnect.
func (s *Subscription) Close() error { return s.sub.Unsubscribe() }

// Decode parses a received message back into an AgentEvent.
func Decode(msg *nats.Msg) (*AgentEvent, error) {
	var ev AgentEvent
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	return &ev, nil
}
