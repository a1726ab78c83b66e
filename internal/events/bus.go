// Package events publishes engine lifecycle events to NATS.
//
// Events are published to subjects:
//
//	projects.{project_id}.phase.{phase}.{status}
//	projects.{project_id}.session.{session_id}.{status}
//	projects.{project_id}.cycle.{seq}.{status}
//	projects.{project_id}.message.{message_id}
//
// Subscribers (dashboards, external runtimes, log sinks) can watch
// `projects.>` for the full stream. A nil *Bus is safe to use and
// publishes nothing, so callers never need to branch on whether
// eventing is configured.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Bus publishes lifecycle events over a NATS connection.
type Bus struct {
	nc     *nats.Conn
	logger *zap.Logger
}

// NewBus creates an event bus over an established connection.
func NewBus(nc *nats.Conn, logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{nc: nc, logger: logger}
}

// PhaseEvent is the payload for phase transitions.
type PhaseEvent struct {
	ProjectID string    `json:"project_id"`
	Phase     string    `json:"phase"`
	Index     int       `json:"index"`
	Status    string    `json:"status"`
	Cause     string    `json:"cause,omitempty"`
	At        time.Time `json:"at"`
}

// SessionEvent is the payload for session lifecycle changes.
type SessionEvent struct {
	ProjectID string    `json:"project_id"`
	SessionID string    `json:"session_id"`
	Role      string    `json:"role,omitempty"`
	Status    string    `json:"status"`
	At        time.Time `json:"at"`
}

// CycleEvent is the payload for evolution cycle boundaries.
type CycleEvent struct {
	ProjectID string    `json:"project_id"`
	Seq       uint64    `json:"seq"`
	Status    string    `json:"status"`
	Summary   string    `json:"summary,omitempty"`
	At        time.Time `json:"at"`
}

// MessageEvent is the payload for routed message deliveries.
type MessageEvent struct {
	ProjectID string    `json:"project_id,omitempty"`
	MessageID string    `json:"message_id"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Kind      string    `json:"kind"`
	At        time.Time `json:"at"`
}

// PublishPhase publishes a phase transition event.
func (b *Bus) PublishPhase(ev PhaseEvent) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	b.publish(fmt.Sprintf("projects.%s.phase.%s.%s", ev.ProjectID, ev.Phase, ev.Status), ev)
}

// PublishSession publishes a session lifecycle event.
func (b *Bus) PublishSession(ev SessionEvent) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	b.publish(fmt.Sprintf("projects.%s.session.%s.%s", ev.ProjectID, ev.SessionID, ev.Status), ev)
}

// PublishCycle publishes an evolution cycle event.
func (b *Bus) PublishCycle(ev CycleEvent) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	b.publish(fmt.Sprintf("projects.%s.cycle.%d.%s", ev.ProjectID, ev.Seq, ev.Status), ev)
}

// PublishMessage publishes a routed message event.
func (b *Bus) PublishMessage(ev MessageEvent) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	project := ev.ProjectID
	if project == "" {
		project = "_"
	}
	b.publish(fmt.Sprintf("projects.%s.message.%s", project, ev.MessageID), ev)
}

func (b *Bus) publish(subject string, v any) {
	if b == nil || b.nc == nil {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		b.logger.Warn("failed to marshal event", zap.String("subject", subject), zap.Error(err))
		return
	}
	if err := b.nc.Publish(subject, data); err != nil {
		b.logger.Warn("failed to publish event", zap.String("subject", subject), zap.Error(err))
	}
}
