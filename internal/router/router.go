// Package router delivers directives to session mailboxes and collects
// replies asynchronously. Delivery is at-most-once per attempt: Send
// enqueues and returns immediately, Poll is the only consumption path,
// and retry policy belongs to the caller.
package router

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/autodevd/internal/events"
	"github.com/fyrsmithlabs/autodevd/internal/session"
)

// Orchestrator is the reserved address prefix for engine inboxes.
const Orchestrator = "orchestrator"

// Inbox returns the orchestrator inbox address for a project. Each
// project has its own inbox so concurrent consumers never drain one
// another's replies.
func Inbox(projectID string) string {
	if projectID == "" {
		return Orchestrator
	}
	return Orchestrator + "." + projectID
}

func isInbox(addr string) bool {
	return addr == Orchestrator || strings.HasPrefix(addr, Orchestrator+".")
}

// Kind classifies a routed message.
type Kind string

const (
	KindDirective Kind = "directive"
	KindAck       Kind = "ack"
	KindResult    Kind = "result"
	KindError     Kind = "error"
)

// Message is an immutable routed message. Delivery is recorded, not
// content: DeliveredAt is set when the target drains the mailbox.
type Message struct {
	ID          string     `json:"id"`
	From        string     `json:"from"`
	To          string     `json:"to"`
	Payload     []byte     `json:"payload"`
	Kind        Kind       `json:"kind"`
	SentAt      time.Time  `json:"sent_at"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
}

// Errors for router operations.
var (
	ErrTargetUnavailable = errors.New("target unavailable")
	ErrClosed            = errors.New("router closed")
)

// mailbox is a FIFO queue with its own lock.
type mailbox struct {
	mu    sync.Mutex
	queue []Message
}

func (m *mailbox) enqueue(msg Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = append(m.queue, msg)
}

func (m *mailbox) drain() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	out := make([]Message, len(m.queue))
	for i := range m.queue {
		msg := m.queue[i]
		msg.DeliveredAt = &now
		out[i] = msg
	}
	m.queue = m.queue[:0]
	return out
}

// Config configures the router.
type Config struct {
	// DeliveryTimeout is how long a session has to acknowledge a
	// directive before being marked unreachable.
	DeliveryTimeout time.Duration
}

// Router routes messages between the orchestrator and agent sessions.
type Router struct {
	registry *session.Registry
	bus      *events.Bus // nil-safe
	logger   *zap.Logger
	timeout  time.Duration

	mu     sync.Mutex
	boxes  map[string]*mailbox
	acks   map[string]map[string]*time.Timer // sessionID -> messageID -> timer
	closed bool
}

// New creates a router bound to a session registry. bus may be nil.
func New(cfg Config, registry *session.Registry, bus *events.Bus, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = 2 * time.Minute
	}
	r := &Router{
		registry: registry,
		bus:      bus,
		logger:   logger,
		timeout:  cfg.DeliveryTimeout,
		boxes:    make(map[string]*mailbox),
		acks:     make(map[string]map[string]*time.Timer),
	}
	r.boxes[Orchestrator] = &mailbox{}
	return r
}

// Send enqueues a message into the target's mailbox and returns its id
// without waiting for a reply. Sending to a missing or terminated
// session fails synchronously with ErrTargetUnavailable.
func (r *Router) Send(from, to string, payload []byte, kind Kind) (string, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return "", ErrClosed
	}
	r.mu.Unlock()

	var projectID string
	if isInbox(to) {
		projectID = strings.TrimPrefix(to, Orchestrator+".")
		if projectID == Orchestrator {
			projectID = ""
		}
	} else {
		sess, err := r.registry.GetSession(to)
		if err != nil {
			return "", fmt.Errorf("%w: %s", ErrTargetUnavailable, to)
		}
		projectID = sess.ProjectID
	}

	msg := Message{
		ID:      uuid.New().String(),
		From:    from,
		To:      to,
		Payload: payload,
		Kind:    kind,
		SentAt:  time.Now(),
	}

	r.box(to).enqueue(msg)

	if isInbox(to) && !isInbox(from) {
		// A reply from a session proves it is reachable again.
		r.settle(from)
	}
	if !isInbox(to) && kind == KindDirective {
		r.armAckTimer(projectID, to, msg.ID)
	}

	r.bus.PublishMessage(events.MessageEvent{
		ProjectID: projectID,
		MessageID: msg.ID,
		From:      from,
		To:        to,
		Kind:      string(kind),
	})

	return msg.ID, nil
}

// Poll drains pending mailbox entries for a target in FIFO order.
// Polling is the only way messages are consumed.
func (r *Router) Poll(target string) ([]Message, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	r.mu.Unlock()

	if !isInbox(target) {
		if _, err := r.registry.GetSession(target); err != nil {
			return nil, fmt.Errorf("%w: %s", ErrTargetUnavailable, target)
		}
	}
	return r.box(target).drain(), nil
}

// Close stops all delivery timers. In-flight mailboxes are dropped.
func (r *Router) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	for _, timers := range r.acks {
		for _, t := range timers {
			t.Stop()
		}
	}
	r.acks = make(map[string]map[string]*time.Timer)
}

func (r *Router) box(target string) *mailbox {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.boxes[target]
	if !ok {
		b = &mailbox{}
		r.boxes[target] = b
	}
	return b
}

// armAckTimer starts the delivery watchdog for a directive.
func (r *Router) armAckTimer(projectID, sessionID, messageID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	timers, ok := r.acks[sessionID]
	if !ok {
		timers = make(map[string]*time.Timer)
		r.acks[sessionID] = timers
	}
	timers[messageID] = time.AfterFunc(r.timeout, func() {
		r.deliveryTimedOut(projectID, sessionID, messageID)
	})
}

// settle cancels outstanding delivery timers for a session and
// recovers it from unreachable.
func (r *Router) settle(sessionID string) {
	r.mu.Lock()
	for _, t := range r.acks[sessionID] {
		t.Stop()
	}
	delete(r.acks, sessionID)
	r.mu.Unlock()

	sess, err := r.registry.GetSession(sessionID)
	if err != nil {
		return
	}
	if sess.Status == session.StatusUnreachable {
		if err := r.registry.MarkIdle(sessionID); err != nil {
			r.logger.Warn("failed to recover session", zap.String("session_id", sessionID), zap.Error(err))
		}
	}
}

// deliveryTimedOut marks the session unreachable and reports an
// error-kind message back to the owning project's inbox. No automatic
// retry. A reply that settled the session while the timer was firing
// makes this a no-op.
func (r *Router) deliveryTimedOut(projectID, sessionID, messageID string) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	timers, ok := r.acks[sessionID]
	if !ok {
		r.mu.Unlock()
		return
	}
	if _, pending := timers[messageID]; !pending {
		r.mu.Unlock()
		return
	}
	delete(timers, messageID)
	if len(timers) == 0 {
		delete(r.acks, sessionID)
	}
	r.mu.Unlock()

	r.logger.Warn("delivery timed out",
		zap.String("session_id", sessionID),
		zap.String("message_id", messageID),
	)

	if err := r.registry.MarkUnreachable(sessionID); err != nil && !errors.Is(err, session.ErrNotFound) {
		r.logger.Warn("failed to mark session unreachable",
			zap.String("session_id", sessionID),
			zap.Error(err),
		)
	}

	payload := fmt.Sprintf(`{"session_id":%q,"message_id":%q,"reason":"delivery timeout"}`, sessionID, messageID)
	errMsg := Message{
		ID:      uuid.New().String(),
		From:    sessionID,
		To:      Inbox(projectID),
		Payload: []byte(payload),
		Kind:    KindError,
		SentAt:  time.Now(),
	}
	r.box(Inbox(projectID)).enqueue(errMsg)

	r.bus.PublishSession(events.SessionEvent{
		ProjectID: projectID,
		SessionID: sessionID,
		Status:    string(session.StatusUnreachable),
	})
}
