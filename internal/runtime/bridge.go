// Package runtime bridges session mailboxes to agent processes over
// NATS. Directives drained from a session's mailbox are published on
// agents.{session}.directive; agents answer on agents.{session}.reply
// and replies are fed back into the owning project's inbox.
package runtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/autodevd/internal/router"
	"github.com/fyrsmithlabs/autodevd/internal/session"
)

const (
	directiveSubject = "agents.%s.directive"
	replySubject     = "agents.*.reply"
)

// Config configures the bridge.
type Config struct {
	// PumpInterval is how often session mailboxes are drained.
	PumpInterval time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{PumpInterval: 250 * time.Millisecond}
}

// reply is the envelope agents publish on their reply subject.
type reply struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Bridge pumps directives out to agents and replies back in.
type Bridge struct {
	config   Config
	nc       *nats.Conn
	router   *router.Router
	registry *session.Registry
	logger   *zap.Logger

	mu       sync.Mutex
	projects map[string]bool
	sub      *nats.Subscription
	stop     chan struct{}
	done     chan struct{}
	started  bool
}

// New creates a bridge.
func New(cfg Config, nc *nats.Conn, rt *router.Router, reg *session.Registry, logger *zap.Logger) (*Bridge, error) {
	if nc == nil {
		return nil, errors.New("nats connection is required")
	}
	if rt == nil {
		return nil, errors.New("router is required")
	}
	if reg == nil {
		return nil, errors.New("registry is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PumpInterval <= 0 {
		cfg.PumpInterval = DefaultConfig().PumpInterval
	}
	return &Bridge{
		config:   cfg,
		nc:       nc,
		router:   rt,
		registry: reg,
		logger:   logger,
		projects: make(map[string]bool),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}, nil
}

// Attach starts pumping a project's session mailboxes.
func (b *Bridge) Attach(projectID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.projects[projectID] = true
}

// Detach stops pumping a project's session mailboxes.
func (b *Bridge) Detach(projectID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.projects, projectID)
}

// Start subscribes to agent replies and begins the mailbox pump.
func (b *Bridge) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return errors.New("bridge already started")
	}
	sub, err := b.nc.Subscribe(replySubject, b.onReply)
	if err != nil {
		return fmt.Errorf("failed to subscribe to agent replies: %w", err)
	}
	b.sub = sub
	b.started = true
	go b.pump()
	return nil
}

// Close stops the pump and drops the reply subscription.
func (b *Bridge) Close() {
	b.mu.Lock()
	if !b.started {
		b.mu.Unlock()
		return
	}
	b.started = false
	sub := b.sub
	b.mu.Unlock()

	close(b.stop)
	<-b.done
	if sub != nil {
		if err := sub.Unsubscribe(); err != nil {
			b.logger.Warn("failed to unsubscribe", zap.Error(err))
		}
	}
}

func (b *Bridge) pump() {
	defer close(b.done)
	ticker := time.NewTicker(b.config.PumpInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.stop:
			return
		case <-ticker.C:
			b.drainAll()
		}
	}
}

func (b *Bridge) drainAll() {
	b.mu.Lock()
	attached := make([]string, 0, len(b.projects))
	for id := range b.projects {
		attached = append(attached, id)
	}
	b.mu.Unlock()

	for _, projectID := range attached {
		live := b.registry.ListSessions(projectID, session.StatusFilter{
			session.StatusCreated, session.StatusIdle, session.StatusBusy, session.StatusUnreachable,
		})
		for _, sess := range live {
			msgs, err := b.router.Poll(sess.ID)
			if err != nil {
				continue
			}
			for _, msg := range msgs {
				data, err := json.Marshal(msg)
				if err != nil {
					b.logger.Warn("failed to encode directive", zap.Error(err))
					continue
				}
				subject := fmt.Sprintf(directiveSubject, sess.ID)
				if err := b.nc.Publish(subject, data); err != nil {
					b.logger.Warn("failed to publish directive",
						zap.String("session_id", sess.ID),
						zap.Error(err),
					)
				}
			}
		}
	}
}

// onReply feeds an agent's reply into the owning project's inbox.
func (b *Bridge) onReply(m *nats.Msg) {
	parts := strings.Split(m.Subject, ".")
	if len(parts) != 3 {
		return
	}
	sessionID := parts[1]

	sess, err := b.registry.GetSession(sessionID)
	if err != nil {
		b.logger.Warn("reply from unknown session",
			zap.String("session_id", sessionID),
			zap.Error(err),
		)
		return
	}

	var env reply
	if err := json.Unmarshal(m.Data, &env); err != nil {
		b.logger.Warn("malformed agent reply",
			zap.String("session_id", sessionID),
			zap.Error(err),
		)
		return
	}

	var kind router.Kind
	switch env.Kind {
	case string(router.KindAck):
		kind = router.KindAck
	case string(router.KindError):
		kind = router.KindError
	case string(router.KindResult), "":
		kind = router.KindResult
	default:
		b.logger.Warn("unknown reply kind",
			zap.String("session_id", sessionID),
			zap.String("kind", env.Kind),
		)
		return
	}

	if _, err := b.router.Send(sessionID, router.Inbox(sess.ProjectID), env.Payload, kind); err != nil {
		b.logger.Warn("failed to route agent reply",
			zap.String("session_id", sessionID),
			zap.Error(err),
		)
	}
}
