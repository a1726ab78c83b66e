package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/autodevd/internal/store"
)

// entry wraps a session with its own lock so concurrent phases
// operating on different sessions never contend.
type entry struct {
	mu   sync.Mutex
	sess Session
}

// Registry creates and tracks agent sessions.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	order   map[string][]string // projectID -> session ids in creation order

	store  *store.Store // optional; nil keeps sessions in memory only
	logger *zap.Logger
}

// NewRegistry creates a registry. st may be nil to disable persistence.
func NewRegistry(st *store.Store, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		entries: make(map[string]*entry),
		order:   make(map[string][]string),
		store:   st,
		logger:  logger,
	}
}

// CreateSession allocates a new session with status created. Multiple
// sessions may share a role.
func (r *Registry) CreateSession(projectID, role string) (string, error) {
	if projectID == "" {
		return "", fmt.Errorf("project id is required")
	}

	sess := Session{
		ID:        uuid.New().String(),
		ProjectID: projectID,
		Role:      role,
		Status:    StatusCreated,
		CreatedAt: time.Now(),
	}

	r.mu.Lock()
	r.entries[sess.ID] = &entry{sess: sess}
	r.order[projectID] = append(r.order[projectID], sess.ID)
	r.mu.Unlock()

	r.logger.Info("created session",
		zap.String("session_id", sess.ID),
		zap.String("project_id", projectID),
		zap.String("role", role),
	)

	r.persist(projectID)
	return sess.ID, nil
}

// Restore rehydrates persisted sessions after a restart, preserving
// ids and creation order. Already known ids are skipped.
func (r *Registry) Restore(recs []store.SessionRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range recs {
		if _, ok := r.entries[rec.ID]; ok {
			continue
		}
		r.entries[rec.ID] = &entry{sess: Session{
			ID:        rec.ID,
			ProjectID: rec.ProjectID,
			Role:      rec.Role,
			Status:    Status(rec.Status),
			CreatedAt: rec.CreatedAt,
		}}
		r.order[rec.ProjectID] = append(r.order[rec.ProjectID], rec.ID)
	}
}

// GetSession returns a snapshot of a session. Unknown or terminated
// sessions yield ErrNotFound.
func (r *Registry) GetSession(id string) (Session, error) {
	e, err := r.lookup(id)
	if err != nil {
		return Session{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sess.Status == StatusTerminated {
		return Session{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e.sess, nil
}

// ListSessions returns a read-only snapshot of a project's sessions in
// creation order, optionally filtered by status.
func (r *Registry) ListSessions(projectID string, filter StatusFilter) []Session {
	r.mu.RLock()
	ids := make([]string, len(r.order[projectID]))
	copy(ids, r.order[projectID])
	r.mu.RUnlock()

	sessions := make([]Session, 0, len(ids))
	for _, id := range ids {
		e, err := r.lookup(id)
		if err != nil {
			continue
		}
		e.mu.Lock()
		sess := e.sess
		e.mu.Unlock()
		if filter.matches(sess.Status) {
			sessions = append(sessions, sess)
		}
	}
	return sessions
}

// TerminateSession terminates a session. Terminating an already
// terminated session is a no-op, not an error.
func (r *Registry) TerminateSession(id string) error {
	e, err := r.lookup(id)
	if err != nil {
		return err
	}

	e.mu.Lock()
	already := e.sess.Status == StatusTerminated
	e.sess.Status = StatusTerminated
	projectID := e.sess.ProjectID
	e.mu.Unlock()

	if !already {
		r.logger.Info("terminated session", zap.String("session_id", id))
		r.persist(projectID)
	}
	return nil
}

// TerminateProject terminates every session of a project (cascade on
// project completion or failure).
func (r *Registry) TerminateProject(projectID string) {
	for _, sess := range r.ListSessions(projectID, nil) {
		_ = r.TerminateSession(sess.ID)
	}
}

// MarkIdle moves a session to idle. Used on first activation and to
// recover an unreachable session after a successful delivery.
func (r *Registry) MarkIdle(id string) error {
	return r.setStatus(id, StatusIdle)
}

// MarkBusy moves a session to busy while it works a directive.
func (r *Registry) MarkBusy(id string) error {
	return r.setStatus(id, StatusBusy)
}

// MarkUnreachable flags a session that failed to acknowledge a
// delivery in time.
func (r *Registry) MarkUnreachable(id string) error {
	return r.setStatus(id, StatusUnreachable)
}

func (r *Registry) setStatus(id string, target Status) error {
	e, err := r.lookup(id)
	if err != nil {
		return err
	}

	e.mu.Lock()
	current := e.sess.Status
	if current == StatusTerminated {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if current == target {
		e.mu.Unlock()
		return nil
	}
	if !canTransition(current, target) {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, target)
	}
	e.sess.Status = target
	projectID := e.sess.ProjectID
	e.mu.Unlock()

	r.logger.Debug("session status changed",
		zap.String("session_id", id),
		zap.String("from", string(current)),
		zap.String("to", string(target)),
	)

	r.persist(projectID)
	return nil
}

func (r *Registry) lookup(id string) (*entry, error) {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e, nil
}

// persist writes the project's session snapshot to the store.
func (r *Registry) persist(projectID string) {
	if r.store == nil {
		return
	}

	r.mu.RLock()
	ids := make([]string, len(r.order[projectID]))
	copy(ids, r.order[projectID])
	r.mu.RUnlock()

	records := make([]store.SessionRecord, 0, len(ids))
	for _, id := range ids {
		e, err := r.lookup(id)
		if err != nil {
			continue
		}
		e.mu.Lock()
		records = append(records, store.SessionRecord{
			ID:        e.sess.ID,
			ProjectID: e.sess.ProjectID,
			Role:      e.sess.Role,
			Status:    string(e.sess.Status),
			CreatedAt: e.sess.CreatedAt,
		})
		e.mu.Unlock()
	}

	if err := r.store.SaveSessions(projectID, records); err != nil {
		r.logger.Warn("failed to persist sessions",
			zap.String("project_id", projectID),
			zap.Error(err),
		)
	}
}
