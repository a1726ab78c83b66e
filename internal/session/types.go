// Package session tracks agent sessions: addressable, independently
// stateful execution contexts that receive directives and report
// results. The registry is a directory plus lifecycle authority; it
// never interprets message payloads.
package session

import (
	"errors"
	"time"
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusCreated     Status = "created"
	StatusIdle        Status = "idle"
	StatusBusy        Status = "busy"
	StatusUnreachable Status = "unreachable"
	StatusTerminated  Status = "terminated"
)

// Session is a snapshot of one agent session.
type Session struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"project_id"`
	Role      string    `json:"role"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// StatusFilter selects sessions by status. Empty means all.
type StatusFilter []Status

func (f StatusFilter) matches(s Status) bool {
	if len(f) == 0 {
		return true
	}
	for _, want := range f {
		if s == want {
			return true
		}
	}
	return false
}

// Errors for registry operations.
var (
	ErrNotFound          = errors.New("session not found")
	ErrInvalidTransition = errors.New("invalid session status transition")
)

// transitions lists the allowed status moves. Termination is handled
// separately because it is idempotent.
var transitions = map[Status][]Status{
	StatusCreated:     {StatusIdle},
	StatusIdle:        {StatusBusy, StatusUnreachable},
	StatusBusy:        {StatusIdle, StatusUnreachable},
	StatusUnreachable: {StatusIdle},
}

func canTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
