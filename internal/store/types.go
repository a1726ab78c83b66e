package store

import (
	"time"

	"github.com/fyrsmithlabs/autodevd/internal/config"
)

// ProjectRecord is the persisted root aggregate for a project.
type ProjectRecord struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Mode      string    `json:"mode"`
	WorkDir   string    `json:"work_dir"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// PhaseRecord is the persisted state of one ordered workflow phase.
type PhaseRecord struct {
	Index       int              `json:"index"`
	Name        string           `json:"name"`
	Status      string           `json:"status"`
	Cause       string           `json:"cause,omitempty"`
	Items       []WorkItemRecord `json:"items,omitempty"`
	StartedAt   *time.Time       `json:"started_at,omitempty"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
}

// WorkItemRecord is the persisted outcome of one work item within a phase.
type WorkItemRecord struct {
	Name     string `json:"name"`
	Kind     string `json:"kind"` // invoke or fanout
	Required bool   `json:"required"`
	Outcome  string `json:"outcome"` // success, failed, skipped

	// FailedToRespond lists fan-out session ids that never answered
	// within the phase timeout.
	FailedToRespond []string `json:"failed_to_respond,omitempty"`

	Error string `json:"error,omitempty"`
}

// SessionRecord is the persisted view of an agent session.
type SessionRecord struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"project_id"`
	Role      string    `json:"role"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// ScheduleRecord is the persisted evolution schedule for a completed project.
type ScheduleRecord struct {
	ProjectID   string          `json:"project_id"`
	Interval    config.Duration `json:"interval"`
	StartedAt   time.Time       `json:"started_at"`
	LastCycleAt *time.Time      `json:"last_cycle_at,omitempty"`
}

// CycleRecord is one persisted evolution cycle.
type CycleRecord struct {
	Seq             uint64    `json:"seq"`
	StartedAt       time.Time `json:"started_at"`
	CompletedAt     time.Time `json:"completed_at"`
	Outcome         string    `json:"outcome"`
	Summary         string    `json:"summary,omitempty"`
	NextScheduledAt time.Time `json:"next_scheduled_at"`
}

// InvocationAttempt is one strategy attempt within a gateway invocation.
type InvocationAttempt struct {
	Strategy string          `json:"strategy"`
	Index    int             `json:"index"`
	Error    string          `json:"error,omitempty"`
	Duration config.Duration `json:"duration"`
}

// InvocationRecord is one audited tool gateway call.
type InvocationRecord struct {
	Capability string              `json:"capability"`
	Outcome    string              `json:"outcome"` // success or all-failed
	Attempts   []InvocationAttempt `json:"attempts"`
	Duration   config.Duration     `json:"duration"`
	At         time.Time           `json:"at"`
}
