// Package gateway executes named capabilities through an ordered
// fallback chain of strategies, auditing every invocation.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Func is one concrete way of performing a capability call.
type Func func(ctx context.Context, input []byte) ([]byte, error)

// Strategy is one entry in a capability's fallback chain.
type Strategy struct {
	// Name identifies the strategy in logs and aggregate errors.
	Name string

	// Timeout bounds this attempt. Zero falls back to the gateway default.
	Timeout time.Duration

	// Run performs the call.
	Run Func
}

// Attempt records one strategy attempt within an invocation.
type Attempt struct {
	Strategy string
	Index    int
	Err      error
	Duration time.Duration
}

// Invocation is the audit record of a single gateway call.
type Invocation struct {
	Capability string
	Outcome    string // OutcomeSuccess or OutcomeAllFailed
	Attempts   []Attempt
	Duration   time.Duration
	At         time.Time
}

// Invocation outcomes.
const (
	OutcomeSuccess   = "success"
	OutcomeAllFailed = "all-failed"
)

// Errors for gateway operations.
var (
	ErrNoStrategies      = errors.New("no strategies provided")
	ErrUnknownCapability = errors.New("unknown capability")
)

// ExhaustedError reports that every strategy for a capability failed.
// It lists each attempted strategy and its failure reason in order.
type ExhaustedError struct {
	Capability string
	Attempts   []Attempt
}

func (e *ExhaustedError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "capability %q: all %d strategies exhausted:", e.Capability, len(e.Attempts))
	for _, a := range e.Attempts {
		fmt.Fprintf(&b, " [%d %s: %v]", a.Index, a.Strategy, a.Err)
	}
	return b.String()
}

// Unwrap exposes the per-strategy causes for errors.Is/As chains.
func (e *ExhaustedError) Unwrap() []error {
	errs := make([]error, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		if a.Err != nil {
			errs = append(errs, a.Err)
		}
	}
	return errs
}

// Recorder receives every completed invocation for durable audit.
type Recorder interface {
	Record(ctx context.Context, inv Invocation) error
}

type projectKey struct{}

// WithProject tags a context with the project an invocation runs on
// behalf of. Recorders shared across projects read it back with
// ProjectFromContext to attribute the audit entry.
func WithProject(ctx context.Context, projectID string) context.Context {
	return context.WithValue(ctx, projectKey{}, projectID)
}

// ProjectFromContext returns the project id set by WithProject, or ""
// when the context carries none.
func ProjectFromContext(ctx context.Context) string {
	id, _ := ctx.Value(projectKey{}).(string)
	return id
}
