package orchestrator

import (
	"fmt"
)

// Mode selects the built-in phase plan for a project.
type Mode string

const (
	// ModeGenesis builds a new application from nothing.
	ModeGenesis Mode = "genesis"
	// ModePhoenix enhances an existing application.
	ModePhoenix Mode = "phoenix"
	// ModeSaaS builds a multi-tenant service with a security pass.
	ModeSaaS Mode = "saas"
)

// ParseMode validates a mode string.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeGenesis, ModePhoenix, ModeSaaS:
		return Mode(s), nil
	}
	return "", fmt.Errorf("unknown mode %q", s)
}

// Policy decides whether a fan-out passes given how many addressed
// sessions returned a result. Error replies and timeouts both count
// against the policy; only result-kind replies count toward it.
type Policy string

const (
	PolicyAllRequired Policy = "all-required"
	PolicyMajority    Policy = "majority"
	PolicyAnyOne      Policy = "any-one"
	PolicyBestEffort  Policy = "best-effort"
)

// satisfied reports whether results out of total meets the policy.
func (p Policy) satisfied(results, total int) bool {
	switch p {
	case PolicyAllRequired:
		return results == total
	case PolicyMajority:
		return results*2 > total
	case PolicyAnyOne:
		return results >= 1
	case PolicyBestEffort:
		return true
	}
	return false
}

// FanOut addresses one directive to a set of roles concurrently.
type FanOut struct {
	Roles  []string
	Task   string
	Policy Policy
}

// WorkItem is one unit of work within a phase: either a gateway
// invocation (Capability set) or a fan-out (FanOut set).
type WorkItem struct {
	Name       string
	Required   bool
	Capability string
	Input      []byte
	FanOut     *FanOut
}

// Phase is one ordered step of a plan.
type Phase struct {
	Name  string
	Items []WorkItem
}

// Plan is the ordered phase list for a project mode.
type Plan struct {
	Mode   Mode
	Phases []Phase
}

// Directive is the payload sent to a session during fan-out.
type Directive struct {
	ProjectID string `json:"project_id"`
	Phase     string `json:"phase"`
	Role      string `json:"role"`
	Task      string `json:"task"`
}

// PlanForMode returns the built-in plan for a mode.
func PlanForMode(mode Mode) (Plan, error) {
	switch mode {
	case ModeGenesis:
		return Plan{Mode: mode, Phases: []Phase{
			{Name: "research", Items: []WorkItem{
				{Name: "market-research", Required: true, Capability: "research", Input: []byte(`{"scope":"full"}`)},
			}},
			{Name: "planning", Items: []WorkItem{
				{Name: "technical-plan", Required: true, Capability: "planning"},
				{Name: "plan-review", Required: false, FanOut: &FanOut{
					Roles:  []string{"pm"},
					Task:   "review the technical plan and flag gaps",
					Policy: PolicyBestEffort,
				}},
			}},
			{Name: "scaffolding", Items: []WorkItem{
				{Name: "project-scaffold", Required: true, Capability: "scaffold"},
			}},
			{Name: "development", Items: []WorkItem{
				{Name: "implement-features", Required: true, FanOut: &FanOut{
					Roles:  []string{"backend", "frontend", "developer"},
					Task:   "implement your assigned slice of the feature plan",
					Policy: PolicyAllRequired,
				}},
			}},
			{Name: "testing", Items: []WorkItem{
				{Name: "verify-build", Required: true, FanOut: &FanOut{
					Roles:  []string{"qa"},
					Task:   "run the test suite and report failures",
					Policy: PolicyAllRequired,
				}},
			}},
			{Name: "deployment", Items: []WorkItem{
				{Name: "deploy", Required: true, Capability: "deploy"},
				{Name: "post-deploy-checks", Required: false, FanOut: &FanOut{
					Roles:  []string{"devops"},
					Task:   "verify the deployment is healthy",
					Policy: PolicyBestEffort,
				}},
			}},
		}}, nil

	case ModePhoenix:
		return Plan{Mode: mode, Phases: []Phase{
			{Name: "analysis", Items: []WorkItem{
				{Name: "codebase-analysis", Required: true, Capability: "analyze"},
			}},
			{Name: "enhancement", Items: []WorkItem{
				{Name: "implement-enhancements", Required: true, FanOut: &FanOut{
					Roles:  []string{"backend", "frontend"},
					Task:   "apply the planned enhancements to your area",
					Policy: PolicyMajority,
				}},
			}},
			{Name: "testing", Items: []WorkItem{
				{Name: "regression-suite", Required: true, FanOut: &FanOut{
					Roles:  []string{"qa"},
					Task:   "run regression tests against the enhanced build",
					Policy: PolicyAllRequired,
				}},
			}},
			{Name: "deployment", Items: []WorkItem{
				{Name: "deploy", Required: true, Capability: "deploy"},
			}},
		}}, nil

	case ModeSaaS:
		return Plan{Mode: mode, Phases: []Phase{
			{Name: "planning", Items: []WorkItem{
				{Name: "tenant-model-plan", Required: true, Capability: "planning"},
			}},
			{Name: "development", Items: []WorkItem{
				{Name: "implement-services", Required: true, FanOut: &FanOut{
					Roles:  []string{"backend", "frontend", "devops"},
					Task:   "build your assigned service tier",
					Policy: PolicyAllRequired,
				}},
			}},
			{Name: "testing", Items: []WorkItem{
				{Name: "integration-suite", Required: true, FanOut: &FanOut{
					Roles:  []string{"qa"},
					Task:   "run the integration suite across tenants",
					Policy: PolicyAllRequired,
				}},
			}},
			{Name: "security-scan", Items: []WorkItem{
				{Name: "security-audit", Required: true, Capability: "security-scan"},
			}},
			{Name: "deployment", Items: []WorkItem{
				{Name: "deploy", Required: true, Capability: "deploy"},
			}},
		}}, nil
	}
	return Plan{}, fmt.Errorf("unknown mode %q", mode)
}
