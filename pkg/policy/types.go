package policy

import (
	"time"

	"github.com/passportd/passportd/pkg/engine"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for warnings that should be reviewed.
	SeverityWarning Severity = "warning"

	// SeverityError is for errors that should block operations.
	SeverityError Severity = "error"

	// SeverityCritical is for critical violations that must be addressed immediately.
	SeverityCritical Severity = "critical"
)

// Blocks returns true if a violation of this severity denies the operation.
func (s Severity) Blocks() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy tags select the decision point a policy takes part in.
const (
	// TagAuthz marks policies evaluated for every API action.
	TagAuthz = "authz"

	// TagFinalize marks policies evaluated before a unit is finalized.
	TagFinalize = "finalize"
)

// Policy represents a policy rule with its Rego code.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code. It must define a deny set.
	Rego string `json:"rego"`

	// Severity is the default severity for violations.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Tags select the decision points the policy applies to.
	Tags []string `json:"tags,omitempty"`

	// Metadata contains additional policy metadata.
	Metadata map[string]interface{} `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HasTag returns true if the policy carries tag.
func (p *Policy) HasTag(tag string) bool {
	for _, t := range p.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Violation represents a single policy violation.
type Violation struct {
	Policy   string   `json:"policy"`
	Resource string   `json:"resource,omitempty"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

// Result represents the result of evaluating every policy of one tag.
type Result struct {
	// Allowed is false when any blocking violation was raised.
	Allowed bool `json:"allowed"`

	Violations        []Violation   `json:"violations,omitempty"`
	Warnings          []Violation   `json:"warnings,omitempty"`
	EvaluatedPolicies []string      `json:"evaluated_policies"`
	EvaluatedAt       time.Time     `json:"evaluated_at"`
	Duration          time.Duration `json:"duration"`
}

// Input is the document exposed to Rego as input.
type Input struct {
	// Action is the API action being authorized, for example "protocol.approve".
	Action string `json:"action,omitempty"`

	// User is the authenticated caller.
	User *engine.User `json:"user,omitempty"`

	// Unit is the unit being finalized.
	Unit *engine.Unit `json:"unit,omitempty"`

	// Protocol is the unit's acceptance protocol, if one exists.
	Protocol *engine.Protocol `json:"protocol,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}
