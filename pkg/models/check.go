package models

import (
	"fmt"
	"time"
)

// ChangeTypeLoadData marks data-loading changes, which carry no SQL text.
const ChangeTypeLoadData = "loadData"

// Change is one unit of a migration: an identifier, its change type and the
// SQL it will execute.
type Change struct {
	ID     string `json:"id" yaml:"id"`
	Author string `json:"author,omitempty" yaml:"author,omitempty"`
	Type   string `json:"type,omitempty" yaml:"type,omitempty"`
	SQL    string `json:"sql" yaml:"sql"`
}

// CheckRequest asks for the row-level security check to run over a set of changes.
type CheckRequest struct {
	Args            map[string]string `json:"args" yaml:"args"`
	MessageTemplate string            `json:"message_template,omitempty" yaml:"message_template,omitempty"`
	Strategy        Strategy          `json:"strategy,omitempty" yaml:"strategy,omitempty"`
	Changes         []Change          `json:"changes" yaml:"changes"`
}

// StatementState tracks a statement through evaluation.
type StatementState int

const (
	StatePending StatementState = iota
	StateEvaluating
	StatePassed
	StateFired
)

// String returns the string representation of the state.
func (s StatementState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateEvaluating:
		return "evaluating"
	case StatePassed:
		return "passed"
	case StateFired:
		return "fired"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s StatementState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *StatementState) UnmarshalText(text []byte) error {
	for _, state := range []StatementState{StatePending, StateEvaluating, StatePassed, StateFired} {
		if state.String() == string(text) {
			*s = state
			return nil
		}
	}
	return fmt.Errorf("unknown statement state %q", text)
}

// StatementOutcome records how one statement was evaluated.
type StatementOutcome struct {
	ChangeID  string         `json:"change_id,omitempty" yaml:"change_id,omitempty"`
	Index     int            `json:"index" yaml:"index"`
	Kind      string         `json:"kind" yaml:"kind"`
	Operation string         `json:"operation,omitempty" yaml:"operation,omitempty"`
	Table     string         `json:"table,omitempty" yaml:"table,omitempty"`
	State     StatementState `json:"state" yaml:"state"`
	Verdict   Verdict        `json:"verdict" yaml:"verdict"`
	Strategy  Strategy       `json:"strategy,omitempty" yaml:"strategy,omitempty"`
}

// Violation is a statement that fired the check.
type Violation struct {
	ChangeID  string `json:"change_id,omitempty" yaml:"change_id,omitempty"`
	Index     int    `json:"index" yaml:"index"`
	Operation string `json:"operation" yaml:"operation"`
	Table     string `json:"table" yaml:"table"`
	Message   string `json:"message" yaml:"message"`
	Reason    string `json:"reason" yaml:"reason"`
	SQL       string `json:"sql" yaml:"sql"`
}

// CheckResult is the outcome of one invocation.
type CheckResult struct {
	RunID      string             `json:"run_id" yaml:"run_id"`
	Fired      bool               `json:"fired" yaml:"fired"`
	Skipped    bool               `json:"skipped,omitempty" yaml:"skipped,omitempty"`
	SkipReason string             `json:"skip_reason,omitempty" yaml:"skip_reason,omitempty"`
	Message    string             `json:"message,omitempty" yaml:"message,omitempty"`
	Violations []Violation        `json:"violations,omitempty" yaml:"violations,omitempty"`
	Outcomes   []StatementOutcome `json:"outcomes,omitempty" yaml:"outcomes,omitempty"`
	Duration   time.Duration      `json:"duration" yaml:"duration"`
}
