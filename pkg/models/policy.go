// Package models provides data structures used throughout the policy checks.
package models

import (
	"fmt"
	"sort"
	"strings"

	"github.com/liquibase/custom-policychecks/pkg/errors"
	"github.com/liquibase/custom-policychecks/pkg/parser"
)

// Check argument names supplied by the host.
const (
	ArgEnvVarName      = "ENV_VAR_NAME"
	ArgProtectedTables = "PROTECTED_TABLES"
	ArgTeamColumn      = "TEAM_COLUMN"
)

// Message template placeholders.
const (
	PlaceholderOperation  = "__OPERATION__"
	PlaceholderTableName  = "__TABLE_NAME__"
	PlaceholderTeamColumn = "__TEAM_COLUMN__"
	PlaceholderTeamValue  = "__TEAM_VALUE__"
)

// DefaultMessageTemplate is used when a check is configured without a message.
const DefaultMessageTemplate = "Row-level security violation: __OPERATION__ on table __TABLE_NAME__ must filter by __TEAM_COLUMN__ = '__TEAM_VALUE__'"

// PolicyConfig is the tenant policy resolved for a single invocation.
type PolicyConfig struct {
	TenantEnvVar    string          `json:"tenant_env_var" yaml:"tenant_env_var"`
	ProtectedTables map[string]bool `json:"protected_tables" yaml:"protected_tables"`
	TenantColumn    string          `json:"tenant_column" yaml:"tenant_column"`
	TenantValue     string          `json:"tenant_value" yaml:"tenant_value"`
}

// NewPolicyConfig builds a config from the raw check arguments. tables is a
// comma separated list; entries are normalized and blanks dropped.
func NewPolicyConfig(envVar, tables, column, value string) PolicyConfig {
	cfg := PolicyConfig{
		TenantEnvVar:    strings.TrimSpace(envVar),
		ProtectedTables: make(map[string]bool),
		TenantColumn:    strings.TrimSpace(column),
		TenantValue:     value,
	}
	for _, t := range strings.Split(tables, ",") {
		if name := parser.NormalizeTable(t); name != "" {
			cfg.ProtectedTables[name] = true
		}
	}
	return cfg
}

// IsProtected reports whether table is subject to the policy.
func (c PolicyConfig) IsProtected(table string) bool {
	return c.ProtectedTables[parser.NormalizeTable(table)]
}

// Tables returns the protected tables in sorted order.
func (c PolicyConfig) Tables() []string {
	tables := make([]string, 0, len(c.ProtectedTables))
	for t := range c.ProtectedTables {
		tables = append(tables, t)
	}
	sort.Strings(tables)
	return tables
}

// Strategy selects how statements are turned into evaluable structures.
type Strategy string

const (
	// StrategyAuto uses the token tree and falls back to regular expressions
	// when the tree cannot be built.
	StrategyAuto Strategy = "auto"
	// StrategySemantic uses the token tree only.
	StrategySemantic Strategy = "semantic"
	// StrategyLexical uses regular expressions only.
	StrategyLexical Strategy = "lexical"
)

// ParseStrategy converts a configuration value to a Strategy. The empty
// string selects StrategyAuto.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(strings.ToLower(strings.TrimSpace(s))) {
	case "", StrategyAuto:
		return StrategyAuto, nil
	case StrategySemantic:
		return StrategySemantic, nil
	case StrategyLexical:
		return StrategyLexical, nil
	}
	return "", errors.Wrapf(errors.ErrUnknownStrategy, errors.CodeInvalidConfig, "unknown strategy %q", s).
		WithDetails(map[string]interface{}{
			"allowed": []string{string(StrategyAuto), string(StrategySemantic), string(StrategyLexical)},
		})
}

// VerdictKind is the outcome of evaluating one statement.
type VerdictKind int

const (
	VerdictSafe VerdictKind = iota
	VerdictUnsafe
	VerdictSkipped
)

// String returns the string representation of the verdict kind.
func (k VerdictKind) String() string {
	switch k {
	case VerdictSafe:
		return "safe"
	case VerdictUnsafe:
		return "unsafe"
	case VerdictSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (k VerdictKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *VerdictKind) UnmarshalText(text []byte) error {
	for _, kind := range []VerdictKind{VerdictSafe, VerdictUnsafe, VerdictSkipped} {
		if kind.String() == string(text) {
			*k = kind
			return nil
		}
	}
	return fmt.Errorf("unknown verdict %q", text)
}

// Verdict is the per-statement result of the ownership rule.
type Verdict struct {
	Kind   VerdictKind `json:"kind" yaml:"kind"`
	Reason string      `json:"reason,omitempty" yaml:"reason,omitempty"`
}

// Safe returns a safe verdict.
func Safe() Verdict { return Verdict{Kind: VerdictSafe} }

// Unsafe returns an unsafe verdict with the given reason.
func Unsafe(reason string) Verdict { return Verdict{Kind: VerdictUnsafe, Reason: reason} }

// Skipped returns a verdict for statements the policy does not apply to.
func Skipped(reason string) Verdict { return Verdict{Kind: VerdictSkipped, Reason: reason} }
