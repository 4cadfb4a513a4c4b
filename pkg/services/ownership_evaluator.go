package services

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/liquibase/custom-policychecks/pkg/models"
	"github.com/liquibase/custom-policychecks/pkg/parser"
)

// ownershipEvaluator implements OwnershipEvaluator.
type ownershipEvaluator struct{}

// NewOwnershipEvaluator creates the tenant ownership rule.
func NewOwnershipEvaluator() OwnershipEvaluator {
	return &ownershipEvaluator{}
}

// Evaluate decides whether dml can only touch rows owned by the tenant in
// cfg. Anything the rule cannot prove safe is unsafe.
func (e *ownershipEvaluator) Evaluate(dml *parser.DML, cfg models.PolicyConfig) models.Verdict {
	if dml == nil {
		return models.Unsafe("statement could not be analyzed")
	}
	if dml.Unverifiable != "" {
		return models.Unsafe(dml.Unverifiable)
	}

	switch dml.Kind {
	case parser.KindInsert:
		return e.evaluateInsert(dml, cfg)
	case parser.KindUpdate, parser.KindDelete:
		if dml.Predicate == nil {
			return models.Unsafe(fmt.Sprintf("%s has no WHERE clause", dml.Operation))
		}
		if !guaranteed(dml.Predicate, dml, cfg) {
			return models.Unsafe(fmt.Sprintf("WHERE clause does not guarantee %s = '%s'", cfg.TenantColumn, cfg.TenantValue))
		}
		return models.Safe()
	case parser.KindMerge:
		if len(dml.Clauses) == 0 {
			return models.Unsafe("merge has no actionable WHEN clauses")
		}
		for i, clause := range dml.Clauses {
			if v := e.Evaluate(clause, cfg); v.Kind != models.VerdictSafe {
				return models.Unsafe(fmt.Sprintf("WHEN clause %d: %s", i+1, v.Reason))
			}
		}
		return models.Safe()
	default:
		return models.Skipped("not a data-modifying statement")
	}
}

func (e *ownershipEvaluator) evaluateInsert(dml *parser.DML, cfg models.PolicyConfig) models.Verdict {
	ext := dml.Insert
	if ext == nil {
		return models.Unsafe("insert could not be analyzed")
	}

	switch ext.Shape {
	case parser.InsertPaired:
		for n, row := range ext.Rows {
			if reason := e.checkRow(row, cfg); reason != "" {
				if len(ext.Rows) > 1 {
					reason = fmt.Sprintf("row %d: %s", n+1, reason)
				}
				return models.Unsafe(reason)
			}
		}
		return models.Safe()
	case parser.InsertUnpaired:
		if mentionsTenant(dml.Raw, cfg) {
			return models.Safe()
		}
		return models.Unsafe(fmt.Sprintf("INSERT does not set %s to '%s'", cfg.TenantColumn, cfg.TenantValue))
	default:
		reason := ext.Reason
		if reason == "" {
			reason = "insert columns do not match values"
		}
		return models.Unsafe(reason)
	}
}

// checkRow returns why row does not carry the tenant, or "" when it does.
func (e *ownershipEvaluator) checkRow(row []parser.ColumnValuePair, cfg models.PolicyConfig) string {
	for _, pair := range row {
		if !strings.EqualFold(pair.Column, cfg.TenantColumn) {
			continue
		}
		if pair.IsNull {
			return fmt.Sprintf("%s is NULL", cfg.TenantColumn)
		}
		value, ok := pair.Literal()
		if !ok {
			return fmt.Sprintf("%s is set to an expression, not a literal", cfg.TenantColumn)
		}
		if value == "" {
			return fmt.Sprintf("%s is empty", cfg.TenantColumn)
		}
		if !strings.EqualFold(value, cfg.TenantValue) {
			return fmt.Sprintf("%s is set to '%s', expected '%s'", cfg.TenantColumn, value, cfg.TenantValue)
		}
		return ""
	}
	return fmt.Sprintf("INSERT does not set %s", cfg.TenantColumn)
}

// mentionsTenant is the weaker check for inserts whose rows cannot be
// zipped to columns: the tenant column must appear as a word and the tenant
// value as a quoted literal somewhere outside comments.
func mentionsTenant(raw string, cfg models.PolicyConfig) bool {
	if cfg.TenantColumn == "" || cfg.TenantValue == "" {
		return false
	}
	text := strings.ToUpper(parser.StripComments(raw))
	column := regexp.MustCompile(`(?:^|[^\w$#])` + regexp.QuoteMeta(strings.ToUpper(cfg.TenantColumn)) + `(?:$|[^\w$#])`)
	return column.MatchString(text) && strings.Contains(text, "'"+strings.ToUpper(cfg.TenantValue)+"'")
}

// guaranteed reports whether every row matched by p has the tenant column
// equal to the tenant value.
func guaranteed(p parser.Predicate, target *parser.DML, cfg models.PolicyConfig) bool {
	switch n := p.(type) {
	case *parser.Comparison:
		return matchesTenant(n, target, cfg)
	case *parser.And:
		return guaranteed(n.Left, target, cfg) || guaranteed(n.Right, target, cfg)
	case *parser.Or:
		return guaranteed(n.Left, target, cfg) && guaranteed(n.Right, target, cfg)
	default:
		return false
	}
}

func matchesTenant(c *parser.Comparison, target *parser.DML, cfg models.PolicyConfig) bool {
	if c == nil || !strings.EqualFold(c.Column, cfg.TenantColumn) {
		return false
	}
	if c.Qualifier != "" && c.Qualifier != target.Table && (target.Alias == "" || c.Qualifier != target.Alias) {
		return false
	}

	switch c.Operator {
	case "=":
		return c.Literal != nil && strings.EqualFold(*c.Literal, cfg.TenantValue)
	case "IN":
		if len(c.List) == 0 {
			return false
		}
		for _, v := range c.List {
			if !strings.EqualFold(v, cfg.TenantValue) {
				return false
			}
		}
		return true
	default:
		return false
	}
}
