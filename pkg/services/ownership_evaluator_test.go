package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liquibase/custom-policychecks/pkg/models"
	"github.com/liquibase/custom-policychecks/pkg/parser"
)

func riskConfig() models.PolicyConfig {
	return models.NewPolicyConfig("DEPLOY_TEAM", "FRAMEWORK_CONFIG", "SOURCE", "RISK")
}

func analyze(t *testing.T, sql string) *parser.DML {
	t.Helper()
	stmt := parser.ParseStatement(sql)
	require.NotNil(t, stmt)
	dml, err := parser.Analyze(stmt)
	require.NoError(t, err)
	return dml
}

func TestOwnershipEvaluator_Evaluate(t *testing.T) {
	evaluator := NewOwnershipEvaluator()
	cfg := riskConfig()

	tests := []struct {
		name     string
		sql      string
		expected models.VerdictKind
		reason   string
	}{
		// INSERT
		{"insert sets tenant", "INSERT INTO FRAMEWORK_CONFIG (job, SOURCE) VALUES ('x','RISK')", models.VerdictSafe, ""},
		{"insert tenant case-insensitive", "INSERT INTO FRAMEWORK_CONFIG (job, source) VALUES ('x', 'risk')", models.VerdictSafe, ""},
		{"insert without tenant column", "INSERT INTO FRAMEWORK_CONFIG (job) VALUES ('x')", models.VerdictUnsafe, "INSERT does not set SOURCE"},
		{"insert NULL tenant", "INSERT INTO FRAMEWORK_CONFIG (job, SOURCE) VALUES ('x', NULL)", models.VerdictUnsafe, "SOURCE is NULL"},
		{"insert empty tenant", "INSERT INTO FRAMEWORK_CONFIG (job, SOURCE) VALUES ('x', '')", models.VerdictUnsafe, "SOURCE is empty"},
		{"insert other tenant", "INSERT INTO FRAMEWORK_CONFIG (job, SOURCE) VALUES ('x', 'OPS')", models.VerdictUnsafe, "SOURCE is set to 'OPS', expected 'RISK'"},
		{"insert expression tenant", "INSERT INTO FRAMEWORK_CONFIG (job, SOURCE) VALUES ('x', UPPER('risk'))", models.VerdictUnsafe, "SOURCE is set to an expression, not a literal"},
		{"multi-row with one bad row", "INSERT INTO FRAMEWORK_CONFIG (job, SOURCE) VALUES ('a', 'RISK'), ('b', 'OPS')", models.VerdictUnsafe, "row 2: SOURCE is set to 'OPS', expected 'RISK'"},
		{"insert mismatch", "INSERT INTO FRAMEWORK_CONFIG (job, SOURCE) VALUES ('x')", models.VerdictUnsafe, ""},
		{"insert select literal", "INSERT INTO FRAMEWORK_CONFIG (job, SOURCE) SELECT job, 'RISK' FROM staging", models.VerdictSafe, ""},
		{"insert select column", "INSERT INTO FRAMEWORK_CONFIG (job, SOURCE) SELECT job, SOURCE FROM staging", models.VerdictUnsafe, "SOURCE is set to an expression, not a literal"},
		{"unpaired insert mentions tenant", "INSERT INTO FRAMEWORK_CONFIG SELECT job, SOURCE FROM staging WHERE SOURCE = 'RISK'", models.VerdictSafe, ""},
		{"unpaired insert without tenant", "INSERT INTO FRAMEWORK_CONFIG VALUES ('x', 'RISK')", models.VerdictUnsafe, "INSERT does not set SOURCE to 'RISK'"},
		{"unpaired insert tenant only in comment", "INSERT INTO FRAMEWORK_CONFIG /* SOURCE */ VALUES ('x', 'RISK')", models.VerdictUnsafe, ""},

		// UPDATE / DELETE
		{"update scoped by AND", "UPDATE FRAMEWORK_CONFIG SET enabled=1 WHERE SOURCE='RISK' AND job='x'", models.VerdictSafe, ""},
		{"update widened by OR", "UPDATE FRAMEWORK_CONFIG SET enabled=1 WHERE job='x' OR SOURCE='RISK'", models.VerdictUnsafe, "WHERE clause does not guarantee SOURCE = 'RISK'"},
		{"delete with guarded OR branches", "DELETE FROM FRAMEWORK_CONFIG WHERE (SOURCE='RISK' AND status='OLD') OR (SOURCE='RISK' AND obsolete=1)", models.VerdictSafe, ""},
		{"delete without WHERE", "DELETE FROM FRAMEWORK_CONFIG", models.VerdictUnsafe, "DELETE has no WHERE clause"},
		{"update via alias", "UPDATE FRAMEWORK_CONFIG fc SET enabled = 1 WHERE fc.SOURCE = 'RISK'", models.VerdictSafe, ""},
		{"update via table name", "UPDATE FRAMEWORK_CONFIG fc SET enabled = 1 WHERE framework_config.SOURCE = 'RISK'", models.VerdictSafe, ""},
		{"update via other qualifier", "UPDATE FRAMEWORK_CONFIG fc SET enabled = 1 WHERE other.SOURCE = 'RISK'", models.VerdictUnsafe, ""},
		{"in list of tenant", "DELETE FROM FRAMEWORK_CONFIG WHERE SOURCE IN ('RISK')", models.VerdictSafe, ""},
		{"in list with other tenant", "DELETE FROM FRAMEWORK_CONFIG WHERE SOURCE IN ('RISK', 'OPS')", models.VerdictUnsafe, ""},
		{"inequality", "DELETE FROM FRAMEWORK_CONFIG WHERE SOURCE <> 'RISK'", models.VerdictUnsafe, ""},
		{"negated", "DELETE FROM FRAMEWORK_CONFIG WHERE NOT SOURCE = 'RISK'", models.VerdictUnsafe, ""},
		{"case folded column", "DELETE FROM FRAMEWORK_CONFIG WHERE UPPER(SOURCE) = 'RISK'", models.VerdictSafe, ""},
		{"literal on the left", "DELETE FROM FRAMEWORK_CONFIG WHERE 'RISK' = SOURCE", models.VerdictSafe, ""},
		{"tenant only in subquery", "DELETE FROM FRAMEWORK_CONFIG WHERE id IN (SELECT id FROM x WHERE SOURCE = 'RISK')", models.VerdictUnsafe, ""},

		// MERGE
		{"merge with every clause scoped", mergeAllScoped, models.VerdictSafe, ""},
		{"merge inserting other tenant", mergeBadInsert, models.VerdictUnsafe, "WHEN clause 2: SOURCE is set to 'OPS', expected 'RISK'"},
		{"merge without ON guard", "MERGE INTO FRAMEWORK_CONFIG t USING staging s ON t.job = s.job WHEN MATCHED THEN DELETE", models.VerdictUnsafe, ""},

		// Other
		{"select", "SELECT * FROM FRAMEWORK_CONFIG", models.VerdictSkipped, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var dml *parser.DML
			if stmt := parser.ParseStatement(tt.sql); stmt.Kind == parser.KindOther {
				dml = &parser.DML{Kind: parser.KindOther, Raw: stmt.Raw}
			} else {
				dml = analyze(t, tt.sql)
			}

			verdict := evaluator.Evaluate(dml, cfg)
			assert.Equal(t, tt.expected, verdict.Kind, verdict.Reason)
			if tt.reason != "" {
				assert.Equal(t, tt.reason, verdict.Reason)
			}
		})
	}
}

const mergeAllScoped = `MERGE INTO FRAMEWORK_CONFIG t
USING staging s ON t.job = s.job AND t.SOURCE = 'RISK'
WHEN MATCHED THEN UPDATE SET enabled = s.enabled
WHEN NOT MATCHED THEN INSERT (job, SOURCE) VALUES (s.job, 'RISK')`

const mergeBadInsert = `MERGE INTO FRAMEWORK_CONFIG t
USING staging s ON t.job = s.job AND t.SOURCE = 'RISK'
WHEN MATCHED THEN UPDATE SET enabled = s.enabled
WHEN NOT MATCHED THEN INSERT (job, SOURCE) VALUES (s.job, 'OPS')`

func TestOwnershipEvaluator_Unanalyzable(t *testing.T) {
	evaluator := NewOwnershipEvaluator()
	cfg := riskConfig()

	assert.Equal(t, models.VerdictUnsafe, evaluator.Evaluate(nil, cfg).Kind)

	verdict := evaluator.Evaluate(&parser.DML{Kind: parser.KindMerge, Unverifiable: "merge clauses cannot be verified lexically"}, cfg)
	assert.Equal(t, models.Unsafe("merge clauses cannot be verified lexically"), verdict)

	verdict = evaluator.Evaluate(&parser.DML{Kind: parser.KindInsert, Operation: "INSERT"}, cfg)
	assert.Equal(t, models.VerdictUnsafe, verdict.Kind)
}

func tenantEquals(value string) *parser.Comparison {
	return &parser.Comparison{Column: "SOURCE", Operator: "=", Literal: &value}
}

func TestGuaranteed_Properties(t *testing.T) {
	cfg := riskConfig()
	target := &parser.DML{Kind: parser.KindUpdate, Table: "FRAMEWORK_CONFIG"}
	job := "x"

	safe := []parser.Predicate{
		tenantEquals("RISK"),
		&parser.And{Left: tenantEquals("RISK"), Right: &parser.Opaque{Text: "f(x)"}},
		&parser.Or{Left: tenantEquals("RISK"), Right: tenantEquals("risk")},
	}
	unsafe := []parser.Predicate{
		nil,
		tenantEquals("OPS"),
		&parser.Opaque{Text: "SOURCE = 'RISK'"},
		&parser.Comparison{Column: "JOB", Operator: "=", Literal: &job},
		&parser.Or{Left: tenantEquals("RISK"), Right: &parser.Opaque{Text: "true"}},
	}
	others := []parser.Predicate{
		&parser.Opaque{Text: "anything"},
		&parser.Comparison{Column: "JOB", Operator: "=", Literal: &job},
		tenantEquals("OPS"),
	}

	t.Run("AND narrows", func(t *testing.T) {
		for _, p := range safe {
			for _, q := range others {
				assert.True(t, guaranteed(&parser.And{Left: p, Right: q}, target, cfg))
				assert.True(t, guaranteed(&parser.And{Left: q, Right: p}, target, cfg))
			}
		}
	})

	t.Run("OR widens", func(t *testing.T) {
		for _, p := range safe {
			for _, q := range unsafe {
				assert.False(t, guaranteed(&parser.Or{Left: p, Right: q}, target, cfg))
				assert.False(t, guaranteed(&parser.Or{Left: q, Right: p}, target, cfg))
			}
		}
	})

	t.Run("unguarded predicates", func(t *testing.T) {
		for _, p := range unsafe {
			assert.False(t, guaranteed(p, target, cfg))
		}
	})
}

func TestEvaluate_Idempotent(t *testing.T) {
	evaluator := NewOwnershipEvaluator()
	cfg := riskConfig()

	for _, sql := range []string{
		"UPDATE FRAMEWORK_CONFIG SET enabled=1 WHERE SOURCE='RISK' AND job='x'",
		"DELETE FROM FRAMEWORK_CONFIG WHERE job='x' OR SOURCE='RISK'",
		mergeBadInsert,
	} {
		dml := analyze(t, sql)
		assert.Equal(t, evaluator.Evaluate(dml, cfg), evaluator.Evaluate(dml, cfg))
		assert.Equal(t, evaluator.Evaluate(dml, cfg), evaluator.Evaluate(analyze(t, sql), cfg))
	}
}
