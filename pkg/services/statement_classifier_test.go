package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liquibase/custom-policychecks/pkg/errors"
	"github.com/liquibase/custom-policychecks/pkg/models"
	"github.com/liquibase/custom-policychecks/pkg/parser"
)

func lexical(t *testing.T, sql string) *parser.DML {
	t.Helper()
	stmt := parser.ParseStatement(sql)
	require.NotNil(t, stmt)
	dml, err := NewStatementClassifier().Extract(stmt)
	require.NoError(t, err)
	return dml
}

func TestStatementClassifier_Classify(t *testing.T) {
	tests := []struct {
		name      string
		sql       string
		kind      parser.Kind
		operation string
		table     string
		alias     string
	}{
		{"INSERT", "INSERT INTO framework_config (job) VALUES ('x')", parser.KindInsert, "INSERT", "FRAMEWORK_CONFIG", ""},
		{"INSERT OR REPLACE", "INSERT OR REPLACE INTO ops.framework_config VALUES (1)", parser.KindInsert, "INSERT", "FRAMEWORK_CONFIG", ""},
		{"REPLACE", "REPLACE INTO `framework_config` (job) VALUES ('x')", parser.KindInsert, "REPLACE", "FRAMEWORK_CONFIG", ""},
		{"UPDATE", "UPDATE dbo.[Framework_Config] SET a = 1", parser.KindUpdate, "UPDATE", "FRAMEWORK_CONFIG", ""},
		{"UPDATE with alias", "UPDATE framework_config fc SET a = 1", parser.KindUpdate, "UPDATE", "FRAMEWORK_CONFIG", "FC"},
		{"UPDATE ONLY", "UPDATE ONLY framework_config AS fc SET a = 1", parser.KindUpdate, "UPDATE", "FRAMEWORK_CONFIG", "FC"},
		{"DELETE", "DELETE FROM \"framework_config\" WHERE a = 1", parser.KindDelete, "DELETE", "FRAMEWORK_CONFIG", ""},
		{"DELETE with target", "DELETE fc FROM framework_config fc WHERE a = 1", parser.KindDelete, "DELETE", "FRAMEWORK_CONFIG", "FC"},
		{"MERGE", "MERGE INTO framework_config t USING s ON t.id = s.id WHEN MATCHED THEN DELETE", parser.KindMerge, "MERGE", "FRAMEWORK_CONFIG", "T"},
		{"CTE DELETE", "WITH doomed AS (SELECT id FROM x) DELETE FROM framework_config WHERE id IN (SELECT id FROM doomed)", parser.KindDelete, "DELETE", "FRAMEWORK_CONFIG", ""},
		{"leading comment", "-- cleanup\nDELETE FROM framework_config", parser.KindDelete, "DELETE", "FRAMEWORK_CONFIG", ""},
		{"DELETE without FROM", "DELETE framework_config WHERE a = 1", parser.KindDelete, "DELETE", "FRAMEWORK_CONFIG", ""},
		{"DELETE TOP", "DELETE TOP (10) FROM framework_config WHERE a = 1", parser.KindDelete, "DELETE", "FRAMEWORK_CONFIG", ""},
		{"DELETE TOP without FROM", "DELETE TOP (10) PERCENT framework_config", parser.KindDelete, "DELETE", "FRAMEWORK_CONFIG", ""},
		{"UPDATE TOP", "UPDATE TOP (5) framework_config SET a = 1", parser.KindUpdate, "UPDATE", "FRAMEWORK_CONFIG", ""},
		{"UPDATE alias from", "UPDATE fc SET a = 1 FROM ops.framework_config fc JOIN x ON x.id = fc.id WHERE fc.SOURCE = 'RISK'", parser.KindUpdate, "UPDATE", "FRAMEWORK_CONFIG", "FC"},
		{"UPDATE table joined in from", "UPDATE framework_config SET a = x.a FROM x WHERE x.id = framework_config.id", parser.KindUpdate, "UPDATE", "FRAMEWORK_CONFIG", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dml := lexical(t, tt.sql)
			assert.Equal(t, tt.kind, dml.Kind)
			assert.Equal(t, tt.operation, dml.Operation)
			assert.Equal(t, tt.table, dml.Table)
			assert.Equal(t, tt.alias, dml.Alias)
		})
	}
}

func TestStatementClassifier_Unsupported(t *testing.T) {
	classifier := NewStatementClassifier()

	for _, sql := range []string{
		"SELECT * FROM framework_config",
		"CREATE TABLE x (id INT)",
		"WITH c AS (SELECT 1) SELECT * FROM c",
		"DELETE FROM (SELECT 1) x",
	} {
		t.Run(sql, func(t *testing.T) {
			dml, err := classifier.Extract(parser.ParseStatement(sql))
			assert.Nil(t, dml)
			assert.True(t, errors.Is(err, errors.ErrUnsupportedKind))
		})
	}

	_, err := classifier.Extract(nil)
	assert.Error(t, err)
	assert.Equal(t, models.StrategyLexical, classifier.Name())
}

func TestStatementClassifier_Predicates(t *testing.T) {
	evaluator := NewOwnershipEvaluator()
	cfg := riskConfig()

	tests := []struct {
		name     string
		sql      string
		expected models.VerdictKind
	}{
		{"scoped by AND", "UPDATE FRAMEWORK_CONFIG SET enabled=1 WHERE SOURCE='RISK' AND job='x'", models.VerdictSafe},
		{"widened by OR", "UPDATE FRAMEWORK_CONFIG SET enabled=1 WHERE job='x' OR SOURCE='RISK'", models.VerdictUnsafe},
		{"guarded OR branches are rejected", "DELETE FROM FRAMEWORK_CONFIG WHERE (SOURCE='RISK' AND status='OLD') OR (SOURCE='RISK' AND obsolete=1)", models.VerdictUnsafe},
		{"no WHERE", "DELETE FROM FRAMEWORK_CONFIG", models.VerdictUnsafe},
		{"unbalanced trailing paren", "UPDATE FRAMEWORK_CONFIG SET enabled = 1 WHERE SOURCE = 'RISK' AND job = 'x')", models.VerdictSafe},
		{"tenant inside unclosed call", "UPDATE FRAMEWORK_CONFIG SET note = concat('a', 'b' WHERE SOURCE = 'RISK'", models.VerdictUnsafe},
		{"OR inside literal", "DELETE FROM FRAMEWORK_CONFIG WHERE note = 'a OR b' AND SOURCE = 'RISK'", models.VerdictSafe},
		{"tenant in comment", "DELETE FROM FRAMEWORK_CONFIG -- SOURCE = 'RISK'\nWHERE job = 'x'", models.VerdictUnsafe},
		{"negated", "DELETE FROM FRAMEWORK_CONFIG WHERE NOT SOURCE = 'RISK'", models.VerdictUnsafe},
		{"concatenated value", "DELETE FROM FRAMEWORK_CONFIG WHERE SOURCE = 'RI' || 'SK'", models.VerdictUnsafe},
		{"inside CASE", "DELETE FROM FRAMEWORK_CONFIG WHERE CASE WHEN SOURCE = 'RISK' THEN 1 ELSE 0 END = 1", models.VerdictUnsafe},
		{"inside subquery", "DELETE FROM FRAMEWORK_CONFIG WHERE id IN (SELECT id FROM x WHERE SOURCE = 'RISK')", models.VerdictUnsafe},
		{"qualified by alias", "UPDATE FRAMEWORK_CONFIG fc SET enabled = 1 WHERE fc.SOURCE = 'RISK'", models.VerdictSafe},
		{"qualified by other table", "UPDATE FRAMEWORK_CONFIG fc SET enabled = 1 WHERE other.SOURCE = 'RISK'", models.VerdictUnsafe},
		{"other tenant", "DELETE FROM FRAMEWORK_CONFIG WHERE SOURCE = 'OPS'", models.VerdictUnsafe},
		{"numeric value is not a placeholder", "DELETE FROM FRAMEWORK_CONFIG WHERE note = 'RISK' AND SOURCE = 0", models.VerdictUnsafe},
		{"escaped quote in literal", "DELETE FROM FRAMEWORK_CONFIG WHERE note = 'it''s' AND SOURCE = 'RISK'", models.VerdictSafe},
		{"no FROM scoped", "DELETE FRAMEWORK_CONFIG WHERE SOURCE = 'RISK'", models.VerdictSafe},
		{"no FROM unscoped", "DELETE FRAMEWORK_CONFIG WHERE job = 'x'", models.VerdictUnsafe},
		{"TOP unscoped", "UPDATE TOP (5) FRAMEWORK_CONFIG SET enabled = 1", models.VerdictUnsafe},
		{"alias from scoped", "UPDATE fc SET enabled = 1 FROM FRAMEWORK_CONFIG fc WHERE fc.SOURCE = 'RISK'", models.VerdictSafe},
		{"alias from unscoped", "UPDATE fc SET enabled = 1 FROM FRAMEWORK_CONFIG fc WHERE fc.job = 'x'", models.VerdictUnsafe},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dml := lexical(t, tt.sql)
			verdict := evaluator.Evaluate(dml, cfg)
			assert.Equal(t, tt.expected, verdict.Kind, verdict.Reason)
		})
	}
}

func TestStatementClassifier_Insert(t *testing.T) {
	t.Run("multi-row values", func(t *testing.T) {
		dml := lexical(t, "INSERT INTO FRAMEWORK_CONFIG (job, SOURCE) VALUES ('x, y', 'RISK'), ('z', concat('R', 'ISK'))")
		require.NotNil(t, dml.Insert)
		require.Equal(t, parser.InsertPaired, dml.Insert.Shape)
		assert.Equal(t, []string{"JOB", "SOURCE"}, dml.Insert.Columns)
		require.Len(t, dml.Insert.Rows, 2)
		assert.Equal(t, "'x, y'", dml.Insert.Rows[0][0].Value)
		assert.Equal(t, "'RISK'", dml.Insert.Rows[0][1].Value)
		assert.Equal(t, "concat('R', 'ISK')", dml.Insert.Rows[1][1].Value)
	})

	t.Run("NULL value", func(t *testing.T) {
		dml := lexical(t, "INSERT INTO FRAMEWORK_CONFIG (job, SOURCE) VALUES ('x', null)")
		require.Equal(t, parser.InsertPaired, dml.Insert.Shape)
		assert.True(t, dml.Insert.Rows[0][1].IsNull)
	})

	tests := []struct {
		name  string
		sql   string
		shape parser.InsertShape
	}{
		{"no column list", "INSERT INTO FRAMEWORK_CONFIG VALUES ('x', 'RISK')", parser.InsertUnpaired},
		{"select source", "INSERT INTO FRAMEWORK_CONFIG (job, SOURCE) SELECT job, 'RISK' FROM staging", parser.InsertUnpaired},
		{"subquery source", "INSERT INTO FRAMEWORK_CONFIG (SELECT * FROM staging)", parser.InsertUnpaired},
		{"count mismatch", "INSERT INTO FRAMEWORK_CONFIG (job, SOURCE) VALUES ('x')", parser.InsertMismatch},
		{"expression column", "INSERT INTO FRAMEWORK_CONFIG (job, lower(SOURCE)) VALUES ('x', 'RISK')", parser.InsertMismatch},
		{"on conflict do update", "INSERT INTO FRAMEWORK_CONFIG (job, SOURCE) VALUES ('x', 'RISK') ON CONFLICT (job) DO UPDATE SET SOURCE = 'OTHER'", parser.InsertMismatch},
		{"on duplicate key update", "INSERT INTO FRAMEWORK_CONFIG (job, SOURCE) VALUES ('x', 'RISK') ON DUPLICATE KEY UPDATE SOURCE = 'OTHER'", parser.InsertMismatch},
		{"upsert without column list", "INSERT INTO FRAMEWORK_CONFIG VALUES ('x', 'RISK') ON DUPLICATE KEY UPDATE job = 'y'", parser.InsertMismatch},
		{"on conflict do nothing", "INSERT INTO FRAMEWORK_CONFIG (job, SOURCE) VALUES ('x', 'RISK') ON CONFLICT (job) DO NOTHING", parser.InsertPaired},
		{"conflict words in literal", "INSERT INTO FRAMEWORK_CONFIG (job, SOURCE) VALUES ('ON CONFLICT DO UPDATE', 'RISK')", parser.InsertPaired},
		{"unclosed row", "INSERT INTO FRAMEWORK_CONFIG (job, SOURCE) VALUES ('x', 'RISK'", parser.InsertMismatch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dml := lexical(t, tt.sql)
			require.NotNil(t, dml.Insert)
			assert.Equal(t, tt.shape, dml.Insert.Shape)
		})
	}
}

func TestStatementClassifier_Merge(t *testing.T) {
	dml := lexical(t, mergeAllScoped)
	assert.Equal(t, parser.KindMerge, dml.Kind)
	assert.Equal(t, errors.ErrUnverifiableMerge.Message, dml.Unverifiable)
	assert.Equal(t, models.VerdictUnsafe, NewOwnershipEvaluator().Evaluate(dml, riskConfig()).Kind)
}
