package parser

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liquibase/custom-policychecks/pkg/errors"
)

const mergeWithTenant = `MERGE INTO FRAMEWORK_CONFIG fc
USING staging s ON fc.config_key = s.config_key
WHEN MATCHED AND fc.SOURCE = 'RISK' THEN
  UPDATE SET config_value = s.config_value
WHEN NOT MATCHED THEN
  INSERT (config_key, config_value, SOURCE) VALUES (s.config_key, s.config_value, 'RISK')`

func TestExtractMerge(t *testing.T) {
	stmt := ParseStatement(mergeWithTenant)
	require.NotNil(t, stmt)
	require.Equal(t, KindMerge, stmt.Kind)

	clauses, err := ExtractMerge(stmt)
	require.NoError(t, err)
	require.Len(t, clauses, 2)

	update := clauses[0]
	assert.Equal(t, KindUpdate, update.Kind)
	assert.Equal(t, "MERGE", update.Operation)
	assert.Equal(t, "FRAMEWORK_CONFIG", update.Table)
	assert.Equal(t, "FC", update.Alias)
	require.NotNil(t, update.Predicate)
	assert.Equal(t, "(OPAQUE[fc.config_key = s.config_key] AND FC.SOURCE = 'RISK')", update.Predicate.String())

	insert := clauses[1]
	assert.Equal(t, KindInsert, insert.Kind)
	require.NotNil(t, insert.Insert)
	require.Equal(t, InsertPaired, insert.Insert.Shape)
	assert.Equal(t, "RISK", insert.Insert.Rows[0][2].Unquoted())
}

func TestExtractMerge_ClauseForms(t *testing.T) {
	sql := `MERGE INTO t USING s ON t.id = s.id
WHEN MATCHED THEN DELETE
WHEN NOT MATCHED BY SOURCE AND t.SOURCE = 'RISK' THEN DELETE
WHEN NOT MATCHED BY SOURCE THEN UPDATE SET a = 1
WHEN NOT MATCHED THEN DO NOTHING
WHEN NOT MATCHED THEN INSERT VALUES (s.id, 'RISK')`

	clauses, err := ExtractMerge(ParseStatement(sql))
	require.NoError(t, err)
	require.Len(t, clauses, 4)

	assert.Equal(t, KindDelete, clauses[0].Kind)
	assert.Equal(t, "OPAQUE[t.id = s.id]", clauses[0].Predicate.String())

	assert.Equal(t, KindDelete, clauses[1].Kind)
	assert.Equal(t, "T.SOURCE = 'RISK'", clauses[1].Predicate.String())

	assert.Equal(t, KindUpdate, clauses[2].Kind)
	assert.Nil(t, clauses[2].Predicate)

	assert.Equal(t, KindInsert, clauses[3].Kind)
	assert.Equal(t, InsertUnpaired, clauses[3].Insert.Shape)
	assert.Contains(t, clauses[3].Raw, "'RISK'")
}

func TestExtractMerge_Errors(t *testing.T) {
	_, err := ExtractMerge(ParseStatement("MERGE INTO t WHEN MATCHED THEN DELETE"))
	assert.True(t, errors.IsUnparsable(err))

	_, err = ExtractMerge(ParseStatement("MERGE INTO t USING s ON (t.id = s.id WHEN MATCHED THEN DELETE"))
	assert.True(t, errors.IsUnparsable(err))

	_, err = ExtractMerge(ParseStatement("DELETE FROM t"))
	assert.ErrorIs(t, err, errors.ErrUnsupportedKind)
}

func TestAnalyze(t *testing.T) {
	dml, err := Analyze(ParseStatement("UPDATE FRAMEWORK_CONFIG SET a = 1 WHERE SOURCE = 'RISK'"))
	require.NoError(t, err)
	assert.Equal(t, KindUpdate, dml.Kind)
	assert.Equal(t, "FRAMEWORK_CONFIG", dml.Table)
	assert.Equal(t, "SOURCE = 'RISK'", dml.Predicate.String())

	dml, err = Analyze(ParseStatement("INSERT INTO t (SOURCE) VALUES ('RISK')"))
	require.NoError(t, err)
	require.NotNil(t, dml.Insert)
	assert.Equal(t, InsertPaired, dml.Insert.Shape)

	dml, err = Analyze(ParseStatement("MERGE INTO t USING s ON t.id = s.id"))
	require.NoError(t, err)
	assert.NotEmpty(t, dml.Unverifiable)

	_, err = Analyze(ParseStatement("SELECT 1"))
	assert.ErrorIs(t, err, errors.ErrUnsupportedKind)
}
