package services

import (
	"context"
	"os"
	"strings"

	"github.com/google/uuid"

	"github.com/liquibase/custom-policychecks/pkg/errors"
	"github.com/liquibase/custom-policychecks/pkg/models"
	"github.com/liquibase/custom-policychecks/pkg/parser"
)

const sqlPreviewLength = 200

// rowSecurityService implements RowSecurityService.
type rowSecurityService struct {
	semantic  Extractor
	lexical   Extractor
	evaluator OwnershipEvaluator
	env       EnvLookup
	logger    Logger
	metrics   MetricsCollector
}

// Option configures a RowSecurityService.
type Option func(*rowSecurityService)

// WithEnvLookup replaces the environment lookup, os.LookupEnv by default.
func WithEnvLookup(env EnvLookup) Option {
	return func(s *rowSecurityService) {
		if env != nil {
			s.env = env
		}
	}
}

// WithExtractors replaces the semantic and lexical extraction strategies.
func WithExtractors(semantic, lexical Extractor) Option {
	return func(s *rowSecurityService) {
		if semantic != nil {
			s.semantic = semantic
		}
		if lexical != nil {
			s.lexical = lexical
		}
	}
}

// WithEvaluator replaces the ownership rule.
func WithEvaluator(evaluator OwnershipEvaluator) Option {
	return func(s *rowSecurityService) {
		if evaluator != nil {
			s.evaluator = evaluator
		}
	}
}

// NewRowSecurityService creates a new row-level security service.
func NewRowSecurityService(logger Logger, metrics MetricsCollector, opts ...Option) RowSecurityService {
	s := &rowSecurityService{
		semantic:  NewSemanticExtractor(),
		lexical:   NewStatementClassifier(),
		evaluator: NewOwnershipEvaluator(),
		env:       os.LookupEnv,
		logger:    logger,
		metrics:   metrics,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Check evaluates every statement of every change in req. A statement on a
// protected table fires the check unless it is proven to touch only the
// tenant's rows. All violations are collected before returning.
func (s *rowSecurityService) Check(ctx context.Context, req *models.CheckRequest) (*models.CheckResult, error) {
	timer := s.metrics.StartTimer("rls_check")

	if req == nil {
		timer.Stop()
		return nil, errors.ErrEmptyRequest
	}

	strategy, err := models.ParseStrategy(string(req.Strategy))
	if err != nil {
		timer.Stop()
		return nil, err
	}

	result := &models.CheckResult{RunID: uuid.NewString()}
	logger := runLogger{s.logger, result.RunID}

	cfg, err := s.resolveConfig(req.Args)
	if err != nil {
		if errors.Is(err, errors.ErrTenantNotSet) {
			logger.Warn("Environment variable not set, row-level security check skipped",
				"env_var", req.Args[models.ArgEnvVarName])
			s.metrics.IncrementCounter("rls_skipped_total", "reason", "tenant_not_set")
			result.Skipped = true
			result.SkipReason = errors.GetMessage(err)
			result.Duration = timer.Stop()
			return result, nil
		}
		timer.Stop()
		return nil, err
	}

	s.metrics.RecordGauge("rls_protected_tables", float64(len(cfg.ProtectedTables)))

	template := req.MessageTemplate
	if strings.TrimSpace(template) == "" {
		template = models.DefaultMessageTemplate
	}

	logger.Debug("Starting row-level security check",
		"strategy", string(strategy),
		"tables", strings.Join(cfg.Tables(), ","),
		"changes", len(req.Changes))

	var messages []string
	index := 0
	for _, change := range req.Changes {
		if strings.EqualFold(change.Type, models.ChangeTypeLoadData) {
			logger.Debug("Skipping data load change", "change_id", change.ID)
			s.metrics.IncrementCounter("rls_skipped_total", "reason", "load_data")
			continue
		}

		for _, stmt := range parser.Parse(change.SQL) {
			if err := ctx.Err(); err != nil {
				timer.Stop()
				return nil, errors.Wrap(err, errors.CodeCanceled, errors.ErrCheckCanceled.Message)
			}

			outcome := s.evaluate(logger, stmt, strategy, cfg)
			outcome.ChangeID = change.ID
			outcome.Index = index
			index++

			s.metrics.IncrementCounter("rls_statements_total",
				"kind", outcome.Kind,
				"strategy", string(outcome.Strategy),
				"state", outcome.State.String())

			if outcome.State == models.StateFired {
				message := FormatMessage(template, outcome.Operation, outcome.Table, cfg)
				messages = append(messages, message)
				result.Violations = append(result.Violations, models.Violation{
					ChangeID:  change.ID,
					Index:     outcome.Index,
					Operation: outcome.Operation,
					Table:     outcome.Table,
					Message:   message,
					Reason:    outcome.Verdict.Reason,
					SQL:       stmt.Raw,
				})
				s.metrics.IncrementCounter("rls_violations_total",
					"operation", outcome.Operation,
					"table", outcome.Table)
				logger.Info("Row-level security violation",
					"change_id", change.ID,
					"message", message,
					"reason", outcome.Verdict.Reason,
					"sql", preview(stmt.Raw))
			}
			result.Outcomes = append(result.Outcomes, outcome)
		}
	}

	result.Fired = len(result.Violations) > 0
	result.Message = strings.Join(messages, "\n")
	result.Duration = timer.Stop()
	s.metrics.RecordHistogram("rls_check_duration_seconds", result.Duration.Seconds())
	s.metrics.RecordGauge("rls_last_run_violations", float64(len(result.Violations)))

	logger.Info("Row-level security check completed",
		"statements", index,
		"violations", len(result.Violations),
		"duration", result.Duration)

	return result, nil
}

// evaluate moves one statement from pending to passed or fired.
func (s *rowSecurityService) evaluate(logger Logger, stmt *parser.Statement, strategy models.Strategy, cfg models.PolicyConfig) models.StatementOutcome {
	outcome := models.StatementOutcome{
		Kind:      stmt.Kind.String(),
		Operation: stmt.Operation,
		Table:     stmt.Table,
		State:     models.StatePending,
	}

	outcome.State = models.StateEvaluating
	dml, used, err := s.extract(logger, stmt, strategy)
	outcome.Strategy = used

	if err != nil {
		if !errors.IsUnparsable(err) && errors.Is(err, errors.ErrUnsupportedKind) {
			outcome.State = models.StatePassed
			outcome.Verdict = models.Skipped("not a data-modifying statement")
			return outcome
		}
		if stmt.Kind == parser.KindOther || !cfg.IsProtected(stmt.Table) {
			outcome.State = models.StatePassed
			outcome.Verdict = models.Skipped("table is not protected")
			return outcome
		}
		logger.Debug("Statement could not be analyzed", "table", stmt.Table, "error", err)
		outcome.State = models.StateFired
		outcome.Verdict = models.Unsafe("statement could not be analyzed: " + errors.GetMessage(err))
		return outcome
	}

	outcome.Kind = dml.Kind.String()
	outcome.Operation = dml.Operation
	outcome.Table = dml.Table

	if dml.Kind == parser.KindOther {
		outcome.State = models.StatePassed
		outcome.Verdict = models.Skipped("not a data-modifying statement")
		return outcome
	}
	if !cfg.IsProtected(dml.Table) {
		outcome.State = models.StatePassed
		outcome.Verdict = models.Skipped("table is not protected")
		return outcome
	}

	outcome.Verdict = s.evaluator.Evaluate(dml, cfg)
	if outcome.Verdict.Kind == models.VerdictUnsafe {
		outcome.State = models.StateFired
	} else {
		outcome.State = models.StatePassed
	}
	return outcome
}

// extract runs the requested strategy. The auto strategy retries with the
// lexical extractor when the statement cannot be parsed.
func (s *rowSecurityService) extract(logger Logger, stmt *parser.Statement, strategy models.Strategy) (*parser.DML, models.Strategy, error) {
	switch strategy {
	case models.StrategyLexical:
		dml, err := s.lexical.Extract(stmt)
		return dml, s.lexical.Name(), err
	case models.StrategySemantic:
		dml, err := s.semantic.Extract(stmt)
		return dml, s.semantic.Name(), err
	}

	dml, err := s.semantic.Extract(stmt)
	if err == nil || !errors.IsUnparsable(err) {
		return dml, s.semantic.Name(), err
	}

	logger.Debug("Falling back to lexical extraction", "table", stmt.Table, "error", err)
	s.metrics.IncrementCounter("rls_strategy_fallbacks_total")
	dml, err = s.lexical.Extract(stmt)
	return dml, s.lexical.Name(), err
}

// resolveConfig reads the check arguments and the tenant value from the
// environment.
func (s *rowSecurityService) resolveConfig(args map[string]string) (models.PolicyConfig, error) {
	var missing []string
	for _, name := range []string{models.ArgEnvVarName, models.ArgProtectedTables, models.ArgTeamColumn} {
		if strings.TrimSpace(args[name]) == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return models.PolicyConfig{}, errors.New(errors.CodeInvalidConfig, errors.ErrMissingArgument.Message).
			WithDetail("missing", missing)
	}

	envVar := strings.TrimSpace(args[models.ArgEnvVarName])
	value, ok := s.env(envVar)
	if !ok || strings.TrimSpace(value) == "" {
		return models.PolicyConfig{}, errors.Newf(errors.CodeTenantNotSet,
			"Environment variable '%s' not set. Row-level security check skipped.", envVar)
	}

	cfg := models.NewPolicyConfig(envVar, args[models.ArgProtectedTables], args[models.ArgTeamColumn], strings.TrimSpace(value))
	if len(cfg.ProtectedTables) == 0 {
		return models.PolicyConfig{}, errors.New(errors.CodeInvalidConfig, "no protected tables configured")
	}
	return cfg, nil
}

// FormatMessage fills the placeholders of a violation message template.
func FormatMessage(template, operation, table string, cfg models.PolicyConfig) string {
	return strings.NewReplacer(
		models.PlaceholderOperation, operation,
		models.PlaceholderTableName, table,
		models.PlaceholderTeamColumn, cfg.TenantColumn,
		models.PlaceholderTeamValue, cfg.TenantValue,
	).Replace(template)
}

func preview(sql string) string {
	sql = strings.TrimSpace(sql)
	if len(sql) <= sqlPreviewLength {
		return sql
	}
	return sql[:sqlPreviewLength] + "..."
}

// runLogger tags every entry with the run identifier.
type runLogger struct {
	Logger
	runID string
}

func (l runLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.Logger.Debug(msg, append([]interface{}{"run_id", l.runID}, keysAndValues...)...)
}

func (l runLogger) Info(msg string, keysAndValues ...interface{}) {
	l.Logger.Info(msg, append([]interface{}{"run_id", l.runID}, keysAndValues...)...)
}

func (l runLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.Logger.Warn(msg, append([]interface{}{"run_id", l.runID}, keysAndValues...)...)
}

func (l runLogger) Error(msg string, keysAndValues ...interface{}) {
	l.Logger.Error(msg, append([]interface{}{"run_id", l.runID}, keysAndValues...)...)
}
