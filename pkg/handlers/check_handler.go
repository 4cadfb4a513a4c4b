package handlers

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/liquibase/custom-policychecks/pkg/errors"
	"github.com/liquibase/custom-policychecks/pkg/models"
	"github.com/liquibase/custom-policychecks/pkg/services"
)

// Route paths served by the check handler.
const (
	CheckPath  = "/v1/checks/row-level-security"
	HealthPath = "/healthz"
)

const maxRequestBytes = 8 << 20

// checkHandler implements CheckHandler interface.
type checkHandler struct {
	service services.RowSecurityService
	logger  Logger
	metrics MetricsCollector
}

// NewCheckHandler creates a new check handler.
func NewCheckHandler(
	service services.RowSecurityService,
	logger Logger,
	metrics MetricsCollector,
) CheckHandler {
	return &checkHandler{
		service: service,
		logger:  logger,
		metrics: metrics,
	}
}

// Routes returns the handler tree.
func (h *checkHandler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+CheckPath, h.Check)
	mux.HandleFunc("GET "+HealthPath, h.Health)
	return h.instrument(mux)
}

// Check decodes a CheckRequest, runs it and writes the CheckResult. A fired
// check is still a successful request.
func (h *checkHandler) Check(w http.ResponseWriter, r *http.Request) {
	timer := h.metrics.StartTimer("handler_check")
	defer timer.Stop()

	var req models.CheckRequest
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxRequestBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		h.metrics.IncrementCounter("handler_check_errors", "code", errors.CodeInvalidRequest)
		h.writeError(w, errors.Wrap(err, errors.CodeInvalidRequest, "invalid request body"))
		return
	}

	h.logger.Debug("Running row-level security check", "changes", len(req.Changes), "strategy", string(req.Strategy))

	result, err := h.service.Check(r.Context(), &req)
	if err != nil {
		h.metrics.IncrementCounter("handler_check_errors", "code", errors.GetCode(err))
		if errors.IsInvalidRequest(err) || errors.IsInvalidConfig(err) {
			h.logger.Warn("Row-level security check rejected", "error", err)
		} else {
			h.logger.Error("Row-level security check failed", "error", err)
		}
		h.writeError(w, err)
		return
	}

	h.logger.Info("Row-level security check finished",
		"run_id", result.RunID,
		"fired", result.Fired,
		"skipped", result.Skipped,
		"violations", len(result.Violations))
	h.writeJSON(w, http.StatusOK, result)
}

// Health writes a static liveness response.
func (h *checkHandler) Health(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *checkHandler) writeError(w http.ResponseWriter, err error) {
	var policyErr *errors.PolicyError
	if !errors.As(err, &policyErr) {
		policyErr = errors.Wrap(err, errors.CodeInternal, "internal error")
	}
	h.writeJSON(w, statusFor(policyErr.Code), map[string]interface{}{"error": policyErr})
}

func (h *checkHandler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("Failed to write response", "error", err)
	}
}

// statusFor maps an error code to an HTTP status.
func statusFor(code string) int {
	switch code {
	case errors.CodeInvalidRequest, errors.CodeInvalidConfig:
		return http.StatusBadRequest
	case errors.CodeUnparsable, errors.CodeUnsupported:
		return http.StatusUnprocessableEntity
	case errors.CodeCanceled:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// statusRecorder captures the status written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// instrument wraps next with panic recovery, request logging and request
// metrics.
func (h *checkHandler) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		defer func() {
			if p := recover(); p != nil {
				h.logger.Error("Panic recovered",
					"method", r.Method,
					"path", r.URL.Path,
					"panic", fmt.Sprint(p))
				h.writeError(rec, errors.New(errors.CodeInternal, "internal error"))
			}

			duration := time.Since(start)
			h.metrics.IncrementCounter("http_requests_total",
				"path", r.URL.Path,
				"code", strconv.Itoa(rec.status))
			h.metrics.RecordHistogram("http_request_duration_seconds", duration.Seconds(),
				"path", r.URL.Path)
			h.logger.Debug("Request completed",
				"method", r.Method,
				"path", r.URL.Path,
				"status", rec.status,
				"duration", duration)
		}()

		next.ServeHTTP(rec, r)
	})
}
