// Package server exposes the valuation engines over a JSON HTTP API.
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/iwvelando/opm-valuation/internal/backsolve"
	"github.com/iwvelando/opm-valuation/internal/config"
	"github.com/iwvelando/opm-valuation/internal/opm"
	"github.com/iwvelando/opm-valuation/internal/option"
	"github.com/iwvelando/opm-valuation/internal/trace"
	"github.com/iwvelando/opm-valuation/internal/valuation"
	"github.com/iwvelando/opm-valuation/pkg/calcerr"
	"github.com/iwvelando/opm-valuation/pkg/constants"
	"github.com/iwvelando/opm-valuation/pkg/precision"
	"go.uber.org/zap"
)

// RequestIDHeader carries the request id in both directions.
const RequestIDHeader = "X-Request-Id"

type contextKey string

const loggerContextKey contextKey = "logger"

type handler struct {
	logger      *zap.Logger
	maxBodySize int64
	version     string
}

// NewHandler constructs the HTTP handler for the valuation API.
func NewHandler(logger *zap.Logger, maxBodySize int64, timeout time.Duration, version string) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxBodySize <= 0 {
		maxBodySize = constants.DefaultMaxBodySizeBytes
	}
	if timeout <= 0 {
		timeout = constants.DefaultRequestTimeoutSeconds * time.Second
	}

	trimmedVersion := strings.TrimSpace(version)
	if trimmedVersion == "" {
		trimmedVersion = "dev"
	}

	h := &handler{logger: logger, maxBodySize: maxBodySize, version: trimmedVersion}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(h.requestContext)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(timeout))

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", h.handleHealth)
		r.Get("/version", h.handleVersion)

		r.Post("/price", h.handlePrice)
		r.Post("/implied-volatility", h.handleImpliedVolatility)
		r.Post("/allocate", h.handleAllocate)
		r.Post("/backsolve", h.handleBacksolve)
		r.Post("/backsolve/weighted", h.handleWeighted)
		r.Post("/run", h.handleRun)
	})

	return r
}

// requestContext assigns a request id, attaches a request-scoped logger and
// logs the request on completion.
func (h *handler) requestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := strings.TrimSpace(r.Header.Get(RequestIDHeader))
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, requestID)

		logger := trace.NewZapWithRequestID(h.logger, requestID)
		ctx := context.WithValue(r.Context(), loggerContextKey, logger)

		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r.WithContext(ctx))

		h.logger.Info("request completed",
			zap.String("op", "server.requestContext"),
			zap.String("requestId", requestID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

func loggerFrom(ctx context.Context) trace.Logger {
	if logger, ok := ctx.Value(loggerContextKey).(trace.Logger); ok {
		return logger
	}
	return trace.Nop()
}

func (h *handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (h *handler) handleVersion(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"version": h.version})
}

type priceResponse struct {
	Result option.Result `json:"result"`
	Greeks option.Greeks `json:"greeks"`
}

func (h *handler) handlePrice(w http.ResponseWriter, r *http.Request) {
	var params option.Params
	if !h.decode(w, r, &params) {
		return
	}

	pricer := option.NewPricer(loggerFrom(r.Context()))
	result, err := pricer.Price(params)
	if err != nil {
		h.respondCalculationError(w, err, "server.handlePrice")
		return
	}
	greeks, err := pricer.Greeks(params)
	if err != nil {
		h.respondCalculationError(w, err, "server.handlePrice")
		return
	}
	h.writeJSON(w, http.StatusOK, priceResponse{Result: result, Greeks: greeks})
}

type impliedVolatilityRequest struct {
	MarketPrice   float64       `json:"marketPrice"`
	Params        option.Params `json:"params"`
	Tolerance     float64       `json:"tolerance,omitempty"`
	MaxIterations int           `json:"maxIterations,omitempty"`
}

type impliedVolatilityResponse struct {
	Volatility *float64 `json:"volatility"`
	Converged  bool     `json:"converged"`
}

func (h *handler) handleImpliedVolatility(w http.ResponseWriter, r *http.Request) {
	var req impliedVolatilityRequest
	if !h.decode(w, r, &req) {
		return
	}
	if !(req.MarketPrice > 0) {
		h.respondCalculationError(w, calcerr.NewRange("marketPrice", req.MarketPrice, "> 0"), "server.handleImpliedVolatility")
		return
	}

	vol, converged := option.NewPricer(loggerFrom(r.Context())).
		ImpliedVolatility(req.MarketPrice, req.Params, req.Tolerance, req.MaxIterations)
	resp := impliedVolatilityResponse{Converged: converged}
	if converged {
		resp.Volatility = &vol
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *handler) handleAllocate(w http.ResponseWriter, r *http.Request) {
	var req opm.Context
	if !h.decode(w, r, &req) {
		return
	}

	logger, recorder := auditLogger(r)
	result, err := opm.NewEngine(option.NewPricer(logger), logger).Calculate(req)
	if err != nil {
		h.respondCalculationError(w, err, "server.handleAllocate")
		return
	}
	h.writeResult(w, result, recorder)
}

func (h *handler) handleBacksolve(w http.ResponseWriter, r *http.Request) {
	var req backsolve.Request
	if !h.decode(w, r, &req) {
		return
	}

	logger, recorder := auditLogger(r)
	result := backsolve.NewService(logger, precision.Default()).Backsolve(r.Context(), req)
	h.writeResult(w, result, recorder)
}

func (h *handler) handleWeighted(w http.ResponseWriter, r *http.Request) {
	var req backsolve.WeightedRequest
	if !h.decode(w, r, &req) {
		return
	}

	logger, recorder := auditLogger(r)
	result, err := backsolve.NewService(logger, precision.Default()).BacksolveWeighted(r.Context(), req)
	if err != nil {
		h.respondCalculationError(w, err, "server.handleWeighted")
		return
	}
	h.writeResult(w, result, recorder)
}

// tracedResponse is returned instead of the bare result when ?trace=true.
type tracedResponse struct {
	Result     interface{}   `json:"result"`
	AuditTrail []trace.Entry `json:"auditTrail"`
}

// auditLogger returns the request logger, wrapped in a Recorder when the
// caller asked for the audit trail with ?trace=true.
func auditLogger(r *http.Request) (trace.Logger, *trace.Recorder) {
	logger := loggerFrom(r.Context())
	enabled, err := strconv.ParseBool(r.URL.Query().Get("trace"))
	if err != nil || !enabled {
		return logger, nil
	}
	recorder := trace.NewRecorder(logger)
	return recorder, recorder
}

func (h *handler) writeResult(w http.ResponseWriter, result interface{}, recorder *trace.Recorder) {
	if recorder == nil {
		h.writeJSON(w, http.StatusOK, result)
		return
	}
	h.writeJSON(w, http.StatusOK, tracedResponse{Result: result, AuditTrail: recorder.Entries()})
}

// handleRun accepts a complete YAML valuation file.
func (h *handler) handleRun(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize)
	data, err := io.ReadAll(r.Body)
	if err != nil {
		h.respondReadError(w, err, "server.handleRun")
		return
	}

	conf, err := config.LoadConfigurationFromReader(bytes.NewReader(data))
	if err != nil {
		h.respondErrorWithOp(w, http.StatusBadRequest, err.Error(), "server.handleRun")
		return
	}

	report, err := valuation.Run(r.Context(), loggerFrom(r.Context()), conf)
	if err != nil {
		h.respondCalculationError(w, err, "server.handleRun")
		return
	}
	h.writeJSON(w, http.StatusOK, report)
}

// decode reads a size-limited JSON body into dst, responding with an error
// and returning false on failure.
func (h *handler) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		h.respondReadError(w, err, "server.decode")
		return false
	}
	return true
}

func (h *handler) respondReadError(w http.ResponseWriter, err error, op string) {
	var maxBytesErr *http.MaxBytesError
	if errors.As(err, &maxBytesErr) {
		h.respondErrorWithOp(w, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("request body exceeds limit of %d bytes", h.maxBodySize), op)
		return
	}
	h.respondErrorWithOp(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err), op)
}

// respondCalculationError maps calculation errors onto HTTP statuses.
func (h *handler) respondCalculationError(w http.ResponseWriter, err error, op string) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, calcerr.ErrInfeasible):
		status = http.StatusUnprocessableEntity
	case calcerr.IsValidation(err):
		status = http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		status = http.StatusServiceUnavailable
	}
	h.respondErrorWithOp(w, status, err.Error(), op)
}

func (h *handler) respondErrorWithOp(w http.ResponseWriter, status int, msg string, op string) {
	if status >= http.StatusInternalServerError {
		h.logger.Error(msg, zap.String("op", op), zap.Int("status", status))
	} else {
		h.logger.Warn(msg, zap.String("op", op), zap.Int("status", status))
	}
	h.writeJSON(w, status, map[string]string{"error": msg})
}

func (h *handler) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.logger.Warn("failed to encode response", zap.String("op", "server.writeJSON"), zap.Error(err))
	}
}
