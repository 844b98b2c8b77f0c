package api

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/punchamoorthee/pointsledger/internal/domain"
	"github.com/punchamoorthee/pointsledger/internal/service"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_http_requests_total",
		Help: "Total HTTP requests processed, labeled by status code",
	}, []string{"method", "endpoint", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_http_request_duration_seconds",
		Help:    "Latency distribution of HTTP requests",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"method", "endpoint"})
)

const maxBodyBytes = 1 << 20

type Handler struct {
	engine *service.Engine
	log    logrus.FieldLogger
}

func NewHandler(engine *service.Engine, log logrus.FieldLogger) *Handler {
	return &Handler{engine: engine, log: log}
}

// Router builds the full route table, including /health and /metrics.
func (h *Handler) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(h.instrument)
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/health", h.HealthCheckHandler).Methods(http.MethodGet)

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/accounts/{id}", h.GetAccountHandler).Methods(http.MethodGet)
	v1.HandleFunc("/accounts/{id}/transactions", h.GetTransactionsHandler).Methods(http.MethodGet)
	v1.HandleFunc("/accounts/{id}/earn", h.EarnHandler).Methods(http.MethodPost)
	v1.HandleFunc("/accounts/{id}/adjustments", h.AdjustHandler).Methods(http.MethodPost)
	v1.HandleFunc("/accounts/{id}/verify", h.VerifyHandler).Methods(http.MethodGet)

	v1.HandleFunc("/rewards", h.ListRewardsHandler).Methods(http.MethodGet)
	v1.HandleFunc("/rewards", h.CreateRewardHandler).Methods(http.MethodPost)
	v1.HandleFunc("/rewards/{id}", h.GetRewardHandler).Methods(http.MethodGet)
	v1.HandleFunc("/rewards/{id}", h.UpdateRewardHandler).Methods(http.MethodPut)
	v1.HandleFunc("/rewards/{id}/status", h.SetRewardStatusHandler).Methods(http.MethodPut)

	v1.HandleFunc("/redemptions", h.RedeemHandler).Methods(http.MethodPost)
	v1.HandleFunc("/redemptions/{code}", h.GetRedemptionHandler).Methods(http.MethodGet)
	v1.HandleFunc("/redemptions/{code}/consume", h.ConsumeHandler).Methods(http.MethodPost)

	v1.HandleFunc("/settings", h.GetSettingsHandler).Methods(http.MethodGet)
	v1.HandleFunc("/settings", h.UpdateSettingsHandler).Methods(http.MethodPut)
	v1.HandleFunc("/tiers", h.GetTiersHandler).Methods(http.MethodGet)
	v1.HandleFunc("/tiers", h.UpdateTiersHandler).Methods(http.MethodPut)
	v1.HandleFunc("/sweeps", h.SweepHandler).Methods(http.MethodPost)
	return r
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// instrument records request metrics by route template and picks up the
// caller's trace context.
func (h *Handler) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		endpoint := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tpl, err := route.GetPathTemplate(); err == nil {
				endpoint = tpl
			}
		}
		ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))

		timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues(r.Method, endpoint))
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))
		timer.ObserveDuration()
		httpRequestsTotal.WithLabelValues(r.Method, endpoint, strconv.Itoa(rec.status)).Inc()
	})
}

// readBody returns the raw body and decodes it into v. An empty body leaves
// v untouched.
func readBody(w http.ResponseWriter, r *http.Request, v any) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return nil, domain.Invalid("body", "unreadable or too large")
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	if len(bytes.TrimSpace(body)) == 0 {
		return body, nil
	}
	if err := json.Unmarshal(body, v); err != nil {
		return nil, domain.Invalid("body", "malformed JSON: "+err.Error())
	}
	return body, nil
}

// idempotencyKey binds the Idempotency-Key header to a hash of the route
// and body, so reusing a key for a different request is detected.
func idempotencyKey(r *http.Request, body []byte) service.IdempotencyKey {
	key := r.Header.Get("Idempotency-Key")
	if key == "" {
		return service.IdempotencyKey{}
	}
	h := sha256.New()
	h.Write([]byte(r.Method + " " + r.URL.Path + "\n"))
	h.Write(body)
	return service.IdempotencyKey{Key: key, RequestHash: hex.EncodeToString(h.Sum(nil))}
}

type errorResponse struct {
	Error      string             `json:"error"`
	Code       string             `json:"code"`
	Field      string             `json:"field,omitempty"`
	Redemption *domain.Redemption `json:"redemption,omitempty"`
}

// statusFor maps the error taxonomy onto HTTP.
func statusFor(err error) (int, string) {
	switch {
	case domain.IsValidation(err):
		return http.StatusBadRequest, "validation_error"
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, domain.ErrInsufficientBalance):
		return http.StatusUnprocessableEntity, "insufficient_balance"
	case errors.Is(err, domain.ErrRewardUnavailable):
		return http.StatusUnprocessableEntity, "reward_unavailable"
	case errors.Is(err, domain.ErrUsageLimitExceeded):
		return http.StatusUnprocessableEntity, "usage_limit_exceeded"
	case errors.Is(err, domain.ErrOrderTooSmall):
		return http.StatusUnprocessableEntity, "order_too_small"
	case errors.Is(err, domain.ErrAlreadyUsed):
		return http.StatusConflict, "already_used"
	case errors.Is(err, domain.ErrExpired):
		return http.StatusGone, "expired"
	case errors.Is(err, domain.ErrIdempotencyInProgress):
		return http.StatusConflict, "request_in_progress"
	case errors.Is(err, domain.ErrIdempotencyMismatch):
		return http.StatusUnprocessableEntity, "idempotency_key_mismatch"
	case errors.Is(err, domain.ErrConflict):
		return http.StatusConflict, "conflict"
	case errors.Is(err, domain.ErrStorageUnavailable):
		return http.StatusServiceUnavailable, "storage_unavailable"
	}
	return http.StatusInternalServerError, "internal_error"
}

func (h *Handler) respondWithServiceError(w http.ResponseWriter, r *http.Request, err error, red *domain.Redemption) {
	status, code := statusFor(err)
	resp := errorResponse{Error: err.Error(), Code: code, Redemption: red}
	var ve *domain.ValidationError
	if errors.As(err, &ve) {
		resp.Field = ve.Field
	}
	if status >= http.StatusInternalServerError {
		h.log.WithError(err).WithFields(logrus.Fields{
			"method": r.Method,
			"path":   r.URL.Path,
		}).Error("request failed")
		if status == http.StatusInternalServerError {
			resp.Error = "internal server error"
		}
	}
	respondWithJSON(w, status, resp)
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, map[string]string{"error": message})
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}
