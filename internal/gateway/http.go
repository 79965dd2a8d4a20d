package gateway

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"foresta.dev/guardian/internal/protocol"
	"foresta.dev/guardian/internal/store"
	"foresta.dev/guardian/pkg/metrics"
)

// MaxPayload bounds a telemetry or registration request body.
const MaxPayload = 1 << 20

// API serves the device and operator HTTP endpoints.
type API struct {
	logger        *slog.Logger
	gateway       *Gateway
	registrar     *Registrar
	store         *store.Store
	logs          LogSink
	metrics       *metrics.GatewayMetrics
	operatorToken string
}

// APIConfig holds the configuration for the API.
type APIConfig struct {
	Logger    *slog.Logger
	Gateway   *Gateway
	Registrar *Registrar
	Store     *store.Store
	Logs      LogSink                 // Optional, log uploads are refused without it
	Metrics   *metrics.GatewayMetrics // Optional
	// OperatorToken guards the operator read endpoints. They are not served when empty.
	OperatorToken string
}

// NewAPI creates a new API instance.
func NewAPI(cfg *APIConfig) (*API, error) {
	if cfg == nil {
		return nil, errors.New("api config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.Gateway == nil {
		return nil, errors.New("gateway cannot be nil")
	}

	if cfg.Registrar == nil {
		return nil, errors.New("registrar cannot be nil")
	}

	if cfg.Store == nil {
		return nil, errors.New("store cannot be nil")
	}

	return &API{
		logger:        cfg.Logger.With("component", "http"),
		gateway:       cfg.Gateway,
		registrar:     cfg.Registrar,
		store:         cfg.Store,
		logs:          cfg.Logs,
		metrics:       cfg.Metrics,
		operatorToken: cfg.OperatorToken,
	}, nil
}

// Routes configures the HTTP routes.
func (a *API) Routes() http.Handler {
	mux := http.NewServeMux()

	// Device endpoints
	mux.HandleFunc("POST /api/sensors/data", a.handleIngest)
	mux.HandleFunc("POST /api/sensors/register", a.handleRegister)
	mux.HandleFunc("GET /api/sensors/register/{uuid}", a.handlePoll)
	mux.HandleFunc("POST /api/sensors/logs", a.handleLogs)

	// Probes
	mux.HandleFunc("GET /healthz", a.handleHealth)
	mux.Handle("GET /metrics", metrics.Handler())

	if a.operatorToken != "" {
		mux.Handle("GET /api/operator/devices", a.operator(a.handleDevices))
		mux.Handle("GET /api/operator/devices/{id}", a.operator(a.handleDevice))
		mux.Handle("GET /api/operator/devices/{id}/readings", a.operator(a.handleReadings))
		mux.Handle("GET /api/operator/devices/{id}/health", a.operator(a.handleHealthChecks))
		mux.Handle("GET /api/operator/devices/{id}/alerts", a.operator(a.handleDeviceAlerts))
		mux.Handle("GET /api/operator/areas/{id}/alerts", a.operator(a.handleAreaAlerts))
		mux.Handle("GET /api/operator/alerts/{id}", a.operator(a.handleAlert))
	}

	return a.instrument(mux)
}

func (a *API) handleIngest(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxPayload))
	if err != nil {
		a.writeError(w, protocol.Reject(protocol.ErrBadPayload, "unreadable body: %v", err))
		return
	}

	if _, err := a.gateway.Ingest(r.Context(), body, credentialFrom(r), SourceHTTP); err != nil {
		a.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req protocol.RegistrationRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, MaxPayload)).Decode(&req); err != nil {
		a.writeError(w, protocol.Reject(protocol.ErrBadPayload, "malformed json: %v", err))
		return
	}

	resp, err := a.registrar.Register(r.Context(), &req)
	if err != nil {
		a.writeError(w, err)
		return
	}

	writeRegistration(w, resp)
}

func (a *API) handlePoll(w http.ResponseWriter, r *http.Request) {
	token := r.Header.Get(protocol.HeaderRegistrationToken)
	if token == "" {
		a.writeError(w, protocol.Reject(protocol.ErrUnauthorized, "registration token required"))
		return
	}

	resp, err := a.registrar.Poll(r.Context(), r.PathValue("uuid"), token)
	if err != nil {
		a.writeError(w, err)
		return
	}

	writeRegistration(w, resp)
}

func (a *API) handleLogs(w http.ResponseWriter, r *http.Request) {
	device, err := a.gateway.Authenticate(r.Context(), credentialFrom(r))
	if err != nil {
		a.writeError(w, err)
		return
	}

	if a.logs == nil {
		writeJSON(w, http.StatusServiceUnavailable, protocol.ErrorResponse{Error: "unavailable", Reason: "log upload is not configured"})
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxLogUpload))
	if err != nil {
		a.writeError(w, protocol.Reject(protocol.ErrBadPayload, "unreadable body: %v", err))
		return
	}

	name, err := a.logs.StoreLogs(r.Context(), device, bytes.NewReader(body), int64(len(body)))
	if err != nil {
		a.logger.Error("failed to store device logs", "code_name", device.DisplayName(), "error", err)
		a.writeError(w, storageFailure(err))
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "stored", "object": name})
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := a.store.Ping(ctx); err != nil {
		a.logger.Warn("health check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) handleDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := a.store.Devices(r.Context(), store.DeviceState(r.URL.Query().Get("state")))
	if err != nil {
		a.writeError(w, err)
		return
	}

	views := make([]deviceView, 0, len(devices))
	for i := range devices {
		views = append(views, newDeviceView(&devices[i]))
	}
	writeJSON(w, http.StatusOK, views)
}

func (a *API) handleDevice(w http.ResponseWriter, r *http.Request) {
	device, err := a.store.ResolveDevice(r.Context(), r.PathValue("id"))
	if err != nil {
		a.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, newDeviceView(device))
}

func (a *API) handleReadings(w http.ResponseWriter, r *http.Request) {
	device, tr, err := a.deviceQuery(r)
	if err != nil {
		a.writeError(w, err)
		return
	}

	readings, err := a.store.Readings(r.Context(), device.ID, tr)
	if err != nil {
		a.writeError(w, err)
		return
	}

	views := make([]readingView, 0, len(readings))
	for i := range readings {
		views = append(views, newReadingView(&readings[i]))
	}
	writeJSON(w, http.StatusOK, views)
}

func (a *API) handleHealthChecks(w http.ResponseWriter, r *http.Request) {
	device, tr, err := a.deviceQuery(r)
	if err != nil {
		a.writeError(w, err)
		return
	}

	checks, err := a.store.HealthChecks(r.Context(), device.ID, tr)
	if err != nil {
		a.writeError(w, err)
		return
	}

	views := make([]healthCheckView, 0, len(checks))
	for i := range checks {
		views = append(views, newHealthCheckView(&checks[i]))
	}
	writeJSON(w, http.StatusOK, views)
}

func (a *API) handleDeviceAlerts(w http.ResponseWriter, r *http.Request) {
	device, tr, err := a.deviceQuery(r)
	if err != nil {
		a.writeError(w, err)
		return
	}

	a.writeAlerts(w, r, store.AlertFilter{TimeRange: tr, DeviceID: device.ID})
}

func (a *API) handleAreaAlerts(w http.ResponseWriter, r *http.Request) {
	tr, err := parseRange(r)
	if err != nil {
		a.writeError(w, err)
		return
	}

	a.writeAlerts(w, r, store.AlertFilter{TimeRange: tr, AreaID: r.PathValue("id")})
}

func (a *API) handleAlert(w http.ResponseWriter, r *http.Request) {
	al, err := a.store.Alert(r.Context(), r.PathValue("id"))
	if err != nil {
		a.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, newAlertView(al))
}

func (a *API) writeAlerts(w http.ResponseWriter, r *http.Request, f store.AlertFilter) {
	q := r.URL.Query()
	f.Status = store.AlertStatus(q.Get("status"))
	f.Type = store.AlertType(q.Get("type"))

	alerts, err := a.store.Alerts(r.Context(), f)
	if err != nil {
		a.writeError(w, err)
		return
	}

	views := make([]alertView, 0, len(alerts))
	for i := range alerts {
		views = append(views, newAlertView(&alerts[i]))
	}
	writeJSON(w, http.StatusOK, views)
}

func (a *API) deviceQuery(r *http.Request) (*store.Device, store.TimeRange, error) {
	tr, err := parseRange(r)
	if err != nil {
		return nil, tr, err
	}

	device, err := a.store.ResolveDevice(r.Context(), r.PathValue("id"))
	if err != nil {
		return nil, tr, err
	}

	return device, tr, nil
}

// operator guards a handler with the operator bearer token.
func (a *API) operator(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearer(r.Header.Get(protocol.HeaderAuthorization))
		if subtle.ConstantTimeCompare([]byte(token), []byte(a.operatorToken)) != 1 {
			a.writeError(w, protocol.Reject(protocol.ErrUnauthorized, "operator token required"))
			return
		}
		next(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// instrument records request metrics labelled by the matched route pattern.
func (a *API) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		if a.metrics != nil {
			a.metrics.HTTPRequestsInFlight.Inc()
			defer a.metrics.HTTPRequestsInFlight.Dec()
		}

		next.ServeHTTP(rec, r)

		pattern := r.Pattern
		if pattern == "" {
			pattern = "unmatched"
		}

		if a.metrics != nil {
			a.metrics.HTTPRequestsTotal.WithLabelValues(r.Method, pattern, strconv.Itoa(rec.status)).Inc()
			a.metrics.HTTPRequestDuration.WithLabelValues(r.Method, pattern).Observe(time.Since(start).Seconds())
		}

		a.logger.Debug("request handled",
			"method", r.Method,
			"pattern", pattern,
			"status", rec.status,
			"duration", time.Since(start),
		)
	})
}

func (a *API) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	resp := protocol.ErrorResponse{Error: protocol.KindName(err), Reason: protocol.ReasonOf(err)}

	switch {
	case errors.Is(err, store.ErrNotFound):
		resp = protocol.ErrorResponse{Error: "not_found"}
	case status == http.StatusServiceUnavailable:
		w.Header().Set("Retry-After", "30")
	case status == http.StatusInternalServerError:
		a.logger.Error("request failed", "error", err)
		resp.Reason = ""
	}

	writeJSON(w, status, resp)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, protocol.ErrBadPayload):
		return http.StatusBadRequest
	case errors.Is(err, protocol.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, protocol.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, protocol.ErrStorage):
		return http.StatusServiceUnavailable
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func writeRegistration(w http.ResponseWriter, resp *protocol.RegistrationResponse) {
	status := http.StatusOK
	if resp.Status == protocol.RegistrationPending {
		status = http.StatusAccepted
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// credentialFrom reads the device API key from the bearer header, falling back to
// the legacy header.
func credentialFrom(r *http.Request) string {
	if key := bearer(r.Header.Get(protocol.HeaderAuthorization)); key != "" {
		return key
	}
	return strings.TrimSpace(r.Header.Get(protocol.HeaderLegacyAPIKey))
}

func bearer(header string) string {
	const prefix = "bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}

func parseRange(r *http.Request) (store.TimeRange, error) {
	var tr store.TimeRange
	q := r.URL.Query()

	for _, p := range []struct {
		name string
		dst  *time.Time
	}{{"from", &tr.From}, {"to", &tr.To}} {
		v := q.Get(p.name)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return tr, protocol.Reject(protocol.ErrBadPayload, "%s must be RFC3339", p.name)
		}
		*p.dst = t
	}

	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return tr, protocol.Reject(protocol.ErrBadPayload, "limit must be a non-negative integer")
		}
		tr.Limit = n
	}

	return tr, nil
}
