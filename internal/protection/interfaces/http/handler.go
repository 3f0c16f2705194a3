package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"ptoc-relay/internal/audit"
	"ptoc-relay/internal/auth"
	measurement "ptoc-relay/internal/measurement/domain"
	"ptoc-relay/internal/observability/logging"
	"ptoc-relay/internal/observability/metrics"
	"ptoc-relay/internal/protection/application"
	protection "ptoc-relay/internal/protection/domain"
	"ptoc-relay/internal/protection/report"
)

const timeLayout = time.RFC3339

// Handler provides protection HTTP endpoints.
type Handler struct {
	service  *application.Service
	broker   *SSEBroker
	relay    string
	validate *validator.Validate
	logger   *zap.SugaredLogger
	audit    audit.Logger
}

// HandlerOption customizes the handler.
type HandlerOption func(*Handler)

// WithBroker enables the SSE stream.
func WithBroker(broker *SSEBroker) HandlerOption {
	return func(h *Handler) {
		h.broker = broker
	}
}

// WithRelayName sets the relay name printed on reports.
func WithRelayName(name string) HandlerOption {
	return func(h *Handler) {
		if name != "" {
			h.relay = name
		}
	}
}

// WithLogger assigns a logger.
func WithLogger(logger *zap.SugaredLogger) HandlerOption {
	return func(h *Handler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithAuditLogger records operator actions.
func WithAuditLogger(logger audit.Logger) HandlerOption {
	return func(h *Handler) {
		h.audit = logger
	}
}

// NewHandler constructs a handler.
func NewHandler(service *application.Service, opts ...HandlerOption) (*Handler, error) {
	if service == nil {
		return nil, errors.New("protection handler: nil service")
	}
	h := &Handler{
		service:  service,
		relay:    "relay",
		validate: validator.New(),
		logger:   logging.OrNop(nil),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// Register mounts the protection routes on router.
func (h *Handler) Register(router *mux.Router) {
	api := router.PathPrefix("/api/v1/protection").Subrouter()
	api.HandleFunc("/status", h.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/events", h.handleEvents).Methods(http.MethodGet)
	api.HandleFunc("/events/export.{format:pdf|xlsx}", h.handleExport).Methods(http.MethodGet)
	api.HandleFunc("/stream", h.handleStream).Methods(http.MethodGet)
	api.HandleFunc("/reset", h.handleReset).Methods(http.MethodPost)
	api.HandleFunc("/enable", h.handleEnable(true)).Methods(http.MethodPost)
	api.HandleFunc("/disable", h.handleEnable(false)).Methods(http.MethodPost)
	api.HandleFunc("/settings", h.handleGetSettings).Methods(http.MethodGet)
	api.HandleFunc("/settings", h.handlePutSettings).Methods(http.MethodPut)
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.service.Status())
}

func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	query, err := parseEventQuery(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	events, err := h.service.Events(r.Context(), query)
	if err != nil {
		h.logger.Errorw("protection handler: list events failed", "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if events == nil {
		events = []protection.TripEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (h *Handler) handleExport(w http.ResponseWriter, r *http.Request) {
	format := mux.Vars(r)["format"]
	started := time.Now()
	query, err := parseEventQuery(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	events, err := h.service.Events(r.Context(), query)
	if err != nil {
		metrics.ObserveReportExport(format, metrics.ResultError, time.Since(started))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	status := h.service.Status()
	summary := report.Summary{
		Relay:           h.relay,
		Function:        status.Function,
		PickupCurrent:   status.PickupCurrent,
		TimeDelay:       status.TimeDelay,
		SamplesPerCycle: status.SamplesPerCycle,
		From:            query.From,
		To:              query.To,
		GeneratedAt:     time.Now().UTC(),
	}

	var (
		body        []byte
		contentType string
	)
	switch format {
	case "pdf":
		body, err = report.BuildPDF(summary, events)
		contentType = "application/pdf"
	default:
		body, err = report.BuildXLSX(summary, events)
		contentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	}
	if err != nil {
		metrics.ObserveReportExport(format, metrics.ResultError, time.Since(started))
		h.logger.Errorw("protection handler: export failed", "format", format, "error", err)
		http.Error(w, "export failed", http.StatusInternalServerError)
		return
	}
	metrics.ObserveReportExport(format, metrics.ResultSuccess, time.Since(started))

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=trip-events.%s", format))
	_, _ = w.Write(body)
}

func (h *Handler) handleReset(w http.ResponseWriter, r *http.Request) {
	before := h.service.Status().Phase
	if err := h.service.Reset(r.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	h.logAudit(r, "protection.reset", map[string]any{"phase_before": before})
	writeJSON(w, http.StatusOK, h.service.Status())
}

func (h *Handler) handleEnable(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := h.service.SetEnabled(r.Context(), enabled); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		action := "protection.disable"
		if enabled {
			action = "protection.enable"
		}
		h.logAudit(r, action, nil)
		writeJSON(w, http.StatusOK, h.service.Status())
	}
}

// SettingsView is the JSON form of the protection settings.
type SettingsView struct {
	PickupCurrent   float64 `json:"pickup_current"`
	TimeDelay       string  `json:"time_delay"`
	Enabled         bool    `json:"enabled"`
	SealIn          bool    `json:"seal_in"`
	SamplesPerCycle int     `json:"samples_per_cycle"`
	ScaleFactor     float64 `json:"scale_factor"`
	Offset          float64 `json:"offset"`
	CTPrimary       float64 `json:"ct_primary"`
	CTSecondary     float64 `json:"ct_secondary"`
}

func viewOf(settings protection.Settings) SettingsView {
	return SettingsView{
		PickupCurrent:   settings.Trip.PickupCurrent(),
		TimeDelay:       settings.Trip.TimeDelay().String(),
		Enabled:         settings.Trip.Enabled(),
		SealIn:          settings.SealIn,
		SamplesPerCycle: settings.SamplesPerCycle,
		ScaleFactor:     settings.Scale.ScaleFactor(),
		Offset:          settings.Scale.Offset(),
		CTPrimary:       settings.Scale.CTPrimary(),
		CTSecondary:     settings.Scale.CTSecondary(),
	}
}

type settingsRequest struct {
	PickupCurrent   *float64 `json:"pickup_current" validate:"omitempty,gt=0"`
	TimeDelay       *string  `json:"time_delay" validate:"omitempty,min=1"`
	Enabled         *bool    `json:"enabled"`
	SealIn          *bool    `json:"seal_in"`
	SamplesPerCycle *int     `json:"samples_per_cycle" validate:"omitempty,gt=0,lte=4096"`
}

func (h *Handler) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := h.service.Settings(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(settings))
}

func (h *Handler) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	var req settingsRequest
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		http.Error(w, "invalid json: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var delay *time.Duration
	if req.TimeDelay != nil {
		parsed, err := time.ParseDuration(*req.TimeDelay)
		if err != nil {
			http.Error(w, "time_delay must be a duration such as 100ms", http.StatusBadRequest)
			return
		}
		delay = &parsed
	}

	settings, err := h.service.Update(r.Context(), func(settings protection.Settings) (protection.Settings, error) {
		pickup := settings.Trip.PickupCurrent()
		timeDelay := settings.Trip.TimeDelay()
		enabled := settings.Trip.Enabled()
		if req.PickupCurrent != nil {
			pickup = *req.PickupCurrent
		}
		if delay != nil {
			timeDelay = *delay
		}
		if req.Enabled != nil {
			enabled = *req.Enabled
		}
		if req.SealIn != nil {
			settings.SealIn = *req.SealIn
		}
		if req.SamplesPerCycle != nil {
			settings.SamplesPerCycle = *req.SamplesPerCycle
		}
		trip, err := protection.NewTripConfig(pickup, timeDelay, enabled)
		if err != nil {
			return settings, err
		}
		settings.Trip = trip
		return settings, nil
	})
	if err != nil {
		if errors.Is(err, protection.ErrInvalidConfig) || errors.Is(err, measurement.ErrInvalidConfig) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	h.logAudit(r, "protection.settings", viewOf(settings))
	h.logger.Infow("protection handler: settings updated",
		"pickup_current", settings.Trip.PickupCurrent(), "time_delay", settings.Trip.TimeDelay(),
		"enabled", settings.Trip.Enabled(), "seal_in", settings.SealIn)
	writeJSON(w, http.StatusOK, viewOf(settings))
}

func (h *Handler) logAudit(r *http.Request, action string, meta any) {
	if h.audit == nil {
		return
	}
	var payload []byte
	if meta != nil {
		payload, _ = json.Marshal(meta)
	}
	err := h.audit.Log(r.Context(), audit.Entry{
		Actor:     auth.SubjectFromContext(r.Context()),
		Role:      string(auth.RoleFromContext(r.Context())),
		Action:    action,
		Resource:  protection.Name,
		Metadata:  payload,
		IP:        audit.ClientIP(r),
		UserAgent: r.UserAgent(),
	})
	if err != nil {
		h.logger.Warnw("protection handler: audit write failed", "action", action, "error", err)
	}
}

func parseEventQuery(r *http.Request) (protection.EventQuery, error) {
	var query protection.EventQuery
	var err error
	if query.From, err = parseTimeQuery(r, "from"); err != nil {
		return query, err
	}
	if query.To, err = parseTimeQuery(r, "to"); err != nil {
		return query, err
	}
	if !query.From.IsZero() && !query.To.IsZero() && !query.To.After(query.From) {
		return query, errors.New("to must be after from")
	}
	if value := r.URL.Query().Get("limit"); value != "" {
		limit, err := strconv.Atoi(value)
		if err != nil || limit <= 0 {
			return query, errors.New("limit must be a positive integer")
		}
		query.Limit = limit
	}
	return query, nil
}

func parseTimeQuery(r *http.Request, key string) (time.Time, error) {
	value := r.URL.Query().Get(key)
	if value == "" {
		return time.Time{}, nil
	}
	parsed, err := time.Parse(timeLayout, value)
	if err != nil {
		return time.Time{}, errors.New(key + " must be RFC3339")
	}
	return parsed.UTC(), nil
}

func writeJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(value)
}
