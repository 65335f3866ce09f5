// internal/api/http/presence_handler.go
package http

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"task-dispatch/internal/domain"
	"task-dispatch/internal/metrics"
	"task-dispatch/internal/presence"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// PresenceHandler flips a connected user between plain presence and worker
// availability. Both endpoints act on the caller's live event stream; without
// one there is nothing to register.
type PresenceHandler struct {
	registry *presence.Registry
	logger   *slog.Logger
	validate *validator.Validate
	tracer   trace.Tracer
}

// NewPresenceHandler creates a new PresenceHandler.
func NewPresenceHandler(registry *presence.Registry, logger *slog.Logger) *PresenceHandler {
	return &PresenceHandler{
		registry: registry,
		logger:   logger.With("component", "presence-handler"),
		validate: validator.New(),
		tracer:   otel.Tracer("task-dispatch-api"),
	}
}

// RegisterRoutes registers presence routes on the router.
func (h *PresenceHandler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/presence/online", h.handleGoOnline).Methods(http.MethodPost)
	r.HandleFunc("/presence/offline", h.handleGoOffline).Methods(http.MethodPost)
}

func (h *PresenceHandler) handleGoOnline(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "handler.GoOnline")
	defer span.End()

	userID := UserID(ctx)
	span.SetAttributes(attribute.String("user.id", userID))

	var req GoOnlineRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if err := h.validate.Struct(req); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	handle, ok := h.registry.SocketFor(userID)
	if !ok {
		writeError(w, http.StatusConflict, "no live event stream; connect to /events first")
		return
	}

	var loc *domain.Location
	if req.Location != nil {
		loc = &domain.Location{Lat: req.Location.Lat, Lng: req.Location.Lng, Area: req.Location.Area}
	}
	h.registry.UpsertWorker(handle, userID, loc, req.RadiusKm)
	metrics.OnlineWorkers.Set(float64(h.registry.Count()))

	w.WriteHeader(http.StatusNoContent)
}

func (h *PresenceHandler) handleGoOffline(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "handler.GoOffline")
	defer span.End()

	userID := UserID(ctx)
	span.SetAttributes(attribute.String("user.id", userID))

	h.registry.Offline(userID)
	metrics.OnlineWorkers.Set(float64(h.registry.Count()))

	w.WriteHeader(http.StatusNoContent)
}
