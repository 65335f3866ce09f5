// internal/api/http/task_handler.go
package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"task-dispatch/internal/domain"
	"task-dispatch/internal/usecase"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// TaskHandler exposes the task lifecycle over HTTP.
type TaskHandler struct {
	service  *usecase.TaskService
	logger   *slog.Logger
	validate *validator.Validate
	tracer   trace.Tracer
}

// NewTaskHandler creates a new TaskHandler and initializes the validator.
func NewTaskHandler(service *usecase.TaskService, logger *slog.Logger) *TaskHandler {
	return &TaskHandler{
		service:  service,
		logger:   logger.With("component", "task-handler"),
		validate: validator.New(),
		tracer:   otel.Tracer("task-dispatch-api"),
	}
}

// RegisterRoutes registers task-related routes on the router.
func (h *TaskHandler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/tasks", h.handleCreateTask).Methods(http.MethodPost)
	r.HandleFunc("/tasks/{id}", h.handleGetTask).Methods(http.MethodGet)
	r.HandleFunc("/tasks/{id}", h.handleDeleteTask).Methods(http.MethodDelete)
	r.HandleFunc("/tasks/{id}/accept", h.handleAccept).Methods(http.MethodPost)
	r.HandleFunc("/tasks/{id}/start", h.handleStart).Methods(http.MethodPost)
	r.HandleFunc("/tasks/{id}/complete", h.handleWorkerComplete).Methods(http.MethodPost)
	r.HandleFunc("/tasks/{id}/confirm", h.handlePosterConfirm).Methods(http.MethodPost)
	r.HandleFunc("/tasks/{id}/cancel", h.handleCancel).Methods(http.MethodPost)
	r.HandleFunc("/tasks/{id}/realert", h.handleRealert).Methods(http.MethodPost)
	r.Handle("/tasks/{id}/hide", AdminOnly(http.HandlerFunc(h.handleHide))).Methods(http.MethodPost)
	r.Handle("/admin/tasks/{id}/cancel", AdminOnly(http.HandlerFunc(h.handleAdminCancel))).Methods(http.MethodPost)
	r.HandleFunc("/workers/{id}/stats", h.handleWorkerStats).Methods(http.MethodGet)
}

func (h *TaskHandler) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "handler.CreateTask")
	defer span.End()

	var req CreateTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		span.SetStatus(codes.Error, "Failed to decode request body")
		span.RecordError(err)
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.validate.Struct(req); err != nil {
		span.SetStatus(codes.Error, "Validation failed")
		span.RecordError(err)
		var details []string
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, verr := range verrs {
				details = append(details, "Field '"+verr.Field()+"' failed on the '"+verr.Tag()+"' tag.")
			}
		}
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":   "Validation failed",
			"details": details,
		})
		return
	}

	task, err := h.service.Create(ctx, req.ToDomainTask(UserID(ctx)))
	if err != nil {
		span.SetStatus(codes.Error, "Failed to create task in service")
		span.RecordError(err)
		h.writeServiceError(w, err, "error creating task")
		return
	}
	span.SetAttributes(attribute.String("task.id", task.ID))

	writeJSON(w, http.StatusCreated, task)
}

func (h *TaskHandler) handleGetTask(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "handler.GetTask")
	defer span.End()
	id := mux.Vars(r)["id"]
	span.SetAttributes(attribute.String("task.id", id))

	task, err := h.service.Get(ctx, id)
	if err != nil {
		span.RecordError(err)
		h.writeServiceError(w, err, "error getting task")
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (h *TaskHandler) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "handler.DeleteTask")
	defer span.End()
	id := mux.Vars(r)["id"]
	span.SetAttributes(attribute.String("task.id", id))

	if err := h.service.Delete(ctx, id, UserID(ctx)); err != nil {
		span.RecordError(err)
		h.writeServiceError(w, err, "error deleting task")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *TaskHandler) handleAccept(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "handler.AcceptTask")
	defer span.End()
	id := mux.Vars(r)["id"]
	span.SetAttributes(attribute.String("task.id", id))

	task, err := h.service.Accept(ctx, id, UserID(ctx))
	if err != nil {
		span.RecordError(err)
		h.writeServiceError(w, err, "error accepting task")
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (h *TaskHandler) handleStart(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "handler.StartTask")
	defer span.End()
	id := mux.Vars(r)["id"]
	span.SetAttributes(attribute.String("task.id", id))

	task, err := h.service.Start(ctx, id, UserID(ctx))
	if err != nil {
		span.RecordError(err)
		h.writeServiceError(w, err, "error starting task")
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (h *TaskHandler) handleWorkerComplete(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "handler.WorkerComplete")
	defer span.End()
	id := mux.Vars(r)["id"]
	span.SetAttributes(attribute.String("task.id", id))

	task, err := h.service.WorkerComplete(ctx, id, UserID(ctx))
	if err != nil {
		span.RecordError(err)
		h.writeServiceError(w, err, "error completing task")
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (h *TaskHandler) handlePosterConfirm(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "handler.PosterConfirm")
	defer span.End()
	id := mux.Vars(r)["id"]
	span.SetAttributes(attribute.String("task.id", id))

	task, err := h.service.PosterConfirm(ctx, id, UserID(ctx))
	if err != nil {
		span.RecordError(err)
		h.writeServiceError(w, err, "error confirming task")
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (h *TaskHandler) handleCancel(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "handler.CancelTask")
	defer span.End()
	id := mux.Vars(r)["id"]
	span.SetAttributes(attribute.String("task.id", id))

	task, err := h.service.Cancel(ctx, id, UserID(ctx))
	if err != nil {
		span.RecordError(err)
		h.writeServiceError(w, err, "error cancelling task")
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (h *TaskHandler) handleRealert(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "handler.Realert")
	defer span.End()
	id := mux.Vars(r)["id"]
	span.SetAttributes(attribute.String("task.id", id))

	sent, err := h.service.Realert(ctx, id, UserID(ctx))
	if err != nil {
		span.RecordError(err)
		h.writeServiceError(w, err, "error re-alerting task")
		return
	}
	writeJSON(w, http.StatusOK, RealertResponse{AlertsSent: sent})
}

func (h *TaskHandler) handleHide(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "handler.HideTask")
	defer span.End()
	id := mux.Vars(r)["id"]
	span.SetAttributes(attribute.String("task.id", id))

	var req HideTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.service.SetHidden(ctx, id, req.Hidden); err != nil {
		span.RecordError(err)
		h.writeServiceError(w, err, "error hiding task")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *TaskHandler) handleAdminCancel(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "handler.AdminCancel")
	defer span.End()
	id := mux.Vars(r)["id"]
	span.SetAttributes(attribute.String("task.id", id))

	task, err := h.service.AdminCancel(ctx, id)
	if err != nil {
		span.RecordError(err)
		h.writeServiceError(w, err, "error force-cancelling task")
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (h *TaskHandler) handleWorkerStats(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "handler.WorkerStats")
	defer span.End()
	id := mux.Vars(r)["id"]
	span.SetAttributes(attribute.String("worker.id", id))

	stats, err := h.service.WorkerStats(ctx, id)
	if err != nil {
		span.RecordError(err)
		h.writeServiceError(w, err, "error reading worker stats")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// writeServiceError maps dispatch outcomes onto HTTP statuses. Losing the
// accept race is a 409 with a friendly body; guard rejections carry their
// reason so clients can show something actionable.
func (h *TaskHandler) writeServiceError(w http.ResponseWriter, err error, logMsg string) {
	switch {
	case errors.Is(err, domain.ErrTaskNotFound):
		writeError(w, http.StatusNotFound, "task not found")
		return
	case errors.Is(err, domain.ErrTaskNotAvailable):
		writeJSON(w, http.StatusConflict, ErrorResponse{Error: "this task was just taken"})
		return
	}

	if reason, ok := domain.IsRejected(err); ok {
		status := http.StatusUnprocessableEntity
		switch reason {
		case domain.ReasonNotOwner, domain.ReasonSelfAccept:
			status = http.StatusForbidden
		case domain.ReasonRateLimited:
			status = http.StatusTooManyRequests
		}
		writeJSON(w, status, ErrorResponse{Error: "request rejected", Reason: string(reason)})
		return
	}

	h.logger.Error(logMsg, "error", err)
	writeError(w, http.StatusInternalServerError, "Internal server error")
}
