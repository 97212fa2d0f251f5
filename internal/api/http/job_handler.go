package http

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	cerrors "github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"reportd/internal/domain"
	"reportd/internal/usecase"
)

// JobHandler serves the job lifecycle API.
type JobHandler struct {
	service  *usecase.LifecycleService
	logger   *slog.Logger
	validate *validator.Validate
	tracer   trace.Tracer
}

func NewJobHandler(service *usecase.LifecycleService, logger *slog.Logger) *JobHandler {
	return &JobHandler{
		service:  service,
		logger:   logger.With("component", "job-handler"),
		validate: validator.New(),
		tracer:   otel.Tracer("reportd-api"),
	}
}

// RegisterRoutes mounts the job routes on r.
func (h *JobHandler) RegisterRoutes(r chi.Router) {
	r.Route("/jobs", func(r chi.Router) {
		r.Post("/", h.handleSubmitJob)
		r.Get("/", h.handleListJobs)
		r.Get("/mine", h.handleListOwnJobs)
		r.Post("/bulk/approve", h.handleBulkApprove)
		r.Post("/bulk/delete", h.handleBulkDelete)

		r.Route("/{key}", func(r chi.Router) {
			r.Get("/", h.handleGetJob)
			r.Delete("/", h.handleDeleteJob)
			r.Get("/status", h.handleGetStatus)
			r.Get("/runs", h.handleListRuns)
			r.Post("/approve", h.transition("Approve", h.service.Approve))
			r.Post("/pause", h.transition("Pause", h.service.Pause))
			r.Post("/resume", h.transition("Resume", h.service.Resume))
			r.Post("/restart", h.transition("Restart", h.service.Restart))
		})
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string, details []string) {
	writeJSON(w, status, ErrorResponse{Error: msg, Details: details})
}

// statusFor maps the error taxonomy to HTTP status codes.
func statusFor(err error) int {
	switch {
	case cerrors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest
	case cerrors.Is(err, domain.ErrUnauthorized):
		return http.StatusForbidden
	case cerrors.Is(err, domain.ErrJobNotFound):
		return http.StatusNotFound
	case cerrors.Is(err, domain.ErrConflict), cerrors.Is(err, domain.ErrJobExists):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// fail writes err and records it on the span. Internal errors are logged
// and hidden from the client.
func (h *JobHandler) fail(w http.ResponseWriter, r *http.Request, span trace.Span, err error, msg string) {
	span.RecordError(err)
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		span.SetStatus(codes.Error, msg)
		h.logger.ErrorContext(r.Context(), msg, "error", err)
		writeError(w, status, "Internal server error", nil)
		return
	}
	h.logger.DebugContext(r.Context(), msg, "error", err, "status", status)
	writeError(w, status, err.Error(), cerrors.GetAllHints(err))
}

// decode reads and validates a JSON body into v, writing a 400 on failure.
func (h *JobHandler) decode(w http.ResponseWriter, r *http.Request, span trace.Span, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		span.SetStatus(codes.Error, "Failed to decode request body")
		span.RecordError(err)
		writeError(w, http.StatusBadRequest, err.Error(), nil)
		return false
	}
	if err := h.validate.Struct(v); err != nil {
		span.SetStatus(codes.Error, "Validation failed")
		span.RecordError(err)
		var validationErrors validator.ValidationErrors
		var details []string
		if cerrors.As(err, &validationErrors) {
			for _, fe := range validationErrors {
				details = append(details, "Field '"+fe.Field()+"' failed on the '"+fe.Tag()+"' tag.")
			}
		}
		writeError(w, http.StatusBadRequest, "Validation failed", details)
		return false
	}
	return true
}

func (h *JobHandler) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "handler.SubmitJob")
	defer span.End()

	var req SubmitJobRequest
	if !h.decode(w, r, span, &req) {
		return
	}

	job, err := h.service.Submit(ctx, CallerFrom(ctx), req.ToSubmitRequest())
	if err != nil {
		h.fail(w, r, span, err, "error submitting job")
		return
	}
	span.SetAttributes(attribute.String("job.key", job.Key))
	writeJSON(w, http.StatusCreated, job)
}

// transition adapts a single-job lifecycle operation to a handler.
func (h *JobHandler) transition(name string, op func(ctx context.Context, caller domain.Caller, key string) (*domain.Job, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := h.tracer.Start(r.Context(), "handler."+name+"Job")
		defer span.End()
		key := chi.URLParam(r, "key")
		span.SetAttributes(attribute.String("job.key", key))

		job, err := op(ctx, CallerFrom(ctx), key)
		if err != nil {
			h.fail(w, r, span, err, "error applying "+strings.ToLower(name))
			return
		}
		writeJSON(w, http.StatusOK, job)
	}
}

func (h *JobHandler) handleBulkApprove(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "handler.BulkApprove")
	defer span.End()

	var req BulkRequest
	if !h.decode(w, r, span, &req) {
		return
	}
	res, err := h.service.BulkApprove(ctx, CallerFrom(ctx), req.Keys)
	if err != nil {
		h.fail(w, r, span, err, "error approving jobs")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *JobHandler) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "handler.DeleteJob")
	defer span.End()
	key := chi.URLParam(r, "key")
	span.SetAttributes(attribute.String("job.key", key))

	deleteFiles, _ := strconv.ParseBool(r.URL.Query().Get("delete_files"))
	res, err := h.service.Delete(ctx, CallerFrom(ctx), key, deleteFiles)
	if err != nil {
		h.fail(w, r, span, err, "error deleting job")
		return
	}
	if res.Deferred {
		writeJSON(w, http.StatusAccepted, res)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *JobHandler) handleBulkDelete(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "handler.BulkDelete")
	defer span.End()

	var req BulkDeleteRequest
	if !h.decode(w, r, span, &req) {
		return
	}
	res, err := h.service.BulkDelete(ctx, CallerFrom(ctx), req.Keys, req.DeleteFiles)
	if err != nil {
		h.fail(w, r, span, err, "error deleting jobs")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *JobHandler) handleGetJob(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "handler.GetJob")
	defer span.End()
	key := chi.URLParam(r, "key")
	span.SetAttributes(attribute.String("job.key", key))

	job, err := h.service.GetJob(ctx, key)
	if err != nil {
		h.fail(w, r, span, err, "error getting job")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (h *JobHandler) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "handler.GetStatus")
	defer span.End()
	key := chi.URLParam(r, "key")
	span.SetAttributes(attribute.String("job.key", key))

	status, err := h.service.GetStatus(ctx, key)
	if err != nil {
		h.fail(w, r, span, err, "error estimating job status")
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (h *JobHandler) handleListJobs(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "handler.ListJobs")
	defer span.End()

	var statuses []domain.Status
	for _, raw := range r.URL.Query()["status"] {
		for _, s := range strings.Split(raw, ",") {
			status := domain.Status(strings.TrimSpace(s))
			if !status.Valid() {
				writeError(w, http.StatusBadRequest, "unknown status "+strconv.Quote(s), nil)
				return
			}
			statuses = append(statuses, status)
		}
	}

	jobs, err := h.service.ListJobs(ctx, CallerFrom(ctx), statuses)
	if err != nil {
		h.fail(w, r, span, err, "error listing jobs")
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (h *JobHandler) handleListOwnJobs(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "handler.ListOwnJobs")
	defer span.End()

	jobs, err := h.service.ListOwnJobs(ctx, CallerFrom(ctx))
	if err != nil {
		h.fail(w, r, span, err, "error listing own jobs")
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

// handleListRuns lists the worker runs of a job (GET /jobs/{key}/runs).
func (h *JobHandler) handleListRuns(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "handler.ListRuns")
	defer span.End()
	key := chi.URLParam(r, "key")
	span.SetAttributes(attribute.String("job.key", key))

	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	if page < 1 {
		page = 1
	}
	pageSize, _ := strconv.Atoi(r.URL.Query().Get("pageSize"))
	if pageSize <= 0 || pageSize > 100 {
		pageSize = 20 // default and max page size
	}

	runs, err := h.service.ListRuns(ctx, key, page, pageSize)
	if err != nil {
		h.fail(w, r, span, err, "error listing job runs")
		return
	}
	writeJSON(w, http.StatusOK, runs)
}
