package handler

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pesio-ai/be-plt-approvals/internal/repository"
	"github.com/pesio-ai/be-plt-approvals/internal/service"
	"github.com/pesio-ai/be-plt-approvals/pkg/errors"
	"github.com/pesio-ai/be-plt-approvals/pkg/logger"
)

// maxBodyBytes bounds request bodies; snapshots are small attribute maps.
const maxBodyBytes = 1 << 20

// HTTPHandler serves the approvals REST API.
type HTTPHandler struct {
	engine    *service.ApprovalService
	queries   *service.QueryService
	workflows *service.WorkflowService
	log       *logger.Logger
}

// NewHTTPHandler creates a new HTTP handler
func NewHTTPHandler(
	engine *service.ApprovalService,
	queries *service.QueryService,
	workflows *service.WorkflowService,
	log *logger.Logger,
) *HTTPHandler {
	return &HTTPHandler{
		engine:    engine,
		queries:   queries,
		workflows: workflows,
		log:       log,
	}
}

// RouterOptions configures Router.
type RouterOptions struct {
	Auth           AuthConfig
	RequestTimeout time.Duration
	// Gatherer serves /metrics; nil disables the endpoint.
	Gatherer prometheus.Gatherer
}

// Router builds the chi router with middleware and every route mounted.
func (h *HTTPHandler) Router(opts RouterOptions) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(AccessLog(h.log.Logger))
	r.Use(middleware.Recoverer)
	if opts.RequestTimeout > 0 {
		r.Use(middleware.Timeout(opts.RequestTimeout))
	}

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	})
	if opts.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(Authenticate(opts.Auth))

		r.Route("/approvals", func(r chi.Router) {
			r.Post("/", h.Submit)
			r.Get("/pending", h.ListPending)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetRequest)
				r.Get("/audit", h.AuditTrail)
				r.Post("/approve", h.Approve)
				r.Post("/reject", h.Reject)
				r.Post("/delegate", h.Delegate)
				r.Post("/cancel", h.Cancel)
			})
		})

		r.Get("/entities/{entityType}/{entityID}/approvals", h.History)

		r.Route("/workflows", func(r chi.Router) {
			r.Post("/", h.CreateWorkflow)
			r.Get("/", h.ListWorkflows)
			r.Get("/{id}", h.GetWorkflow)
			r.Post("/{id}/deactivate", h.DeactivateWorkflow)
		})
	})

	return r
}

// ── Approval requests ────────────────────────────────────────────────────────

// Submit handles POST /api/v1/approvals
func (h *HTTPHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if !h.decode(w, r, &req) {
		return
	}

	res, err := h.engine.Submit(r.Context(), ActorFrom(r.Context()), service.SubmitInput{
		EntityType: req.EntityType,
		EntityID:   req.EntityID,
		Snapshot:   req.Snapshot,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toSubmitResponse(res))
}

// ListPending handles GET /api/v1/approvals/pending?status=
func (h *HTTPHandler) ListPending(w http.ResponseWriter, r *http.Request) {
	status := repository.StepStatus(r.URL.Query().Get("status"))
	details, err := h.queries.ListPending(r.Context(), ActorFrom(r.Context()), status)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"requests": toDetailViews(details)})
}

// GetRequest handles GET /api/v1/approvals/{id}
func (h *HTTPHandler) GetRequest(w http.ResponseWriter, r *http.Request) {
	d, err := h.queries.GetRequest(r.Context(), ActorFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRequestView(d.Request, d.Steps))
}

// AuditTrail handles GET /api/v1/approvals/{id}/audit
func (h *HTTPHandler) AuditTrail(w http.ResponseWriter, r *http.Request) {
	entries, err := h.queries.AuditTrail(r.Context(), ActorFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": toAuditViews(entries)})
}

// Approve handles POST /api/v1/approvals/{id}/approve
func (h *HTTPHandler) Approve(w http.ResponseWriter, r *http.Request) {
	h.act(w, r, h.engine.Approve)
}

// Reject handles POST /api/v1/approvals/{id}/reject
func (h *HTTPHandler) Reject(w http.ResponseWriter, r *http.Request) {
	h.act(w, r, h.engine.Reject)
}

// Cancel handles POST /api/v1/approvals/{id}/cancel
func (h *HTTPHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	h.act(w, r, h.engine.Cancel)
}

// Delegate handles POST /api/v1/approvals/{id}/delegate
func (h *HTTPHandler) Delegate(w http.ResponseWriter, r *http.Request) {
	var req delegateRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.engine.Delegate(r.Context(), ActorFrom(r.Context()), chi.URLParam(r, "id"), req.DelegateUserID, req.Comments)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toActionResponse(res))
}

type actionFunc func(ctx context.Context, actor service.Actor, requestID string, comments *string) (*service.ActionResult, error)

func (h *HTTPHandler) act(w http.ResponseWriter, r *http.Request, fn actionFunc) {
	// the body is optional on approve, reject and cancel
	var req actionRequest
	if !h.decodeOptional(w, r, &req) {
		return
	}
	res, err := fn(r.Context(), ActorFrom(r.Context()), chi.URLParam(r, "id"), req.Comments)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toActionResponse(res))
}

// History handles GET /api/v1/entities/{entityType}/{entityID}/approvals
func (h *HTTPHandler) History(w http.ResponseWriter, r *http.Request) {
	requests, err := h.queries.History(r.Context(), ActorFrom(r.Context()),
		chi.URLParam(r, "entityType"), chi.URLParam(r, "entityID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"requests": toHistoryViews(requests)})
}

// ── Workflows ────────────────────────────────────────────────────────────────

// CreateWorkflow handles POST /api/v1/workflows
func (h *HTTPHandler) CreateWorkflow(w http.ResponseWriter, r *http.Request) {
	var req createWorkflowRequest
	if !h.decode(w, r, &req) {
		return
	}
	wf, err := h.workflows.Create(r.Context(), ActorFrom(r.Context()), req.input())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toWorkflowView(wf))
}

// ListWorkflows handles GET /api/v1/workflows?entity_type=
func (h *HTTPHandler) ListWorkflows(w http.ResponseWriter, r *http.Request) {
	wfs, err := h.workflows.List(r.Context(), ActorFrom(r.Context()), r.URL.Query().Get("entity_type"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	views := make([]workflowView, len(wfs))
	for i, wf := range wfs {
		views[i] = toWorkflowView(wf)
	}
	writeJSON(w, http.StatusOK, map[string]any{"workflows": views})
}

// GetWorkflow handles GET /api/v1/workflows/{id}
func (h *HTTPHandler) GetWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := h.workflows.Get(r.Context(), ActorFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toWorkflowView(wf))
}

// DeactivateWorkflow handles POST /api/v1/workflows/{id}/deactivate
func (h *HTTPHandler) DeactivateWorkflow(w http.ResponseWriter, r *http.Request) {
	if err := h.workflows.Deactivate(r.Context(), ActorFrom(r.Context()), chi.URLParam(r, "id")); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ── Helpers ──────────────────────────────────────────────────────────────────

func (h *HTTPHandler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := decodeBody(w, r, v); err != nil {
		writeError(w, errors.InvalidInput("body", "invalid request body"))
		return false
	}
	return true
}

func (h *HTTPHandler) decodeOptional(w http.ResponseWriter, r *http.Request, v any) bool {
	err := decodeBody(w, r, v)
	if err != nil && !stderrors.Is(err, io.EOF) {
		writeError(w, errors.InvalidInput("body", "invalid request body"))
		return false
	}
	return true
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.UseNumber()
	return dec.Decode(v)
}

func (h *HTTPHandler) fail(w http.ResponseWriter, r *http.Request, err error) {
	if httpStatus(errors.CodeOf(err)) >= http.StatusInternalServerError {
		h.log.Error().Err(err).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Msg("Request failed")
	}
	writeError(w, err)
}

type errorBody struct {
	Code    errors.Code `json:"code"`
	Message string      `json:"message"`
	Field   string      `json:"field,omitempty"`
}

func writeError(w http.ResponseWriter, err error) {
	code := errors.CodeOf(err)
	body := errorBody{Code: code, Message: err.Error()}

	var appErr *errors.Error
	if errors.As(err, &appErr) {
		body.Field = appErr.Field
	}
	if code == errors.ErrCodeInternal {
		body.Message = "internal error"
	}
	writeJSON(w, httpStatus(code), map[string]errorBody{"error": body})
}

func httpStatus(code errors.Code) int {
	switch code {
	case errors.ErrCodeNotFound:
		return http.StatusNotFound
	case errors.ErrCodeConflict, errors.ErrCodeAlreadyExists:
		return http.StatusConflict
	case errors.ErrCodeInvalidInput:
		return http.StatusBadRequest
	case errors.ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case errors.ErrCodeForbidden:
		return http.StatusForbidden
	case errors.ErrCodeFailedPrecondition:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
