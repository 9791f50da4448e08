package core

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/somatechlat/voyant/internal/httpserver"
	"github.com/somatechlat/voyant/pkg/fault"
	"github.com/somatechlat/voyant/pkg/tenant"
)

// Handler exposes the admission API over HTTP. The surrounding gateway
// handles authentication; the tenant middleware supplies the tenant.
type Handler struct {
	core *Context
}

// NewHandler creates the core HTTP handler.
func NewHandler(core *Context) *Handler {
	return &Handler{core: core}
}

// Routes returns the chi router for the job API.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/jobs", h.handleSubmit)
	r.Get("/jobs/{jobID}", h.handleStatus)
	r.Post("/jobs/{jobID}/cancel", h.handleCancel)
	r.Get("/jobs/{jobID}/artifacts", h.handleListArtifacts)
	r.Get("/events/recent", h.handleRecentEvents)
	r.Get("/queue/stats", h.handleQueueStats)
	r.Get("/quotas/status", h.handleQuotaStatus)
	r.Get("/breakers", h.handleBreakers)
	r.Post("/ops/prune", h.handlePrune)
	return r
}

type submitBody struct {
	JobType  string         `json:"job_type" validate:"required,oneof=ingest profile analyze scrape preset"`
	Priority int            `json:"priority" validate:"gte=0,lte=100"`
	Params   map[string]any `json:"params"`
}

func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	ti := tenant.FromContext(r.Context())
	if ti == nil {
		httpserver.RespondFault(w, fault.Validation("missing_tenant", "tenant is not resolved"))
		return
	}

	var body submitBody
	if !httpserver.DecodeAndValidate(w, r, &body) {
		return
	}

	resp, err := h.core.Submit(r.Context(), SubmitRequest{
		JobType:  body.JobType,
		TenantID: ti.ID,
		Priority: body.Priority,
		Params:   body.Params,
	})
	if err != nil {
		httpserver.RespondFault(w, err)
		return
	}
	httpserver.Respond(w, http.StatusAccepted, resp)
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.core.Status(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		httpserver.RespondFault(w, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, status)
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	ok, err := h.core.Cancel(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		httpserver.RespondFault(w, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]bool{"cancelled": ok})
}

func (h *Handler) handleListArtifacts(w http.ResponseWriter, r *http.Request) {
	refs, err := h.core.ListArtifacts(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		httpserver.RespondFault(w, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"artifacts": refs})
}

func (h *Handler) handleRecentEvents(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{
		"events": h.core.RecentEvents(limit),
	})
}

func (h *Handler) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	ti := tenant.FromContext(r.Context())
	if ti == nil {
		httpserver.RespondFault(w, fault.Validation("missing_tenant", "tenant is not resolved"))
		return
	}
	stats, err := h.core.Queue.Stats(r.Context(), ti.ID)
	if err != nil {
		httpserver.RespondFault(w, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, stats)
}

func (h *Handler) handleQuotaStatus(w http.ResponseWriter, r *http.Request) {
	ti := tenant.FromContext(r.Context())
	if ti == nil {
		httpserver.RespondFault(w, fault.Validation("missing_tenant", "tenant is not resolved"))
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{
		"usage": h.core.Quotas.UsageOf(ti.ID),
		"tier":  h.core.Quotas.TierOf(ti.ID),
	})
}

func (h *Handler) handlePrune(w http.ResponseWriter, r *http.Request) {
	if h.core.RunMaintenance == nil {
		httpserver.RespondError(w, http.StatusServiceUnavailable,
			"internal", "maintenance_unavailable", "maintenance is not wired in this process")
		return
	}
	h.core.RunMaintenance(r.Context())
	httpserver.Respond(w, http.StatusAccepted, map[string]bool{"triggered": true})
}

func (h *Handler) handleBreakers(w http.ResponseWriter, r *http.Request) {
	httpserver.Respond(w, http.StatusOK, map[string]any{
		"breakers": h.core.Breakers.Snapshots(),
	})
}
