package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/samber/lo"

	"github.com/aliuygur/analytics-broker/internal/catalog"
	"github.com/aliuygur/analytics-broker/internal/ledger"
	"github.com/aliuygur/analytics-broker/internal/orchestrator"
)

type provisionRequest struct {
	ServiceID  string `json:"service_id"`
	PlanID     string `json:"plan_id" validate:"required"`
	Parameters struct {
		Version    string `json:"version"`
		Name       string `json:"name" validate:"omitempty,max=90"`
		AdminEmail string `json:"admin_email" validate:"omitempty,email"`
	} `json:"parameters"`
}

type updateRequest struct {
	Parameters struct {
		Version string `json:"version"`
		Name    string `json:"name" validate:"omitempty,max=90"`
	} `json:"parameters"`
}

type operationResponse struct {
	Operation string `json:"operation"`
}

type lastOperationResponse struct {
	State       string    `json:"state"`
	Description string    `json:"description"`
	Operation   string    `json:"operation"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type instanceResponse struct {
	InstanceID    string                 `json:"instance_id"`
	PlatformID    string                 `json:"platform_id"`
	Name          string                 `json:"name,omitempty"`
	PlanKind      string                 `json:"plan_kind"`
	Version       string                 `json:"version"`
	DashboardURL  string                 `json:"dashboard_url,omitempty"`
	LastOperation *lastOperationResponse `json:"last_operation,omitempty"`
	CreatedAt     time.Time              `json:"created_at"`
	UpdatedAt     time.Time              `json:"updated_at"`
}

type catalogResponse struct {
	Services []catalogService `json:"services"`
}

type catalogService struct {
	catalog.Service
	Plans    []catalog.Plan `json:"plans"`
	Versions []string       `json:"versions"`
}

// Catalog lists the service, its plans and the installable versions.
func (h *Handler) Catalog(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, catalogResponse{
		Services: []catalogService{{
			Service:  h.catalog.Service,
			Plans:    h.catalog.Plans,
			Versions: h.catalog.Versions(),
		}},
	})
}

// ProvisionInstance accepts a create; progress is polled via LastOperation.
func (h *Handler) ProvisionInstance(w http.ResponseWriter, r *http.Request) {
	var req provisionRequest
	if !h.decode(w, r, &req) {
		return
	}

	err := h.broker.Create(r.Context(), orchestrator.CreateRequest{
		PlatformID: chi.URLParam(r, "platform"),
		InstanceID: chi.URLParam(r, "instance"),
		PlanID:     req.PlanID,
		Version:    req.Parameters.Version,
		Name:       req.Parameters.Name,
		AdminEmail: req.Parameters.AdminEmail,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, operationResponse{Operation: string(ledger.KindCreate)})
}

func (h *Handler) GetInstance(w http.ResponseWriter, r *http.Request) {
	view, err := h.broker.Read(r.Context(), chi.URLParam(r, "platform"), chi.URLParam(r, "instance"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toInstanceResponse(view))
}

func (h *Handler) UpdateInstance(w http.ResponseWriter, r *http.Request) {
	var req updateRequest
	if !h.decode(w, r, &req) {
		return
	}

	err := h.broker.Update(r.Context(), orchestrator.UpdateRequest{
		PlatformID: chi.URLParam(r, "platform"),
		InstanceID: chi.URLParam(r, "instance"),
		Version:    req.Parameters.Version,
		Name:       req.Parameters.Name,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, operationResponse{Operation: string(ledger.KindUpdate)})
}

func (h *Handler) DeprovisionInstance(w http.ResponseWriter, r *http.Request) {
	err := h.broker.Delete(r.Context(), chi.URLParam(r, "platform"), chi.URLParam(r, "instance"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, operationResponse{Operation: string(ledger.KindDelete)})
}

// LastOperation answers polling, including for deleted instances.
func (h *Handler) LastOperation(w http.ResponseWriter, r *http.Request) {
	entry, err := h.broker.LastOperation(r.Context(), chi.URLParam(r, "platform"), chi.URLParam(r, "instance"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toLastOperation(entry))
}

func (h *Handler) ListInstances(w http.ResponseWriter, r *http.Request) {
	views, err := h.broker.List(r.Context(), chi.URLParam(r, "platform"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, lo.Map(views, func(v orchestrator.InstanceView, _ int) instanceResponse {
		return toInstanceResponse(v)
	}))
}

func toInstanceResponse(v orchestrator.InstanceView) instanceResponse {
	resp := instanceResponse{
		InstanceID:   v.Instance.ID,
		PlatformID:   v.Instance.PlatformID,
		Name:         v.Instance.Name,
		PlanKind:     v.Instance.PlanKind,
		Version:      v.Instance.Version,
		DashboardURL: v.URL,
		CreatedAt:    v.Instance.CreatedAt,
		UpdatedAt:    v.Instance.UpdatedAt,
	}
	if v.HasOperation {
		resp.LastOperation = lo.ToPtr(toLastOperation(v.Operation))
	}
	return resp
}

func toLastOperation(e ledger.Entry) lastOperationResponse {
	return lastOperationResponse{
		State:       string(e.State),
		Description: e.Description,
		Operation:   string(e.Kind),
		UpdatedAt:   e.UpdatedAt,
	}
}
