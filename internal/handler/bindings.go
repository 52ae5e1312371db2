package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/aliuygur/analytics-broker/internal/orchestrator"
)

type bindRequest struct {
	Parameters struct {
		SiteName string `json:"site_name" validate:"required,max=90"`
		SiteURL  string `json:"site_url" validate:"required,url"`
		Email    string `json:"email" validate:"omitempty,email"`
	} `json:"parameters"`
}

type bindResponse struct {
	Credentials orchestrator.BindingCredentials `json:"credentials"`
}

// Bind creates a site and a view-only user for it.
func (h *Handler) Bind(w http.ResponseWriter, r *http.Request) {
	var req bindRequest
	if !h.decode(w, r, &req) {
		return
	}

	creds, err := h.broker.Bind(r.Context(), orchestrator.BindRequest{
		PlatformID: chi.URLParam(r, "platform"),
		InstanceID: chi.URLParam(r, "instance"),
		BindingID:  chi.URLParam(r, "binding"),
		SiteName:   req.Parameters.SiteName,
		SiteURL:    req.Parameters.SiteURL,
		Email:      req.Parameters.Email,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, bindResponse{Credentials: creds})
}

func (h *Handler) Unbind(w http.ResponseWriter, r *http.Request) {
	err := h.broker.Unbind(r.Context(),
		chi.URLParam(r, "platform"), chi.URLParam(r, "instance"), chi.URLParam(r, "binding"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, struct{}{})
}
