package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/aliuygur/analytics-broker/internal/appctx"
	"github.com/aliuygur/analytics-broker/internal/apperrs"
	"github.com/aliuygur/analytics-broker/internal/orchestrator"
)

const maxBodyBytes = 1 << 20

type errorResponse struct {
	Error       string `json:"error"`
	Description string `json:"description"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decode reads a JSON body into v and validates it. It writes a 400 and
// returns false when the body is unusable. An empty body is accepted.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v)
	if err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, errorResponse{
			Error:       apperrs.CodeInvalidInput,
			Description: "request body is not valid JSON",
		})
		return false
	}
	if err := h.validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		description := err.Error()
		if errors.As(err, &verrs) && len(verrs) > 0 {
			description = verrs[0].Namespace() + " failed on " + verrs[0].Tag()
		}
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: apperrs.CodeInvalidInput, Description: description})
		return false
	}
	return true
}

// writeError maps validation errors to status codes. Anything else is a 500
// and only its code reaches the caller.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	logger := appctx.GetLogger(r.Context())

	var appErr *apperrs.Error
	if !errors.As(err, &appErr) || appErr.Kind != apperrs.KindClient {
		logger.Error("request failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{
			Error:       apperrs.CodeInternalError,
			Description: "internal error",
		})
		return
	}

	status := http.StatusBadRequest
	code := appErr.Code
	switch appErr.Code {
	case apperrs.CodeUnknownPlatform, apperrs.CodeUnknownInstance, apperrs.CodeUnknownBinding:
		status = http.StatusNotFound
		if orchestrator.IsDeleted(err) {
			status = http.StatusGone
		}
	case apperrs.CodeWrongPlatform:
		status = http.StatusForbidden
	case apperrs.CodeAlreadyExists:
		status = http.StatusConflict
	case apperrs.CodeOperationInProgress:
		status = http.StatusUnprocessableEntity
		code = "ConcurrencyError"
	}

	logger.Info("request rejected", "code", appErr.Code, "error", err)
	writeJSON(w, status, errorResponse{Error: code, Description: appErr.Msg})
}
