package controlplane

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/fentz26/pulse/internal/offline"
	"github.com/fentz26/pulse/internal/syncerr"
)

// Sentinel errors for control plane operations.
var (
	ErrInvalidRequest = errors.New("invalid request")
	ErrNotFound       = errors.New("resource not found")
	ErrBusy           = errors.New("sync already in progress")
)

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error string       `json:"error"`
	Code  syncerr.Code `json:"code"`
}

func statusFor(err error) (int, syncerr.Code) {
	switch {
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, offline.ErrInvalidMutation):
		return http.StatusBadRequest, "INVALID_REQUEST"
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, ErrBusy):
		return http.StatusConflict, "BUSY"
	}
	return syncerr.HTTPStatus(err), syncerr.CodeOf(err)
}

func writeError(w http.ResponseWriter, err error) {
	status, code := statusFor(err)
	writeJSON(w, status, ErrorResponse{Error: err.Error(), Code: code})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
