package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ruteri/tee-solver-registry/api"
	"github.com/ruteri/tee-solver-registry/interfaces"
)

// StatusCode maps registry errors to HTTP status codes.
func StatusCode(err error) int {
	switch {
	case errors.Is(err, interfaces.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, interfaces.ErrNotOwner):
		return http.StatusForbidden
	case errors.Is(err, interfaces.ErrMalformedInput),
		errors.Is(err, interfaces.ErrMalformedConfiguration),
		errors.Is(err, interfaces.ErrInvalidPool):
		return http.StatusBadRequest
	case errors.Is(err, interfaces.ErrVerificationFailed),
		errors.Is(err, interfaces.ErrIdentityMismatch),
		errors.Is(err, interfaces.ErrReplayMismatch),
		errors.Is(err, interfaces.ErrUnapprovedMeasurement):
		return http.StatusForbidden
	case errors.Is(err, interfaces.ErrPoolNotFound),
		errors.Is(err, interfaces.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, interfaces.ErrPoolOccupied),
		errors.Is(err, interfaces.ErrWorkerAlreadyRegistered),
		errors.Is(err, interfaces.ErrNotActiveWorker):
		return http.StatusConflict
	case errors.Is(err, interfaces.ErrKeyOperationFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, StatusCode(err), api.ErrorResponse{Error: err.Error()})
}
