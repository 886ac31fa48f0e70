package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/geekgifts/tracker/internal/lifecycle"
	"github.com/geekgifts/tracker/internal/tracker"
	"github.com/sirupsen/logrus"
)

type errorResponse struct {
	Error string `json:"error"`
}

type validationErrorResponse struct {
	Error   string            `json:"error"`
	Missing []string          `json:"missing"`
	Invalid map[string]string `json:"invalid,omitempty"`
}

func sendJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// sendServiceError maps tracker and lifecycle errors onto HTTP statuses.
func sendServiceError(w http.ResponseWriter, log logrus.FieldLogger, err error) {
	if missing, ok := lifecycle.MissingFields(err); ok {
		sendJSON(w, http.StatusUnprocessableEntity, validationErrorResponse{
			Error:   "missing required fields",
			Missing: missing,
			Invalid: lifecycle.InvalidFields(err),
		})
		return
	}

	var (
		statusErr *lifecycle.InvalidStatusError
		formatErr *lifecycle.FieldFormatError
	)
	switch {
	case errors.As(err, &statusErr), errors.As(err, &formatErr):
		sendJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	case errors.Is(err, lifecycle.ErrEmptyComment):
		sendJSON(w, http.StatusBadRequest, errorResponse{Error: "comment content is required"})
	case errors.Is(err, tracker.ErrNoAttachment):
		sendJSON(w, http.StatusNotFound, errorResponse{Error: "attachment not found"})
	case errors.Is(err, tracker.ErrNotFound):
		sendJSON(w, http.StatusNotFound, errorResponse{Error: "request not found"})
	case errors.Is(err, tracker.ErrConflict):
		sendJSON(w, http.StatusConflict, errorResponse{Error: "request was modified concurrently, retry"})
	default:
		log.WithError(err).Error("request handler failed")
		sendJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}
