package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/starford/gitadr/internal/apperr"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("json encode failed", slog.String("error", err.Error()))
	}
}

type errResponse struct {
	Error string `json:"error" validate:"required"`
}

func errorBody(msg string) errResponse {
	return errResponse{Error: msg}
}

// writeError maps engine errors to HTTP status codes. Unclassified errors are
// logged and reported as 500 without detail.
func writeError(w http.ResponseWriter, op string, err error) {
	var ve *apperr.ValidationError
	var de *apperr.DeserializationError
	switch {
	case errors.As(err, &ve):
		writeJSON(w, http.StatusBadRequest, errorBody(ve.Error()))
	case errors.Is(err, apperr.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody("not found"))
	case errors.Is(err, apperr.ErrAlreadyExists):
		writeJSON(w, http.StatusConflict, errorBody("already exists"))
	case errors.Is(err, apperr.ErrConflict):
		writeJSON(w, http.StatusConflict, errorBody("checksum mismatch"))
	case errors.As(err, &de):
		slog.Error(op+" failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusUnprocessableEntity, errorBody(de.Error()))
	case apperr.IsKind(err, apperr.KindTimeout):
		slog.Error(op+" failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusGatewayTimeout, errorBody("git operation timed out"))
	case apperr.IsKind(err, apperr.KindNetworkAuth):
		slog.Error(op+" failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusBadGateway, errorBody("remote unreachable or authentication failed"))
	default:
		slog.Error(op+" failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
	}
}
