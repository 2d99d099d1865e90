package http

import (
	"encoding/json"
	"net/http"

	"github.com/webitel/im-message-service/internal/domain/model"
)

type errorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// statusOf maps the domain error taxonomy onto HTTP status codes.
func statusOf(err error) int {
	switch model.KindOf(err) {
	case model.KindUnauthenticated:
		return http.StatusUnauthorized
	case model.KindForbidden:
		return http.StatusForbidden
	case model.KindNotFound:
		return http.StatusNotFound
	case model.KindDuplicate:
		return http.StatusConflict
	case model.KindRateLimited:
		return http.StatusTooManyRequests
	case model.KindUnavailable:
		return http.StatusServiceUnavailable
	case model.KindBadRequest:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusOf(err), errorBody{
		Kind:    string(model.KindOf(err)),
		Message: err.Error(),
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
