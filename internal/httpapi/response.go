package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/octoplane/octoplane/pkg/types"
)

// errorBody is the wire shape every failed request gets:
// `{error: {kind, message}}`.
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// statusForKind maps the error taxonomy to a single HTTP
// status code each.
func statusForKind(kind types.ErrorKind) int {
	switch kind {
	case types.ErrUnauthorized:
		return http.StatusUnauthorized
	case types.ErrForbidden:
		return http.StatusForbidden
	case types.ErrNotFound:
		return http.StatusNotFound
	case types.ErrBadRequest, types.ErrValidationFailed:
		return http.StatusBadRequest
	case types.ErrConflict, types.ErrAlreadyExists:
		return http.StatusConflict
	case types.ErrConcurrencyLimit:
		return http.StatusTooManyRequests
	case types.ErrServiceUnavailable, types.ErrSessionStarting:
		return http.StatusServiceUnavailable
	case types.ErrUpstreamError:
		return http.StatusBadGateway
	case types.ErrTimeout:
		return http.StatusGatewayTimeout
	case types.ErrPayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case types.ErrSessionTerminal, types.ErrHealthTimeout:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeAPIError translates err to its HTTP boundary representation,
// using err's ErrorKind when it carries one and InternalError otherwise.
func writeAPIError(w http.ResponseWriter, err error) {
	kind := types.KindOf(err)
	writeJSON(w, statusForKind(kind), errorBody{Error: errorDetail{Kind: string(kind), Message: err.Error()}})
}

func writeNoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}
