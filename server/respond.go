package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/motoplan/motoplan/core"
)

// errorEnvelope is the common error body of every endpoint.
type errorEnvelope struct {
	Error      string                 `json:"error"`
	Message    string                 `json:"message"`
	Details    map[string]interface{} `json:"details,omitempty"`
	RetryAfter int                    `json:"retry_after,omitempty"`
	Timestamp  string                 `json:"timestamp"`
}

// statusForKind maps the error taxonomy to HTTP status codes.
func statusForKind(kind core.Kind) int {
	switch kind {
	case core.KindValidationFailed, core.KindCannotCancel:
		return http.StatusBadRequest
	case core.KindUnauthorized:
		return http.StatusUnauthorized
	case core.KindProfileIncomplete:
		return http.StatusForbidden
	case core.KindNotFound:
		return http.StatusNotFound
	case core.KindGenerationInProgress:
		return http.StatusConflict
	case core.KindIncomplete, core.KindTooManyPoints, core.KindInvalidRoute:
		return http.StatusUnprocessableEntity
	case core.KindServiceLimitReached, core.KindRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err error) {
	envelope := errorEnvelope{
		Error:     string(core.KindServerError),
		Message:   "internal error",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	var ce *core.Error
	if errors.As(err, &ce) {
		envelope.Error = string(ce.Kind)
		envelope.Message = ce.Message
		envelope.Details = ce.Details
		envelope.RetryAfter = ce.RetryAfter
	}

	if envelope.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(envelope.RetryAfter))
	}
	writeJSON(w, statusForKind(core.Kind(envelope.Error)), envelope)
}
