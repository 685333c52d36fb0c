package transport

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/hsc-io/registry/core"
	"github.com/hsc-io/registry/telemetry"
)

// errorEnvelope is the JSON body for a translated error response.
type errorEnvelope struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
	Path      string `json:"path"`
	Details   string `json:"details,omitempty"`
}

// statusForKind maps a core.Kind to its HTTP status. Transient and Internal
// kinds never reach this path in practice — they're swallowed at the
// scheduler boundary — but map to 503/500 if one ever surfaces here via a
// defensive caller.
func statusForKind(kind core.Kind) int {
	switch kind {
	case core.KindInvalidArgument:
		return http.StatusBadRequest
	case core.KindIllegalStateTransition:
		return http.StatusConflict
	case core.KindUnavailable:
		return http.StatusServiceUnavailable
	case core.KindTransient:
		return http.StatusServiceUnavailable
	case core.KindInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// WriteError translates err into the JSON error envelope and writes it with
// the matching HTTP status.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	kind := core.KindOf(err)
	status := statusForKind(kind)
	if status >= http.StatusInternalServerError {
		telemetry.RecordSpanError(r.Context(), err)
	}

	envelope := errorEnvelope{
		Code:      string(kind),
		Message:   err.Error(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Path:      r.URL.Path,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope)
}

// WriteJSON writes body as a JSON response with the given status.
func WriteJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
