package api

import (
	"encoding/json"
	"net/http"

	"corral/internal/instance"
	"corral/pkg/protocol"
)

// statusByKind is the only place error kinds become HTTP statuses.
var statusByKind = map[instance.Kind]int{
	instance.KindNotFound:            http.StatusNotFound,
	instance.KindPortsExhausted:      http.StatusServiceUnavailable,
	instance.KindMaxInstancesReached: http.StatusServiceUnavailable,
	instance.KindInvalidPayload:      http.StatusBadRequest,
	instance.KindRuntimeUnavailable:  http.StatusServiceUnavailable,
	instance.KindInternal:            http.StatusInternalServerError,
}

// StatusFor returns the HTTP status for err.
func StatusFor(err error) int {
	if code, ok := statusByKind[instance.KindOf(err)]; ok {
		return code
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, StatusFor(err), protocol.ErrorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
