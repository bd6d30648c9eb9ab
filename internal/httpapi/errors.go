package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/MimeLyc/slice-gateway/pkg/errors"
)

const errorKindHeader = "X-Gateway-Error-Kind"

// statusFor maps an error kind to the HTTP status shown to the dashboard.
func statusFor(err error) int {
	gwErr, ok := errors.As(err)
	if !ok {
		return http.StatusInternalServerError
	}

	switch gwErr.Kind {
	case errors.Unreachable:
		return http.StatusServiceUnavailable
	case errors.Conflict, errors.UpstreamBusy:
		return http.StatusConflict
	case errors.InvalidRequest:
		return http.StatusBadRequest
	case errors.UpstreamError:
		if gwErr.UpstreamStatus >= 400 {
			return gwErr.UpstreamStatus
		}
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeGatewayError(w http.ResponseWriter, err error) {
	kind := errors.KindOf(err)
	body := map[string]any{
		"error": err.Error(),
		"kind":  kind.String(),
	}
	if gwErr, ok := errors.As(err); ok {
		body["error"] = gwErr.Message
		if len(gwErr.UpstreamBody) > 0 {
			if json.Valid(gwErr.UpstreamBody) {
				body["upstream"] = json.RawMessage(gwErr.UpstreamBody)
			} else {
				body["upstream"] = string(gwErr.UpstreamBody)
			}
		}
	}

	w.Header().Set(errorKindHeader, kind.String())
	writeJSON(w, statusFor(err), body)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError reports a failure raised by the gateway itself, outside the
// kind-to-status mapping.
func writeError(w http.ResponseWriter, status int, kind errors.Kind, msg string) {
	w.Header().Set(errorKindHeader, kind.String())
	writeJSON(w, status, map[string]any{
		"error": msg,
		"kind":  kind.String(),
	})
}

func handleNotFound(w http.ResponseWriter, _ *http.Request) {
	writeError(w, http.StatusNotFound, errors.InvalidRequest, "not found")
}

func handleMethodNotAllowed(w http.ResponseWriter, _ *http.Request) {
	writeError(w, http.StatusMethodNotAllowed, errors.InvalidRequest, "method not allowed")
}
