package httpserver

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/mydriatech/fragtale/pkg/broker"
)

// Respond writes a JSON response with the given status code.
func Respond(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if data == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("encoding response", "error", err)
	}
}

// ErrorResponse is the standard JSON error envelope.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// RespondError writes a JSON error response.
func RespondError(w http.ResponseWriter, status int, err string, message string) {
	Respond(w, status, ErrorResponse{
		Error:   err,
		Message: message,
	})
}

// RespondBrokerError maps a broker.Error's Kind to an HTTP status per
// spec.md §7 and writes the corresponding JSON error envelope. Errors that
// are not a *broker.Error are treated as internal/unspecified.
func RespondBrokerError(w http.ResponseWriter, err error) {
	kind := broker.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case broker.MalformedIdentifier, broker.PreStorageProcessorError:
		status = http.StatusBadRequest
	case broker.AuthenticationFailure:
		status = http.StatusUnauthorized
	case broker.Unauthorized:
		status = http.StatusForbidden
	case broker.EventDescriptorError:
		status = http.StatusBadRequest
	case broker.IntegrityProtectionError, broker.TrustedTimeError:
		status = http.StatusInternalServerError
	}
	RespondError(w, status, kind.String(), err.Error())
}
