package httpserver

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/somatechlat/voyant/internal/redact"
	"github.com/somatechlat/voyant/pkg/fault"
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

// ErrorBody is the standard JSON error envelope: a stable kind and code
// plus human prose, masked before it leaves the process.
type ErrorBody struct {
	Kind    string `json:"kind"`
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

// RespondError writes a JSON error response.
func RespondError(w http.ResponseWriter, status int, kind, code, message string) {
	Respond(w, status, map[string]ErrorBody{"error": {
		Kind:    kind,
		Code:    code,
		Message: redact.String(message),
	}})
}

// RespondFault maps a fault error onto the HTTP status space and writes
// the error envelope. QuotaExceeded responses carry a Retry-After hint.
func RespondFault(w http.ResponseWriter, err error) {
	kind := fault.KindOf(err)

	var qe *fault.QuotaError
	if errors.As(err, &qe) && qe.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(qe.RetryAfter.Seconds())))
	}

	status := http.StatusInternalServerError
	switch kind {
	case fault.KindValidation:
		status = http.StatusBadRequest
	case fault.KindUnauthorized:
		status = http.StatusForbidden
	case fault.KindNotFound:
		status = http.StatusNotFound
	case fault.KindConflict:
		status = http.StatusConflict
	case fault.KindQuotaExceeded:
		status = http.StatusTooManyRequests
	case fault.KindCircuitOpen, fault.KindTransientExternal:
		status = http.StatusServiceUnavailable
	case fault.KindTimeout:
		status = http.StatusGatewayTimeout
	case fault.KindCancelled:
		status = http.StatusConflict
	}

	message := ""
	var fe *fault.Error
	if errors.As(err, &fe) {
		message = fe.Message
	} else if err != nil {
		message = err.Error()
	}
	RespondError(w, status, string(kind), fault.Code(err), message)
}
