package httpserver

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/agenthub/idcore/internal/identityerr"
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

// ErrorDetail is the body of the spec's required error envelope.
type ErrorDetail struct {
	Code    identityerr.Code  `json:"code"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// ErrorEnvelope wraps ErrorDetail as {"detail": {...}} per spec.md §6.
type ErrorEnvelope struct {
	Detail ErrorDetail `json:"detail"`
}

// RespondError writes the error envelope with the HTTP status derived from code.
func RespondError(w http.ResponseWriter, code identityerr.Code, message string) {
	RespondErrorFields(w, code, message, nil)
}

// RespondErrorFields writes the error envelope including field-level detail.
func RespondErrorFields(w http.ResponseWriter, code identityerr.Code, message string, fields map[string]string) {
	Respond(w, identityerr.HTTPStatus(code), ErrorEnvelope{
		Detail: ErrorDetail{Code: code, Message: message, Fields: fields},
	})
}
