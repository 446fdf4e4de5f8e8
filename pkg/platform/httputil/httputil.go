// Package httputil maps domain errors to JSON HTTP responses.
package httputil

import (
	"encoding/json"
	"net/http"

	dErrors "factora/pkg/domain-errors"
)

// Detailer is implemented by errors that expose extra response fields, for
// example the current and expected versions of a version conflict.
type Detailer interface {
	Details() map[string]any
}

// WriteJSON writes v as JSON with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

// WriteError translates err into a status code and a JSON body of the form
// {"error": code, "error_description": message, ...details}. Internal errors
// never expose their description.
func WriteError(w http.ResponseWriter, err error) {
	code := dErrors.CodeOf(err)
	status := StatusFor(code)

	body := map[string]any{"error": string(code)}
	if code != dErrors.CodeInternal {
		body["error_description"] = dErrors.Message(err)
	}
	if d, ok := asDetailer(err); ok {
		for k, v := range d.Details() {
			body[k] = v
		}
	}
	WriteJSON(w, status, body)
}

// StatusFor maps an error code to an HTTP status.
func StatusFor(code dErrors.Code) int {
	switch code {
	case dErrors.CodeBadRequest, dErrors.CodeInvalidInput, dErrors.CodeValidation:
		return http.StatusBadRequest
	case dErrors.CodeUnauthorized:
		return http.StatusUnauthorized
	case dErrors.CodeForbidden:
		return http.StatusForbidden
	case dErrors.CodeNotFound:
		return http.StatusNotFound
	case dErrors.CodeConflict, dErrors.CodeVersionConflict, dErrors.CodeInvariantViolation:
		return http.StatusConflict
	case dErrors.CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func asDetailer(err error) (Detailer, bool) {
	type unwrapper interface{ Unwrap() error }
	for e := err; e != nil; {
		if d, ok := e.(Detailer); ok {
			return d, true
		}
		u, ok := e.(unwrapper)
		if !ok {
			return nil, false
		}
		e = u.Unwrap()
	}
	return nil, false
}
