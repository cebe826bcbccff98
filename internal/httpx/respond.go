package httpx

import (
	"encoding/json"
	"errors"
	"net/http"

	"cipherrelay/internal/domain"
)

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

// StatusOf maps a relay error onto an HTTP status.
func StatusOf(err error) int {
	if errors.Is(err, domain.ErrNotAMember) {
		return http.StatusForbidden
	}
	switch domain.AsError(err).Category() {
	case domain.CategoryAuthentication:
		return http.StatusUnauthorized
	case domain.CategoryProtocol:
		return http.StatusBadRequest
	case domain.CategoryNotFound:
		return http.StatusNotFound
	case domain.CategoryConsistency:
		return http.StatusConflict
	default:
		return http.StatusServiceUnavailable
	}
}

// WriteError renders err as {code, name, message, missing?}.
func WriteError(w http.ResponseWriter, err error) {
	WriteJSON(w, StatusOf(err), domain.ErrorPayloadOf(err))
}

// DecodeJSON reads a JSON body into v, rejecting unknown fields.
func DecodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return domain.WrapError(domain.CodeMalformedPayload, "invalid request body", err)
	}
	return nil
}
