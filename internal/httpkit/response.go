// Package httpkit holds small JSON and transport helpers shared by the
// HTTP handlers. Nothing in here knows about runs or rendering.
package httpkit

import (
	"encoding/json"
	"net/http"
)

const maxBodyBytes = 1 << 20

type errorBody struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// ErrorEnvelope is the shape of every error response.
type ErrorEnvelope struct {
	Error errorBody `json:"error"`
}

// DecodeJSON decodes a request body into v, rejecting unknown fields
// and bodies over 1 MiB.
func DecodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// WriteJSON writes body as JSON with the given status code.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// WriteErr writes a structured error envelope.
func WriteErr(w http.ResponseWriter, status int, code, msg string, details map[string]any) {
	WriteJSON(w, status, ErrorEnvelope{Error: errorBody{
		Code:    code,
		Message: msg,
		Details: details,
	}})
}
