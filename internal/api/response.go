package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
)

// maxRequestBody bounds operator API request bodies.
const maxRequestBody = 64 * 1024

// envelope is the standard operator API response wrapper:
// { "data": ..., "error": ... }
type envelope struct {
	Data  any    `json:"data"`
	Error string `json:"error,omitempty"`
}

// writeJSON writes data wrapped in the envelope.
func writeJSON(w http.ResponseWriter, status int, data any) {
	writeBody(w, status, envelope{Data: data})
}

// writeError writes an envelope carrying only an error message.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeBody(w, status, envelope{Error: msg})
}

// writeBody writes v as JSON without the envelope. Used by the health
// check, whose consumers are load balancers.
func writeBody(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode json response", "error", err)
	}
}

// readJSON decodes a bounded request body into dst, rejecting unknown
// fields and trailing data.
func readJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		switch {
		case errors.As(err, &maxErr):
			return fmt.Errorf("request body exceeds %d bytes", maxErr.Limit)
		case errors.Is(err, io.EOF):
			return errors.New("request body is empty")
		default:
			return fmt.Errorf("invalid JSON body: %w", err)
		}
	}
	if dec.More() {
		return errors.New("request body must contain a single JSON object")
	}
	return nil
}
