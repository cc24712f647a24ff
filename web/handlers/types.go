// Package handlers provides the HTTP handlers and middleware for the
// keepsake web API. Handlers are thin adapters: they decode the request,
// call the memory service, and translate the result envelope into an HTTP
// status. All domain behavior lives in the service.
package handlers

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/scrypster/keepsake/internal/service"
	"github.com/scrypster/keepsake/internal/storage"
)

// ErrorResponse is the standard error response format for the API.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// writeJSON serializes v with the given status. Encoding failures after
// the header is written can only be logged.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("handlers: encode response: %v", err)
	}
}

// writeError emits the standard error shape.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{Error: message, Code: code})
}

// respond maps a service envelope onto an HTTP status and writes the full
// result body (the envelope carries success/error/error_kind alongside the
// payload). successStatus is used for successful results, typically 200 or
// 201.
func respond(w http.ResponseWriter, env service.Envelope, body interface{}, successStatus int) {
	if env.Success {
		writeJSON(w, successStatus, body)
		return
	}
	writeJSON(w, statusForEnvelope(env), body)
}

// statusForEnvelope translates the error taxonomy into HTTP statuses. The
// storage kind covers both lookups that found nothing and backend
// failures; the error text tells them apart.
func statusForEnvelope(env service.Envelope) int {
	switch env.ErrorKind {
	case storage.KindValidation:
		return http.StatusBadRequest
	case storage.KindDuplicate:
		return http.StatusConflict
	case storage.KindLimit:
		return http.StatusRequestEntityTooLarge
	case storage.KindStorage:
		if strings.Contains(env.Error, "not found") {
			return http.StatusNotFound
		}
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// decodeBody parses a JSON request body into dest. An empty body is
// allowed and leaves dest zero-valued.
func decodeBody(r *http.Request, dest interface{}) error {
	if r.Body == nil {
		return nil
	}
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dest); err != nil && err.Error() != "EOF" {
		return err
	}
	return nil
}

// queryInt reads an integer query parameter, falling back when absent or
// malformed.
func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}
