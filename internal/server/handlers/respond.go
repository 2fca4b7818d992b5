// Package handlers implements the embedded server's HTTP surface over
// the session gateway.
package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/vpsdeck/vpsdeck/internal/gateway"
)

type errorResponse struct {
	Status  string       `json:"status"`
	Kind    gateway.Kind `json:"kind"`
	Message string       `json:"message"`
	Data    any          `json:"data,omitempty"`
}

type okResponse struct {
	Status string `json:"status"`
	Data   any    `json:"data,omitempty"`
}

func respondOK(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(okResponse{Status: "ok", Data: data}); err != nil {
		log.Error().Err(err).Msg("encode response")
	}
}

func respondError(w http.ResponseWriter, err error) {
	kind := gateway.KindOf(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusFor(kind))
	_ = json.NewEncoder(w).Encode(errorResponse{Status: "error", Kind: kind, Message: err.Error()})
}

// statusFor maps the gateway taxonomy onto HTTP status codes.
func statusFor(kind gateway.Kind) int {
	switch kind {
	case gateway.KindInvalidRequest, gateway.KindIsADirectory:
		return http.StatusBadRequest
	case gateway.KindAuthentication:
		return http.StatusUnauthorized
	case gateway.KindPermissionDenied:
		return http.StatusForbidden
	case gateway.KindPathNotFound:
		return http.StatusNotFound
	case gateway.KindCommandTimeout:
		return http.StatusRequestTimeout
	case gateway.KindPortInUse, gateway.KindProcessLifecycle:
		return http.StatusConflict
	case gateway.KindConnectionLost:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func jsonEncode(w http.ResponseWriter, v any) error {
	return json.NewEncoder(w).Encode(v)
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func badRequest(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	_ = json.NewEncoder(w).Encode(errorResponse{Status: "error", Kind: gateway.KindInvalidRequest, Message: msg})
}
