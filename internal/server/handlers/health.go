package handlers

import (
	"net/http"

	"github.com/vpsdeck/vpsdeck/internal/gateway"
)

// Health doubles as the supervisor's readiness probe.
func Health(w http.ResponseWriter, r *http.Request) {
	respondOK(w, map[string]string{"service": "vpsdeck"})
}

// Ready reports whether the remote session is usable.
func Ready(gw *gateway.Gateway) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		respondOK(w, gw.SessionInfo())
	}
}
