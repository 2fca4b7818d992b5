package handlers

import (
	"net/http"

	"github.com/vpsdeck/vpsdeck/internal/gateway"
	"github.com/vpsdeck/vpsdeck/internal/transport"
)

// Connect serves POST /api/session/connect. Credentials live in the
// request and in memory only; nothing is persisted.
func Connect(gw *gateway.Gateway) http.HandlerFunc {
	type request struct {
		Host     string `json:"host"`
		Port     int    `json:"port"`
		User     string `json:"user"`
		AuthType string `json:"auth_type"`
		Secret   string `json:"secret"`
		HostKey  string `json:"host_key"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req request
		if err := decodeJSON(r, &req); err != nil {
			badRequest(w, "invalid request body: "+err.Error())
			return
		}
		if req.Host == "" || req.User == "" {
			badRequest(w, "host and user are required")
			return
		}
		info, err := gw.Connect(r.Context(), transport.Credentials{
			Host:     req.Host,
			Port:     req.Port,
			User:     req.User,
			AuthType: req.AuthType,
			Secret:   req.Secret,
			HostKey:  req.HostKey,
		})
		if err != nil {
			respondError(w, err)
			return
		}
		respondOK(w, info)
	}
}

// Disconnect serves POST /api/session/disconnect. Idempotent.
func Disconnect(gw *gateway.Gateway) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		respondOK(w, gw.Disconnect())
	}
}

// Session serves GET /api/session.
func Session(gw *gateway.Gateway) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		respondOK(w, gw.SessionInfo())
	}
}
