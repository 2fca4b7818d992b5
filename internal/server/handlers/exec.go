package handlers

import (
	"net/http"
	"time"

	"github.com/vpsdeck/vpsdeck/internal/gateway"
)

// Exec serves POST /api/exec with {"command": ..., "timeout_seconds": n}.
// The result carries both output streams and the exit code together; a
// timed-out command reports the sentinel exit code with its output
// discarded.
func Exec(gw *gateway.Gateway) http.HandlerFunc {
	type request struct {
		Command        string `json:"command"`
		TimeoutSeconds int    `json:"timeout_seconds"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req request
		if err := decodeJSON(r, &req); err != nil {
			badRequest(w, "invalid request body: "+err.Error())
			return
		}
		res, err := gw.ExecuteCommand(r.Context(), req.Command, time.Duration(req.TimeoutSeconds)*time.Second)
		if err != nil {
			if gateway.KindOf(err) == gateway.KindCommandTimeout {
				// the sentinel result is still meaningful to the caller
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusRequestTimeout)
				_ = jsonEncode(w, errorResponse{
					Status:  "error",
					Kind:    gateway.KindCommandTimeout,
					Message: err.Error(),
					Data:    res,
				})
				return
			}
			respondError(w, err)
			return
		}
		respondOK(w, res)
	}
}
