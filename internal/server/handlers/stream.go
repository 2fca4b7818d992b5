package handlers

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/vpsdeck/vpsdeck/internal/gateway"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// the embedded server is reachable on the LAN only and carries
		// its own token auth; origin is not the trust boundary here
		return true
	},
}

type streamRequest struct {
	Command        string `json:"command"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

type streamChunk struct {
	Type string `json:"type"` // "output" | "exit" | "error"
	Data string `json:"data,omitempty"`
	Code int    `json:"code,omitempty"`
}

// Stream handles the /terminal/stream WebSocket: the client sends one
// command request, the server streams output chunks as the remote
// process produces them, then a final exit (or error) frame. Streamed
// commands share the one-in-flight execution queue with /api/exec.
func Stream(gw *gateway.Gateway) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Error().Err(err).Msg("websocket upgrade failed")
			return
		}
		defer conn.Close()

		var req streamRequest
		if _, msg, err := conn.ReadMessage(); err != nil {
			return
		} else if err := json.Unmarshal(msg, &req); err != nil {
			writeChunk(conn, streamChunk{Type: "error", Data: "invalid request: " + err.Error()})
			return
		}

		out := &wsWriter{conn: conn}
		code, err := gw.StreamCommand(r.Context(), req.Command, time.Duration(req.TimeoutSeconds)*time.Second, out)
		if err != nil && gateway.KindOf(err) != gateway.KindCommandTimeout {
			writeChunk(conn, streamChunk{Type: "error", Data: err.Error(), Code: code})
			return
		}
		writeChunk(conn, streamChunk{Type: "exit", Code: code})
	}
}

func writeChunk(conn *websocket.Conn, c streamChunk) {
	data, err := json.Marshal(c)
	if err != nil {
		return
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		log.Debug().Err(err).Msg("websocket write failed")
	}
}

// wsWriter frames each output chunk as a websocket message. Gorilla
// connections allow one concurrent writer, hence the mutex.
type wsWriter struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *wsWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	data, err := json.Marshal(streamChunk{Type: "output", Data: string(p)})
	if err != nil {
		return 0, err
	}
	if err := w.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return 0, err
	}
	return len(p), nil
}
