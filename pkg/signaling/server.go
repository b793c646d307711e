package signaling

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,

	// Anonymous pairing service; any origin may connect.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ServeWS returns the /ws handler: it upgrades the request, registers the
// client with the pairing coordinator and starts its read/write pumps.
func ServeWS(h *Handler, logger *slog.Logger) http.HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Warn("failed to upgrade connection", "error", err)
			return
		}

		client := newClient(conn, h, logger.With("remote", conn.RemoteAddr().String()))
		h.attach(client)

		go client.writePump()
		go client.readPump()
	}
}
