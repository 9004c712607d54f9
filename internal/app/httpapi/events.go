package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The API enforces CORS at the middleware layer.
	CheckOrigin: func(*http.Request) bool { return true },
}

const (
	writeWait = 5 * time.Second
	pingEvery = 30 * time.Second
)

// scanEvents streams a scan's progress over a websocket. The connection
// closes after the terminal event or when the client goes away.
func (h *handler) scanEvents(w http.ResponseWriter, r *http.Request) {
	scanID := mux.Vars(r)["id"]
	if _, err := h.app.Scans.Get(r.Context(), scanID); err != nil {
		writeError(w, statusForLookup(err), err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Debug("websocket upgrade failed")
		return
	}
	defer conn.Close()

	events, cancel := h.app.Scans.Hub().Subscribe(scanID)
	defer cancel()

	// Drain client frames so close messages are noticed.
	clientGone := make(chan struct{})
	go func() {
		defer close(clientGone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingEvery)
	defer ticker.Stop()

	for {
		select {
		case <-clientGone:
			return
		case <-r.Context().Done():
			return
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case progress, ok := <-events:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(progress); err != nil {
				return
			}
			if progress.Status.Terminal() {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(progress.Status)))
				return
			}
		}
	}
}
