package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/gyaneshwarpardhi/activityfeed/internal/feed"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
	pongWait   = pingPeriod + writeWait
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// streamFrame is pushed to stream consumers. "changed" tells the consumer
// to re-read its current page; "status" carries the feed lifecycle.
type streamFrame struct {
	Type   string       `json:"type"`
	Status *feed.Status `json:"status,omitempty"`
}

// GET /v1/feeds/{feedID}/stream: websocket change notifications.
func (h *Handler) stream(w http.ResponseWriter, r *http.Request) {
	f, ok := h.lookup(w, r)
	if !ok {
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		h.logger.Debug("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	changes, cancel := f.Changes()
	defer cancel()

	closed := make(chan struct{})
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	send := func(frame streamFrame) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteJSON(frame) == nil
	}
	status := func() streamFrame {
		st := f.Status()
		return streamFrame{Type: "status", Status: &st}
	}

	if !send(status()) {
		return
	}
	last := f.Status()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case _, ok := <-changes:
			if !ok {
				send(status())
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "feed closed"),
					time.Now().Add(writeWait))
				return
			}
			if st := f.Status(); st.State != last.State || st.Degraded != last.Degraded || st.LastError != last.LastError {
				last = st
				if !send(streamFrame{Type: "status", Status: &st}) {
					return
				}
			}
			if !send(streamFrame{Type: "changed"}) {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-closed:
			return
		}
	}
}
