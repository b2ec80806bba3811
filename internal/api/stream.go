package api

import (
	"net/http"
	"time"

	"dispatchcore/internal/model"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
)

const (
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 20 * time.Second
	wsWriteWait  = 5 * time.Second
)

var upgrader = websocket.Upgrader{CheckOrigin: func(_ *http.Request) bool { return true }}

type streamMessage struct {
	Type         string              `json:"type"`
	Journey      *model.Journey      `json:"journey,omitempty"`
	Notification *model.Notification `json:"notification,omitempty"`
}

// etaStream sends a journey snapshot, then every committed notification for the journey.
func (s *Server) etaStream(w http.ResponseWriter, r *http.Request) {
	j, err := s.authorizeJourney(r, chi.URLParam(r, "journeyID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer func() { _ = conn.Close() }()

	ctx := r.Context()
	events, cancel := s.broker.Subscribe(ctx, "journey:"+j.ID)
	defer cancel()

	write := func(m streamMessage) error {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		return conn.WriteJSON(m)
	}
	if err := write(streamMessage{Type: "snapshot", Journey: &j}); err != nil {
		return
	}

	// reader: only pongs and close frames are expected
	closed := make(chan struct{})
	conn.SetReadLimit(1 << 10)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error { return conn.SetReadDeadline(time.Now().Add(wsPongWait)) })
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-closed:
			return
		case n, ok := <-events:
			if !ok {
				return
			}
			if err := write(streamMessage{Type: "notification", Notification: &n}); err != nil {
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
