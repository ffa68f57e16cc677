package server

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/maastricht-university/edmo-fusion/emotion"
)

// Message is one frame of the state stream.
type Message struct {
	Type      string         `json:"type"` // connected | state | error
	SessionID string         `json:"session_id,omitempty"`
	State     *emotion.State `json:"state,omitempty"`
	Error     string         `json:"error,omitempty"`
}

func (s *Server) stream(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	log := s.log.WithField("session_id", id)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).Warn("websocket upgrade failed")
		return
	}
	defer conn.Close()

	sub := s.pipe.Subscribe(id)
	defer sub.Close()

	if err := s.write(conn, Message{Type: "connected", SessionID: id}); err != nil {
		return
	}

	// The client only ever closes; reading keeps control frames flowing.
	go func() {
		defer sub.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.WithError(err).Debug("websocket closed unexpectedly")
				}
				return
			}
		}
	}()

	for st := range sub.C {
		if err := s.write(conn, Message{Type: "state", SessionID: id, State: &st}); err != nil {
			log.WithError(err).Debug("websocket write failed")
			return
		}
	}

	if err := sub.Err(); err != nil {
		_ = s.write(conn, Message{Type: "error", SessionID: id, Error: err.Error()})
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session closed"),
		time.Now().Add(closeGrace))
}

func (s *Server) write(conn *websocket.Conn, m Message) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(m)
}
