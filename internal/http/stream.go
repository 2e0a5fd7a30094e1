package http

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
)

// subscribers never send anything meaningful, only control frames
const maxClientMessageBytes = 512

var websocketUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsSubscriber adapts a websocket connection to table.Subscriber. Writes are
// bounded by a deadline so a stalled client is dropped instead of holding up
// the table.
type wsSubscriber struct {
	id           string
	conn         *websocket.Conn
	writeTimeout time.Duration

	mu sync.Mutex
}

func (s *wsSubscriber) ID() string { return s.id }

func (s *wsSubscriber) Send(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, payload)
}

func (s *wsSubscriber) ping() error {
	return s.conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(s.writeTimeout))
}

// handleStream subscribes the connection to a table until either side goes
// away. The first message is the table's stable snapshot.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	name, ok := tableParam(r)
	if !ok {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Missing table"))
		return
	}

	conn, err := websocketUpgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader already replied with an error status
		slog.Warn("problem initiating websocket", "table", name, "error", err)
		return
	}
	defer conn.Close()

	sub := &wsSubscriber{
		id:           ulid.Make().String(),
		conn:         conn,
		writeTimeout: s.cfg.WriteTimeout,
	}
	log := slog.With("table", name, "subscriber", sub.id)

	if err := s.registry.Subscribe(name, sub); err != nil {
		log.Debug("subscribe failed", "error", err)
		return
	}
	defer s.registry.Unsubscribe(name, sub.id)
	log.Debug("stream opened", "remote", r.RemoteAddr)

	// The read loop notices the client going away; pongs push the read
	// deadline forward.
	conn.SetReadLimit(maxClientMessageBytes)
	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	})

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				log.Debug("stream closed", "error", err)
				return
			}
		}
	}()

	ticker := time.NewTicker(s.cfg.PingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "relay shutting down"),
				time.Now().Add(s.cfg.WriteTimeout))
			return
		case <-closed:
			return
		case <-ticker.C:
			if err := sub.ping(); err != nil {
				// expected when the other end goes away
				log.Debug("failed to write ping", "error", err)
				return
			}
		}
	}
}
