package httpserver

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/pscheid92/sessionlock/internal/domain"
	"github.com/pscheid92/sessionlock/internal/sessionlock"
)

const (
	eventBufferSize = 16
	writeTimeout    = 5 * time.Second
	pongTimeout     = 60 * time.Second
	pingInterval    = 25 * time.Second
)

const (
	eventStatus        = "status"
	eventForeignActive = "foreign_active"
	eventInconsistency = "inconsistency"
)

type eventMessage struct {
	Type          string                     `json:"type"`
	ForeignActive *bool                      `json:"foreign_active,omitempty"`
	Inconsistency *domain.InconsistencyEvent `json:"inconsistency,omitempty"`
	Status        *sessionlock.Status        `json:"status,omitempty"`
}

// checkOrigin admits non-browser clients and same-host pages. Outside
// production localhost pages are admitted too.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if u.Host == r.Host {
		return true
	}
	if s.config.AppEnv != "production" {
		host := u.Hostname()
		if host == "localhost" || host == "127.0.0.1" {
			return true
		}
	}

	slog.Warn("Event stream origin rejected", "origin", origin, "remote_addr", r.RemoteAddr)
	return false
}

// streamClient owns one connection. Listener callbacks never block: when the
// buffer is full the client is evicted.
type streamClient struct {
	conn   *websocket.Conn
	sendCh chan eventMessage
	done   chan struct{}
	once   sync.Once
}

func (sc *streamClient) offer(msg eventMessage) bool {
	select {
	case <-sc.done:
		return true
	default:
	}
	select {
	case sc.sendCh <- msg:
		return true
	default:
		return false
	}
}

func (sc *streamClient) close() {
	sc.once.Do(func() {
		close(sc.done)
		_ = sc.conn.Close()
	})
}

func (s *Server) handleEvents(c echo.Context) error {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// The upgrader has already answered the request.
		slog.Debug("Event stream upgrade failed", "error", err)
		return nil
	}

	sc := &streamClient{
		conn:   conn,
		sendCh: make(chan eventMessage, eventBufferSize),
		done:   make(chan struct{}),
	}
	s.eventMetrics.ActiveConnections.Inc()
	defer s.eventMetrics.ActiveConnections.Dec()

	deliver := func(msg eventMessage) {
		if !sc.offer(msg) {
			slog.Warn("Evicting slow event stream client", "remote_addr", c.RealIP())
			s.eventMetrics.SlowClientsEvicted.Inc()
			sc.close()
		}
	}

	offForeign := s.coord.OnForeignActive(func(active bool) {
		deliver(eventMessage{Type: eventForeignActive, ForeignActive: &active})
	})
	defer offForeign()
	offInconsistency := s.coord.OnInconsistency(func(ev domain.InconsistencyEvent) {
		deliver(eventMessage{Type: eventInconsistency, Inconsistency: &ev})
	})
	defer offInconsistency()

	// Snapshot after subscribing so no transition falls between the two.
	status := s.coord.Status()
	deliver(eventMessage{Type: eventStatus, Status: &status})

	go s.writeEvents(sc)

	// Read pump: only control frames are expected; any error ends the stream.
	_ = conn.SetReadDeadline(time.Now().Add(pongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	sc.close()
	return nil
}

func (s *Server) writeEvents(sc *streamClient) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg := <-sc.sendCh:
			data, err := json.Marshal(msg)
			if err != nil {
				slog.Error("Failed to encode event", "type", msg.Type, "error", err)
				continue
			}
			_ = sc.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := sc.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				sc.close()
				return
			}
			s.eventMetrics.MessagesSent.WithLabelValues(msg.Type).Inc()
		case <-ticker.C:
			_ = sc.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := sc.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				sc.close()
				return
			}
		case <-sc.done:
			return
		}
	}
}
