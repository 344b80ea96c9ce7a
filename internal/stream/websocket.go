// Package stream relays event bus traffic to websocket clients.
package stream

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/browser-pilot/internal/events"
	"github.com/shehryarbajwa/browser-pilot/pkg/models"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = (pongWait * 9) / 10
	// DefaultBuffer is the per-client event backlog before the client is dropped
	DefaultBuffer = 128
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Source hands out bus subscriptions. *events.Bus satisfies it.
type Source interface {
	Subscribe(buffer int) *events.Subscription
	Unsubscribe(id string)
}

// Server upgrades requests and streams events as JSON text frames
type Server struct {
	source Source
	buffer int
	logger *zap.Logger
}

// NewServer creates a relay over source
func NewServer(source Source, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		source: source,
		buffer: DefaultBuffer,
		logger: logger.With(zap.String("component", "event_stream")),
	}
}

// ServeHTTP streams events until the client leaves or falls behind.
// ?types=navigation,error limits the stream to those event types.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	filter := parseTypes(r.URL.Query().Get("types"))

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("failed to upgrade connection", zap.Error(err))
		return
	}
	defer conn.Close()

	sub := s.source.Subscribe(s.buffer)
	defer s.source.Unsubscribe(sub.ID)

	logger := s.logger.With(zap.String("subscriber", sub.ID), zap.String("remote", r.RemoteAddr))
	logger.Info("client connected to event stream")

	errChan := make(chan error, 1)
	go func() {
		errChan <- readPump(conn)
	}()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case evt, ok := <-sub.C:
			if !ok {
				// dropped by the bus for lagging, or the bus closed
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "event stream closed"))
				logger.Info("event stream closed by bus")
				return
			}
			if !filter.match(evt.Type) {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(evt); err != nil {
				logger.Warn("failed to write event", zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				logger.Warn("failed to ping client", zap.Error(err))
				return
			}
		case err := <-errChan:
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Warn("event stream read error", zap.Error(err))
			}
			logger.Info("client disconnected from event stream")
			return
		}
	}
}

// readPump discards client messages and keeps the pong deadline fresh
func readPump(conn *websocket.Conn) error {
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return err
		}
	}
}

type typeFilter map[models.EventType]bool

func parseTypes(raw string) typeFilter {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	f := typeFilter{}
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			f[models.EventType(part)] = true
		}
	}
	return f
}

func (f typeFilter) match(t models.EventType) bool {
	return len(f) == 0 || f[t]
}
