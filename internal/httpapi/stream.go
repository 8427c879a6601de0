package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dwizi/needloop/internal/loop"
)

const (
	streamWriteWait  = 10 * time.Second
	streamPongWait   = 60 * time.Second
	streamPingPeriod = 50 * time.Second
	streamBuffer     = 16
)

// Stream fans finished cycle reports out to websocket subscribers. It is a
// loop observer; a subscriber that falls behind is disconnected.
type Stream struct {
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*streamClient]struct{}
	closed  bool
}

type streamClient struct {
	conn *websocket.Conn
	send chan loop.Report
	once sync.Once
}

func (c *streamClient) close() {
	c.once.Do(func() { close(c.send) })
}

func NewStream(logger *slog.Logger) *Stream {
	if logger == nil {
		logger = slog.Default()
	}
	return &Stream{
		logger: logger.With("component", "stream"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients: map[*streamClient]struct{}{},
	}
}

func (s *Stream) OnCycleCompleted(_ context.Context, report loop.Report) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for client := range s.clients {
		select {
		case client.send <- report:
		default:
			s.logger.Warn("dropping slow stream subscriber", "remote", client.conn.RemoteAddr().String())
			delete(s.clients, client)
			client.close()
		}
	}
}

// Subscribers reports how many clients are connected.
func (s *Stream) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Close disconnects every subscriber and refuses new ones.
func (s *Stream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for client := range s.clients {
		delete(s.clients, client)
		client.close()
	}
}

func (s *Stream) serve(w http.ResponseWriter, req *http.Request) {
	conn, err := s.upgrader.Upgrade(w, req, nil)
	if err != nil {
		s.logger.Warn("stream upgrade failed", "error", err)
		return
	}
	client := &streamClient{conn: conn, send: make(chan loop.Report, streamBuffer)}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), time.Now().Add(streamWriteWait))
		_ = conn.Close()
		return
	}
	s.clients[client] = struct{}{}
	s.mu.Unlock()
	s.logger.Debug("stream subscriber connected", "remote", conn.RemoteAddr().String())

	go s.readPump(client)
	s.writePump(client)
}

func (s *Stream) remove(client *streamClient) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[client]; ok {
		delete(s.clients, client)
		client.close()
	}
}

// readPump only exists to notice the peer going away and to handle pongs.
func (s *Stream) readPump(client *streamClient) {
	defer s.remove(client)
	client.conn.SetReadLimit(512)
	_ = client.conn.SetReadDeadline(time.Now().Add(streamPongWait))
	client.conn.SetPongHandler(func(string) error {
		return client.conn.SetReadDeadline(time.Now().Add(streamPongWait))
	})
	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Stream) writePump(client *streamClient) {
	ticker := time.NewTicker(streamPingPeriod)
	defer func() {
		ticker.Stop()
		s.remove(client)
		_ = client.conn.Close()
	}()
	for {
		select {
		case report, ok := <-client.send:
			_ = client.conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if !ok {
				_ = client.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := client.conn.WriteJSON(report); err != nil {
				return
			}
		case <-ticker.C:
			_ = client.conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (r *router) handleCycleStream(w http.ResponseWriter, req *http.Request) {
	if r.deps.Stream == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "cycle stream is disabled"})
		return
	}
	r.deps.Stream.serve(w, req)
}
