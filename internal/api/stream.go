package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	streamWriteWait  = 10 * time.Second
	streamPingPeriod = 30 * time.Second
	streamReadLimit  = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 64 * 1024,
}

// streamHub fans device change notifications out to stream clients.
// Each subscriber channel holds at most one pending signal, so a slow
// client sees the latest state rather than every intermediate one.
type streamHub struct {
	mu   sync.Mutex
	subs map[chan struct{}]struct{}
}

func newStreamHub() *streamHub {
	return &streamHub{subs: make(map[chan struct{}]struct{})}
}

func (h *streamHub) subscribe() chan struct{} {
	ch := make(chan struct{}, 1)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *streamHub) unsubscribe(ch chan struct{}) {
	h.mu.Lock()
	delete(h.subs, ch)
	h.mu.Unlock()
}

func (h *streamHub) notify() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (h *streamHub) len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Notify tells connected stream clients the device state changed. It
// never blocks.
func (s *Server) Notify() {
	s.hub.notify()
}

// handleStream upgrades to a WebSocket and pushes a DeviceResponse on
// connect and after every Notify. Messages from the client are read only
// to detect close.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		s.logger.Debug("stream upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ch := s.hub.subscribe()
	defer s.hub.unsubscribe(ch)

	s.logger.Debug("stream client connected", "remote", r.RemoteAddr)

	closed := make(chan struct{})
	conn.SetReadLimit(streamReadLimit)
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(streamPingPeriod)
	defer ping.Stop()

	if !s.sendDevice(conn) {
		return
	}
	for {
		select {
		case <-r.Context().Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(streamWriteWait))
			return
		case <-closed:
			s.logger.Debug("stream client disconnected", "remote", r.RemoteAddr)
			return
		case <-ch:
			if !s.sendDevice(conn) {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteWait)); err != nil {
				s.logger.Debug("stream ping failed", "error", err)
				return
			}
		}
	}
}

func (s *Server) sendDevice(conn *websocket.Conn) bool {
	_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
	if err := conn.WriteJSON(s.deviceResponse()); err != nil {
		s.logger.Debug("stream write failed", "error", err)
		return false
	}
	return true
}
