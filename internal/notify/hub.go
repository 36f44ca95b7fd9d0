package notify

import (
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/observability"
)

// Notifier delivers events to every connected session registered under a
// party key. Delivery is best-effort: when nobody is connected the event is
// dropped, and callers fall back on polling the trip record.
type Notifier interface {
	Notify(partyKey, event string, payload any)
}

func DriverKey(driverID string) string { return "driver:" + driverID }
func RiderKey(riderID string) string   { return "rider:" + riderID }

// Event is the wire envelope pushed over a session.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// session wraps a websocket.Conn with a write mutex;
// gorilla/websocket allows one concurrent writer.
type session struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (s *session) send(ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(ev)
}

// Hub holds the live sessions, many per party key.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string][]*session
	logger   *slog.Logger

	// invoked when the last session of a driver party disconnects
	onDriverGone func(driverID string)
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{sessions: make(map[string][]*session), logger: logger}
}

// OnDriverGone registers the disconnect hook; the server wires it to mark
// the driver OFFLINE in the availability index.
func (h *Hub) OnDriverGone(fn func(driverID string)) { h.onDriverGone = fn }

func (h *Hub) Notify(partyKey, event string, payload any) {
	h.mu.RLock()
	conns := h.sessions[partyKey]
	h.mu.RUnlock()
	if len(conns) == 0 {
		observability.NotificationsDropped.Inc()
		return
	}
	ev := Event{Type: event, Data: payload}
	for _, s := range conns {
		if err := s.send(ev); err != nil {
			h.logger.Warn("ws send failed", "party", partyKey, "event", event, "error", err)
		}
	}
}

// Serve registers conn under partyKey and blocks until the peer disconnects.
// driverID is non-empty for driver sessions and triggers the gone hook once
// the driver's last session closes.
func (h *Hub) Serve(partyKey, driverID string, conn *websocket.Conn) {
	s := &session{conn: conn}
	h.mu.Lock()
	h.sessions[partyKey] = append(h.sessions[partyKey], s)
	h.mu.Unlock()

	h.logger.Info("session joined", "party", partyKey)

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	last := h.remove(partyKey, s)
	_ = conn.Close()
	h.logger.Info("session left", "party", partyKey)

	if last && driverID != "" && h.onDriverGone != nil {
		h.onDriverGone(driverID)
	}
}

// remove drops s from the party and reports whether the party is now empty.
func (h *Hub) remove(partyKey string, s *session) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	conns := h.sessions[partyKey]
	for i, c := range conns {
		if c == s {
			h.sessions[partyKey] = append(conns[:i], conns[i+1:]...)
			break
		}
	}
	if len(h.sessions[partyKey]) == 0 {
		delete(h.sessions, partyKey)
		return true
	}
	return false
}
