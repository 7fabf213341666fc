package broadcast

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pitchlab/pitchlab/internal/models"
)

// Conn is one live client connection. Transports (SSE, WebSocket,
// test fakes) implement it; WriteEvent delivers a single serialized
// event frame.
type Conn interface {
	WriteEvent(data []byte) error
	Close() error
}

type subscriber struct {
	conn        Conn
	connectedAt time.Time
}

// Hub fans session events out to every live subscriber of that
// session. At most MaxPerSession subscribers are kept per session;
// admitting one past the cap evicts the oldest.
type Hub struct {
	mu       sync.Mutex
	sessions map[string][]*subscriber
	log      *logrus.Logger

	MaxPerSession int
}

const defaultMaxPerSession = 3

func NewHub(log *logrus.Logger) *Hub {
	if log == nil {
		log = logrus.New()
	}
	return &Hub{
		sessions:      make(map[string][]*subscriber),
		log:           log,
		MaxPerSession: defaultMaxPerSession,
	}
}

func (h *Hub) Subscribe(sessionID string, conn Conn) {
	var evicted *subscriber

	h.mu.Lock()
	subs := h.sessions[sessionID]
	if len(subs) >= h.MaxPerSession {
		oldest := 0
		for i, s := range subs {
			if s.connectedAt.Before(subs[oldest].connectedAt) {
				oldest = i
			}
		}
		evicted = subs[oldest]
		subs = append(subs[:oldest], subs[oldest+1:]...)
	}
	h.sessions[sessionID] = append(subs, &subscriber{conn: conn, connectedAt: time.Now()})
	total := len(h.sessions[sessionID])
	h.mu.Unlock()

	if evicted != nil {
		_ = evicted.conn.Close()
	}

	h.log.WithFields(logrus.Fields{
		"session_id":  sessionID,
		"subscribers": total,
		"evicted":     evicted != nil,
	}).Debug("broadcast subscribe")
}

// Unsubscribe removes one connection. Transports call it when the
// underlying connection reports close or error.
func (h *Hub) Unsubscribe(sessionID string, conn Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs := h.sessions[sessionID]
	for i, s := range subs {
		if s.conn == conn {
			h.sessions[sessionID] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(h.sessions[sessionID]) == 0 {
		delete(h.sessions, sessionID)
	}
}

// Publish serializes ev and writes it to every live subscriber of the
// session. Subscribers whose write fails are removed after the write
// pass; a session with no subscribers is a no-op.
func (h *Hub) Publish(sessionID string, ev models.Event) {
	ev.SessionID = sessionID
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(ev)
	if err != nil {
		h.log.WithError(err).WithField("session_id", sessionID).Error("broadcast marshal failed")
		return
	}

	h.writeAll(sessionID, data)
}

// CloseAll writes a closing notice to every subscriber, closes each
// connection, and forgets the session.
func (h *Hub) CloseAll(sessionID string) {
	notice, _ := json.Marshal(models.Event{
		Type:      models.EventClosing,
		SessionID: sessionID,
		Timestamp: time.Now().UTC(),
	})

	h.mu.Lock()
	subs := h.sessions[sessionID]
	delete(h.sessions, sessionID)
	h.mu.Unlock()

	for _, s := range subs {
		_ = s.conn.WriteEvent(notice)
		_ = s.conn.Close()
	}
}

// SweepLiveness writes a keep-alive to every subscriber across all
// sessions and drops the ones whose write fails. Run opportunistically
// (before admitting a new subscriber) to bound growth from half-closed
// connections.
func (h *Hub) SweepLiveness() {
	h.mu.Lock()
	ids := make([]string, 0, len(h.sessions))
	for id := range h.sessions {
		ids = append(ids, id)
	}
	h.mu.Unlock()

	for _, id := range ids {
		ping, _ := json.Marshal(models.Event{
			Type:      models.EventKeepAlive,
			SessionID: id,
			Timestamp: time.Now().UTC(),
		})
		h.writeAll(id, ping)
	}
}

type Stats struct {
	PerSession map[string]int `json:"per_session"`
	Total      int            `json:"total"`
}

func (h *Hub) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()

	st := Stats{PerSession: make(map[string]int, len(h.sessions))}
	for id, subs := range h.sessions {
		st.PerSession[id] = len(subs)
		st.Total += len(subs)
	}
	return st
}

func (h *Hub) writeAll(sessionID string, data []byte) {
	h.mu.Lock()
	subs := make([]*subscriber, len(h.sessions[sessionID]))
	copy(subs, h.sessions[sessionID])
	h.mu.Unlock()

	var dead []*subscriber
	for _, s := range subs {
		if err := s.conn.WriteEvent(data); err != nil {
			dead = append(dead, s)
		}
	}
	if len(dead) == 0 {
		return
	}

	h.mu.Lock()
	live := h.sessions[sessionID]
	for _, d := range dead {
		for i, s := range live {
			if s == d {
				live = append(live[:i], live[i+1:]...)
				break
			}
		}
	}
	if len(live) == 0 {
		delete(h.sessions, sessionID)
	} else {
		h.sessions[sessionID] = live
	}
	h.mu.Unlock()

	for _, d := range dead {
		_ = d.conn.Close()
	}

	h.log.WithFields(logrus.Fields{
		"session_id": sessionID,
		"removed":    len(dead),
	}).Debug("broadcast dropped dead subscribers")
}
