package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/pitchlab/pitchlab/internal/broadcast"
	"github.com/pitchlab/pitchlab/internal/cache"
	"github.com/pitchlab/pitchlab/internal/models"
	"github.com/pitchlab/pitchlab/internal/utils"
	"github.com/pitchlab/pitchlab/internal/workers"
)

// StreamHandler attaches clients to a session's event stream, over SSE
// or WebSocket. Both transports feed the same hub; a late subscriber
// first gets the cached latest event so it does not join blind.
type StreamHandler struct {
	hub      *broadcast.Hub
	cache    cache.Cache
	upgrader websocket.Upgrader
	log      *logrus.Logger
}

func NewStreamHandler(hub *broadcast.Hub, c cache.Cache, log *logrus.Logger) *StreamHandler {
	if log == nil {
		log = logrus.New()
	}
	return &StreamHandler{
		hub:   hub,
		cache: c,
		log:   log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Events is the SSE attachment endpoint. It blocks until the hub
// closes the connection (session teardown or eviction) or the client
// disconnects.
func (h *StreamHandler) Events(c *gin.Context) {
	id := c.Param("session_id")

	conn, err := broadcast.NewSSEConn(c.Writer)
	if err != nil {
		writeError(c, utils.E(utils.CodeInternal, "StreamHandler.Events", "streaming unsupported", err))
		return
	}
	c.Writer.WriteHeaderNow()

	// Drop half-closed subscribers before admitting a new one so a
	// stale connection is not the one evicted last.
	h.hub.SweepLiveness()

	h.replaySnapshot(c, id, conn)
	h.hub.Subscribe(id, conn)

	select {
	case <-conn.Done():
	case <-c.Request.Context().Done():
		h.hub.Unsubscribe(id, conn)
		_ = conn.Close()
	}
}

// Attach is the WebSocket flavor of Events. The read loop exists only
// to observe the close; clients are not expected to send anything.
func (h *StreamHandler) Attach(c *gin.Context) {
	id := c.Param("session_id")

	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.WithError(err).WithField("session_id", id).Warn("websocket upgrade failed")
		return
	}
	conn := broadcast.NewWSConn(ws)

	h.hub.SweepLiveness()
	h.replaySnapshot(c, id, conn)
	h.hub.Subscribe(id, conn)

	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			h.hub.Unsubscribe(id, conn)
			_ = conn.Close()
			return
		}
	}
}

func (h *StreamHandler) replaySnapshot(c *gin.Context, sessionID string, conn broadcast.Conn) {
	if h.cache == nil {
		return
	}
	var ev models.Event
	hit, err := h.cache.GetJSON(c.Request.Context(), workers.ProgressKey(sessionID), &ev)
	if err != nil || !hit {
		return
	}
	if data, err := json.Marshal(ev); err == nil {
		_ = conn.WriteEvent(data)
	}
}
