package broadcast

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WSConn adapts a gorilla websocket connection into a Conn. Writes are
// serialized behind a mutex since the hub may publish from several
// goroutines.
type WSConn struct {
	mu sync.Mutex
	c  *websocket.Conn
}

func NewWSConn(c *websocket.Conn) *WSConn {
	return &WSConn{c: c}
}

func (w *WSConn) WriteEvent(data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.c.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return w.c.WriteMessage(websocket.TextMessage, data)
}

func (w *WSConn) Close() error { return w.c.Close() }
