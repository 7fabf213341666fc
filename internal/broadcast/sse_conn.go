package broadcast

import (
	"errors"
	"fmt"
	"net/http"
	"sync"
)

var errConnClosed = errors.New("broadcast: connection closed")

// SSEConn adapts an http.ResponseWriter into a Conn. Each event is one
// `data:` frame. The serving handler must block on Done until the hub
// closes the connection or the client goes away.
type SSEConn struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher

	once sync.Once
	done chan struct{}
}

func NewSSEConn(w http.ResponseWriter) (*SSEConn, error) {
	fl, ok := w.(http.Flusher)
	if !ok {
		return nil, errors.New("broadcast: response writer does not support flushing")
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")

	return &SSEConn{w: w, flusher: fl, done: make(chan struct{})}, nil
}

func (c *SSEConn) WriteEvent(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-c.done:
		return errConnClosed
	default:
	}

	if _, err := fmt.Fprintf(c.w, "data: %s\n\n", data); err != nil {
		return err
	}
	c.flusher.Flush()
	return nil
}

func (c *SSEConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

// Done is closed once the connection has been closed by the hub.
func (c *SSEConn) Done() <-chan struct{} { return c.done }
