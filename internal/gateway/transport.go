package gateway

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// wsTransport writes JSON frames to one WebSocket. gorilla connections allow a
// single concurrent writer, so every write holds mu.
type wsTransport struct {
	mu           sync.Mutex
	conn         *websocket.Conn
	writeTimeout time.Duration
}

func newWSTransport(conn *websocket.Conn, writeTimeout time.Duration) *wsTransport {
	return &wsTransport{conn: conn, writeTimeout: writeTimeout}
}

// SendJSON implements voice.Transport
func (t *wsTransport) SendJSON(v any) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout)); err != nil {
		return err
	}
	return t.conn.WriteJSON(v)
}

func (t *wsTransport) close(code int, reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	deadline := time.Now().Add(t.writeTimeout)
	_ = t.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
}
