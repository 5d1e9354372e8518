package proxy

import (
	"encoding/json"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"
)

const closeWriteWait = time.Second

// wsConn wraps a WebSocket connection with a write mutex.
// gorilla/websocket does not support concurrent writes.
type wsConn struct {
	conn *websocket.Conn
	wmu  sync.Mutex
}

func newWSConn(c *websocket.Conn) *wsConn {
	return &wsConn{conn: c}
}

func (c *wsConn) writeMessage(msgType int, data []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.conn.WriteMessage(msgType, data)
}

func (c *wsConn) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.writeMessage(websocket.TextMessage, data)
}

// close sends a close frame and closes the connection. Errors are dropped;
// the peer may already be gone.
func (c *wsConn) close(code int, reason string) {
	// WriteControl may run concurrently with other writers.
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, truncateReason(reason)),
		time.Now().Add(closeWriteWait))
	_ = c.conn.Close()
}

// Close reasons share a 125 byte control frame with the 2 byte code.
func truncateReason(reason string) string {
	const max = 123
	if len(reason) <= max {
		return reason
	}
	n := max
	for n > 0 && !utf8.RuneStart(reason[n]) {
		n--
	}
	return reason[:n]
}
