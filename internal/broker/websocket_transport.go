package broker

import (
	"time"

	"github.com/gorilla/websocket"
)

// closeWriteDeadline bounds how long the WebSocket close control frame write
// may take before falling back to a bare TCP close.
const closeWriteDeadline = 2 * time.Second

// WebSocketTransport adapts a *websocket.Conn to Transport, sending a proper
// WebSocket Close control frame (spec §6 close codes) before tearing down
// the underlying connection, grounded on go-memsh's WebSocketIO wrapper.
type WebSocketTransport struct {
	conn *websocket.Conn
}

// NewWebSocketTransport wraps conn, typically the result of
// websocket.Upgrader.Upgrade in internal/api.
func NewWebSocketTransport(conn *websocket.Conn) *WebSocketTransport {
	return &WebSocketTransport{conn: conn}
}

func (t *WebSocketTransport) ReadMessage() (int, []byte, error) {
	return t.conn.ReadMessage()
}

func (t *WebSocketTransport) WriteMessage(messageType int, data []byte) error {
	return t.conn.WriteMessage(messageType, data)
}

// Close sends a Close control frame carrying code and reason, then closes
// the underlying connection. The control-frame write is best-effort: a
// write error still falls through to the bare close.
func (t *WebSocketTransport) Close(code int, reason string) error {
	msg := websocket.FormatCloseMessage(code, reason)
	t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWriteDeadline))
	return t.conn.Close()
}
