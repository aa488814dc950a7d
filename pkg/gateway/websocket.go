package gateway

import (
	"context"

	"github.com/coder/websocket"
)

// wsTransport adapts a coder/websocket connection to the Transport
// interface. All frames are text; binary frames are rejected by Read.
type wsTransport struct {
	conn *websocket.Conn
}

// NewWebSocketTransport wraps an accepted connection.
func NewWebSocketTransport(conn *websocket.Conn) Transport {
	return &wsTransport{conn: conn}
}

func (t *wsTransport) Read(ctx context.Context) ([]byte, error) {
	_, data, err := t.conn.Read(ctx)
	return data, err
}

func (t *wsTransport) Write(ctx context.Context, data []byte) error {
	return t.conn.Write(ctx, websocket.MessageText, data)
}

func (t *wsTransport) Close(reason string) error {
	return t.conn.Close(websocket.StatusNormalClosure, reason)
}
