package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// MaxMessageSize caps inbound websocket frames.
const MaxMessageSize = 16 << 20

// WebSocket is a Channel over a gorilla websocket connection.
type WebSocket struct {
	conn *websocket.Conn
	kind Kind

	closeOnce sync.Once
	closeErr  error
}

// NewWebSocket wraps an established connection, dialled or accepted.
func NewWebSocket(conn *websocket.Conn, kind Kind) *WebSocket {
	conn.SetReadLimit(MaxMessageSize)
	return &WebSocket{conn: conn, kind: kind}
}

// DialWebSocket connects to url.
func DialWebSocket(ctx context.Context, url string, kind Kind, header http.Header) (*WebSocket, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return NewWebSocket(conn, kind), nil
}

// Upgrader accepts websocket connections on the relay server. Origin checks
// are left to the deployment's reverse proxy.
var Upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Accept upgrades an HTTP request into a websocket Channel.
func Accept(w http.ResponseWriter, r *http.Request, kind Kind) (*WebSocket, error) {
	conn, err := Upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("upgrade: %w", err)
	}
	return NewWebSocket(conn, kind), nil
}

func (ws *WebSocket) Kind() Kind {
	return ws.kind
}

func (ws *WebSocket) Send(ctx context.Context, msg []byte) error {
	if deadline, ok := ctx.Deadline(); ok {
		_ = ws.conn.SetWriteDeadline(deadline)
	} else {
		_ = ws.conn.SetWriteDeadline(time.Time{})
	}
	if err := ws.conn.WriteMessage(websocket.BinaryMessage, msg); err != nil {
		return ws.translate(err)
	}
	return nil
}

// Receive skips text frames; the protocol is binary only.
func (ws *WebSocket) Receive(ctx context.Context) ([]byte, error) {
	stop := context.AfterFunc(ctx, func() {
		_ = ws.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	for {
		typ, msg, err := ws.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, ws.translate(err)
		}
		if typ == websocket.BinaryMessage {
			return msg, nil
		}
	}
}

func (ws *WebSocket) Close() error {
	ws.closeOnce.Do(func() {
		deadline := time.Now().Add(time.Second)
		_ = ws.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		ws.closeErr = ws.conn.Close()
	})
	return ws.closeErr
}

func (ws *WebSocket) translate(err error) error {
	var ce *websocket.CloseError
	if errors.As(err, &ce) || errors.Is(err, websocket.ErrCloseSent) {
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	return err
}
