package transport

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// WebSocket carries the byte stream in binary messages. Message boundaries
// carry no meaning.
type WebSocket struct {
	url         string
	dialTimeout time.Duration
	notify      notifier

	writeMu sync.Mutex

	mu      sync.Mutex
	conn    *websocket.Conn
	closing bool
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  readBufferSize,
	WriteBufferSize: readBufferSize,
	CheckOrigin:     func(*http.Request) bool { return true },
}

func NewWebSocket(url string, dialTimeout time.Duration) *WebSocket {
	if dialTimeout <= 0 {
		dialTimeout = defaultDialTimeout
	}
	return &WebSocket{url: url, dialTimeout: dialTimeout}
}

// UpgradeWebSocket accepts a client on an HTTP handler and returns an open
// transport. The receiver should be set before the peer starts writing.
func UpgradeWebSocket(w http.ResponseWriter, r *http.Request, recv Receiver) (*WebSocket, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket upgrade: %w", err)
	}
	ws := &WebSocket{url: r.RemoteAddr}
	ws.notify.set(recv)
	ws.attach(conn)
	return ws, nil
}

func (ws *WebSocket) String() string { return "websocket " + ws.url }

func (ws *WebSocket) Open(ctx context.Context) error {
	if ws.Connected() {
		return nil
	}
	dialer := websocket.Dialer{HandshakeTimeout: ws.dialTimeout}
	conn, resp, err := dialer.DialContext(ctx, ws.url, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("websocket dial %s: %w", ws.url, err)
	}
	ws.attach(conn)
	log.Debug().Str("url", ws.url).Msg("transport.WebSocket.Open")
	return nil
}

func (ws *WebSocket) attach(conn *websocket.Conn) {
	ws.mu.Lock()
	ws.conn = conn
	ws.closing = false
	ws.mu.Unlock()
	go ws.readLoop(conn)
}

func (ws *WebSocket) readLoop(conn *websocket.Conn) {
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			ws.mu.Lock()
			closing := ws.closing || ws.conn != conn
			if ws.conn == conn {
				ws.conn = nil
			}
			ws.mu.Unlock()
			if closing {
				return
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				err = ErrClosed
			}
			log.Debug().Str("url", ws.url).Err(err).Msg("transport.WebSocket disconnected")
			ws.notify.disconnect(err)
			return
		}
		if kind != websocket.BinaryMessage || len(data) == 0 {
			continue
		}
		ws.notify.data(data)
	}
}

func (ws *WebSocket) Write(b []byte) error {
	ws.mu.Lock()
	conn := ws.conn
	ws.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	ws.writeMu.Lock()
	defer ws.writeMu.Unlock()
	return conn.WriteMessage(websocket.BinaryMessage, b)
}

func (ws *WebSocket) Close() error {
	ws.mu.Lock()
	conn := ws.conn
	ws.conn = nil
	ws.closing = true
	ws.mu.Unlock()
	if conn == nil {
		return nil
	}
	ws.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	ws.writeMu.Unlock()
	return conn.Close()
}

func (ws *WebSocket) Connected() bool {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.conn != nil
}

func (ws *WebSocket) SetReceiver(r Receiver) { ws.notify.set(r) }
