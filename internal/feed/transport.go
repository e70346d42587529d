package feed

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
)

// Transport is one live upstream socket. The production implementation wraps
// a gorilla websocket connection; tests substitute an in-memory fake.
type Transport interface {
	WriteJSON(v any) error
	ReadMessage() ([]byte, error)
	Ping() error
	Close() error
}

// Dialer establishes upstream transports.
type Dialer interface {
	Dial(ctx context.Context, url string) (Transport, error)
}

type wsDialer struct {
	pingPeriod time.Duration
}

// NewWSDialer returns the gorilla-backed dialer used in production.
// pingPeriod also bounds the read deadline for the zombie-connection check.
func NewWSDialer(pingPeriod time.Duration) Dialer {
	return &wsDialer{pingPeriod: pingPeriod}
}

func (d *wsDialer) Dial(ctx context.Context, url string) (Transport, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}

	t := &wsTransport{conn: conn, readTimeout: d.pingPeriod + 10*time.Second}
	conn.SetReadDeadline(time.Now().Add(t.readTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(t.readTimeout))
	})
	return t, nil
}

type wsTransport struct {
	conn        *websocket.Conn
	readTimeout time.Duration
}

func (t *wsTransport) WriteJSON(v any) error {
	return t.conn.WriteJSON(v)
}

func (t *wsTransport) ReadMessage() ([]byte, error) {
	t.conn.SetReadDeadline(time.Now().Add(t.readTimeout))
	_, msg, err := t.conn.ReadMessage()
	return msg, err
}

func (t *wsTransport) Ping() error {
	return t.conn.WriteMessage(websocket.PingMessage, []byte{})
}

func (t *wsTransport) Close() error {
	return t.conn.Close()
}
