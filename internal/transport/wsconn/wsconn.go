// Package wsconn is a thin shared wrapper around coder/websocket, used by
// both legs of a session: the upstream-vendor socket and the downstream
// client socket. It exists so the JSON/binary framing idiom the upstream
// provider packages need is written once instead of twice.
package wsconn

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/coder/websocket"
)

// Conn wraps a single websocket.Conn with the read/write helpers the
// session and provider packages need.
type Conn struct {
	c *websocket.Conn
}

// Dial opens a client connection to url.
func Dial(ctx context.Context, url string, header http.Header) (*Conn, *http.Response, error) {
	c, resp, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return nil, resp, fmt.Errorf("wsconn: dial: %w", err)
	}
	return &Conn{c: c}, resp, nil
}

// Accept upgrades an inbound HTTP request to a websocket connection.
func Accept(w http.ResponseWriter, r *http.Request, opts *websocket.AcceptOptions) (*Conn, error) {
	c, err := websocket.Accept(w, r, opts)
	if err != nil {
		return nil, fmt.Errorf("wsconn: accept: %w", err)
	}
	return &Conn{c: c}, nil
}

// WriteJSON marshals v and writes it as a text frame.
func (c *Conn) WriteJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("wsconn: marshal: %w", err)
	}
	return c.c.Write(ctx, websocket.MessageText, data)
}

// WriteBinary writes data as a binary frame.
func (c *Conn) WriteBinary(ctx context.Context, data []byte) error {
	return c.c.Write(ctx, websocket.MessageBinary, data)
}

// WriteText writes data as a text frame without requiring it be JSON.
func (c *Conn) WriteText(ctx context.Context, data []byte) error {
	return c.c.Write(ctx, websocket.MessageText, data)
}

// Read returns the next frame's type and payload.
func (c *Conn) Read(ctx context.Context) (websocket.MessageType, []byte, error) {
	return c.c.Read(ctx)
}

// Ping sends a WebSocket ping and waits for the pong.
func (c *Conn) Ping(ctx context.Context) error {
	return c.c.Ping(ctx)
}

// Close closes the connection with the given close code and reason.
func (c *Conn) Close(code websocket.StatusCode, reason string) error {
	return c.c.Close(code, reason)
}

// CloseNow closes the underlying TCP connection without a close handshake.
func (c *Conn) CloseNow() error {
	return c.c.CloseNow()
}
