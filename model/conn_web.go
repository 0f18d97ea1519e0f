//go:build web

package model

import (
	"context"

	"nhooyr.io/websocket"
)

// WebConn
//
//	Client end of a playground socket. Under GOOS=js the websocket is the
//	browser's own; natively it is a regular client connection. Transport
//	failures carry KindWeb.
type WebConn struct {
	ws *websocket.Conn
}

// DialWeb opens a socket to the playground server at url.
func DialWeb(ctx context.Context, url string, opts *websocket.DialOptions) (*WebConn, error) {
	ws, _, err := websocket.Dial(ctx, url, opts)
	if err != nil {
		return nil, newSocketError(KindWeb, err)
	}
	return &WebConn{ws: ws}, nil
}

// Send encodes msg and writes it as a single text frame.
func (c *WebConn) Send(ctx context.Context, msg SocketMessage) error {
	text, err := Encode(msg)
	if err != nil {
		return err
	}
	return newSocketError(KindWeb, c.ws.Write(ctx, websocket.MessageText, []byte(text)))
}

// Receive reads the next frame and decodes it.
func (c *WebConn) Receive(ctx context.Context) (SocketMessage, error) {
	_, buf, err := c.ws.Read(ctx)
	if err != nil {
		return nil, newSocketError(KindWeb, err)
	}
	return DecodeBytes(buf)
}

// Close closes the connection with the given status.
func (c *WebConn) Close(code websocket.StatusCode, reason string) error {
	return newSocketError(KindWeb, c.ws.Close(code, reason))
}
