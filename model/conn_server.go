//go:build server

package model

import (
	"context"

	"nhooyr.io/websocket"
)

// ServerConn
//
//	Server end of a playground socket. Every failure it returns is a
//	SocketError: transport failures carry KindServer, frame failures carry
//	the codec kinds.
type ServerConn struct {
	ws *websocket.Conn
}

// NewServerConn wraps an accepted websocket connection.
func NewServerConn(ws *websocket.Conn) *ServerConn {
	return &ServerConn{ws: ws}
}

// Send encodes msg and writes it as a single text frame.
func (c *ServerConn) Send(ctx context.Context, msg SocketMessage) error {
	text, err := Encode(msg)
	if err != nil {
		return err
	}
	return newSocketError(KindServer, c.ws.Write(ctx, websocket.MessageText, []byte(text)))
}

// Receive reads the next frame and decodes it. Text and binary frames are
// treated alike: both go through UTF-8 validation first.
func (c *ServerConn) Receive(ctx context.Context) (SocketMessage, error) {
	_, buf, err := c.ws.Read(ctx)
	if err != nil {
		return nil, newSocketError(KindServer, err)
	}
	return DecodeBytes(buf)
}

// Ping sends a ping and waits for the pong.
func (c *ServerConn) Ping(ctx context.Context) error {
	return newSocketError(KindServer, c.ws.Ping(ctx))
}

// Close closes the connection with the given status.
func (c *ServerConn) Close(code websocket.StatusCode, reason string) error {
	return newSocketError(KindServer, c.ws.Close(code, reason))
}
