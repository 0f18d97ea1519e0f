//go:build web

package client

import (
	"context"
	"net/url"
	"time"

	"cdr.dev/slog"
	"github.com/coder/retry"
	"golang.org/x/xerrors"
	"nhooyr.io/websocket"

	"playground/model"
)

// ErrAlreadyConnected is returned by Build when the server rejected the
// connection because the same client already holds one.
var ErrAlreadyConnected = xerrors.New("client already connected")

// ErrClosedBeforeFinish is returned when the socket ends without a
// BuildFinished message.
var ErrClosedBeforeFinish = xerrors.New("connection closed before the build finished")

type Options struct {
	// ClientID is sent as the client_id query parameter when set.
	ClientID string
	// Attempts caps the number of dials; zero retries until ctx ends.
	Attempts    int
	DialOptions *websocket.DialOptions
	Logger      slog.Logger
}

// Client
//
//	A single playground socket. One build runs at a time.
type Client struct {
	conn   *model.WebConn
	logger slog.Logger
}

// Dial
//
//	Connects to the playground socket at rawURL, retrying with backoff until
//	a handshake succeeds, the attempt budget is spent or ctx ends.
func Dial(ctx context.Context, rawURL string, opts Options) (*Client, error) {
	target, err := socketURL(rawURL, opts.ClientID)
	if err != nil {
		return nil, err
	}

	attempt := 0
	var lastErr error
	for r := retry.New(250*time.Millisecond, 5*time.Second); r.Wait(ctx); {
		attempt++
		conn, err := model.DialWeb(ctx, target, opts.DialOptions)
		if err == nil {
			opts.Logger.Debug(ctx, "connected to playground", slog.F("url", target), slog.F("attempt", attempt))
			return &Client{conn: conn, logger: opts.Logger}, nil
		}
		lastErr = err
		opts.Logger.Warn(ctx, "failed to connect to playground",
			slog.F("url", target), slog.F("attempt", attempt), slog.Error(err))
		if opts.Attempts > 0 && attempt >= opts.Attempts {
			break
		}
	}

	if lastErr == nil {
		lastErr = ctx.Err()
	}
	return nil, xerrors.Errorf("failed to dial %s after %d attempt(s): %w", target, attempt, lastErr)
}

func socketURL(rawURL string, clientID string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", xerrors.Errorf("invalid playground url %q: %w", rawURL, err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", xerrors.Errorf("invalid playground url %q: unsupported scheme %q", rawURL, u.Scheme)
	}
	if clientID != "" {
		q := u.Query()
		q.Set("client_id", clientID)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// Build
//
//	Submits source and streams every server message to onMessage until the
//	BuildFinished that terminates the attempt. Frames that fail to decode are
//	logged and skipped.
func (c *Client) Build(ctx context.Context, source string, onMessage func(model.SocketMessage)) (model.BuildResult, error) {
	err := c.conn.Send(ctx, model.BuildRequest{Source: source})
	if err != nil {
		return model.BuildResult{}, xerrors.Errorf("failed to send build request: %w", err)
	}

	for {
		msg, err := c.conn.Receive(ctx)
		if err != nil {
			if kind, ok := model.KindOf(err); ok && kind != model.KindWeb {
				c.logger.Warn(ctx, "dropping malformed frame", slog.Error(err))
				continue
			}
			if websocket.CloseStatus(err) != -1 {
				return model.BuildResult{}, xerrors.Errorf("%w: %v", ErrClosedBeforeFinish, err)
			}
			return model.BuildResult{}, xerrors.Errorf("failed to receive: %w", err)
		}

		if onMessage != nil {
			onMessage(msg)
		}

		switch m := msg.(type) {
		case model.AlreadyConnected:
			return model.BuildResult{}, ErrAlreadyConnected
		case model.BuildFinished:
			return m.Result, nil
		}
	}
}

// Close closes the socket normally.
func (c *Client) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "")
}
