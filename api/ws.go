//go:build server

package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"runtime/debug"
	"sync/atomic"
	"time"

	"cdr.dev/slog"
	"github.com/bwmarrin/snowflake"
	"github.com/go-playground/validator/v10"
	"github.com/sourcegraph/conc/pool"
	"nhooyr.io/websocket"

	"playground/model"
	"playground/queue"
)

// buildSocket
//
//	buildSocket is used to pass the properties of a build socket connection
//	to the goroutines that are spawned to handle it.
type buildSocket struct {
	id  snowflake.ID
	key string

	conn *model.ServerConn

	// worker pool to manage the concurrent resources of this connection
	pool *pool.Pool

	// context for the connection
	ctx context.Context

	// cancel function for the connection
	cancel context.CancelCauseFunc

	// logger for the connection
	logger slog.Logger

	// set while a build request of this connection is queued or running
	building atomic.Bool
}

// Send implements queue.Sink for the connection.
func (s *buildSocket) Send(ctx context.Context, msg model.SocketMessage) error {
	return s.conn.Send(ctx, msg)
}

// connectionKey
//
//	Identifies the client behind a request so a second socket of the same
//	client can be refused.
func (a *HttpApi) connectionKey(r *http.Request) string {
	if a.Config.DedupBy == "client_id" {
		if id := r.URL.Query().Get("client_id"); id != "" {
			return "id:" + id
		}
	}
	return "ip:" + requestIP(r)
}

func requestIP(r *http.Request) string {
	if ip, ok := r.Context().Value(CtxKeyIPAddress).(string); ok {
		return ip
	}
	return r.RemoteAddr
}

// claim registers the connection for key unless another one holds it.
func (a *HttpApi) claim(key string, id snowflake.ID) bool {
	a.connMu.Lock()
	defer a.connMu.Unlock()
	if _, ok := a.connections[key]; ok {
		return false
	}
	a.connections[key] = id
	return true
}

func (a *HttpApi) release(key string, id snowflake.ID) {
	a.connMu.Lock()
	defer a.connMu.Unlock()
	if a.connections[key] == id {
		delete(a.connections, key)
	}
}

// BuildSocket
//
//	Upgrades the request to the build socket. A client that already holds a
//	socket receives AlreadyConnected and the new socket is closed.
func (a *HttpApi) BuildSocket(w http.ResponseWriter, r *http.Request) {
	key := a.connectionKey(r)
	id := a.Snowflake.Generate()

	// claim before the handshake completes so the order clients observe
	// matches the order connections are registered
	claimed := a.claim(key, id)

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		if claimed {
			a.release(key, id)
		}
		a.handleError(w, r, http.StatusInternalServerError, DefaultErrorMessage, err)
		return
	}

	ws.SetReadLimit(a.Config.MaxMessageSize)

	// WARNING: we can no longer use the built in response handlers like
	// handleError and handleJsonResponse we have just hijacked the connection
	// and upgraded to a websocket

	// NOTE: we create an entirely new context since the request context
	// will be terminated once this function returns but the socket will
	// live much longer than that.
	ctx, cancel := context.WithCancelCause(a.socketCtx)

	conn := model.NewServerConn(ws)
	logger := a.Logger.With(slog.F("conn", id.Base36()), slog.F("client", key))

	if !claimed {
		logger.Info(r.Context(), "refusing duplicate connection")
		if err := conn.Send(ctx, model.AlreadyConnected{}); err != nil {
			logger.Debug(r.Context(), "failed to send already connected", slog.Error(err))
		}
		_ = conn.Close(websocket.StatusPolicyViolation, "already connected")
		cancel(errors.New("duplicate connection"))
		return
	}

	logger.Info(r.Context(), "new build socket connection")

	socket := &buildSocket{
		id:     id,
		key:    key,
		conn:   conn,
		pool:   pool.New().WithMaxGoroutines(2),
		ctx:    ctx,
		cancel: cancel,
		logger: logger,
	}

	a.wg.Go(func() {
		a.activeConnections.Add(1)
		defer a.activeConnections.Add(-1)
		a.buildSocketLoop(socket)
	})
}

// buildSocketLoop
//
//	Dispatches incoming messages and keeps the socket alive with pings.
func (a *HttpApi) buildSocketLoop(socket *buildSocket) {
	defer func() {
		// cancel the context to ensure all goroutines are terminated
		socket.cancel(fmt.Errorf("buildSocketLoop: exiting on closure"))

		// NOTE: if we are closing here then the read loop already closed the
		// socket or something has gone wrong
		_ = socket.conn.Close(websocket.StatusInternalError, DefaultErrorMessage)

		// wait for the cleanup of all the goroutines associated with this socket
		socket.pool.Wait()

		a.release(socket.key, socket.id)
	}()

	ticker := time.NewTicker(a.Config.PingInterval)
	defer ticker.Stop()

	// NOTE: we use a buffered channel here to prevent the reader from
	// blocking if the client is sending messages faster than we can
	// process them.
	messages := make(chan model.SocketMessage, 100)

	a.wg.Go(func() {
		a.buildSocketRead(socket, messages)
	})

	for {
		select {
		case <-socket.ctx.Done():
			if a.socketCtx.Err() != nil {
				_ = socket.conn.Close(websocket.StatusGoingAway, "server shutting down")
			}
			if ctxErr := context.Cause(socket.ctx); ctxErr != nil {
				socket.logger.Debug(socket.ctx, "buildSocketLoop closed", slog.Error(ctxErr))
			}
			return
		case <-ticker.C:
			if err := socket.conn.Ping(socket.ctx); err != nil {
				if socket.ctx.Err() == nil {
					socket.logger.Warn(socket.ctx, "failed to send ping to client", slog.Error(err))
				}
				return
			}
		case message := <-messages:
			switch msg := message.(type) {
			case model.BuildRequest:
				a.submitBuild(socket, msg)
			default:
				socket.logger.Warn(socket.ctx, "received server message from client",
					slog.F("variant", msg.Variant()))
			}
		}
	}
}

// buildSocketRead
//
//	Reads frames from the client. Frames that fail to decode are logged and
//	dropped; transport failures end the connection.
func (a *HttpApi) buildSocketRead(socket *buildSocket, messages chan model.SocketMessage) {
	defer func() {
		if r := recover(); r != nil {
			socket.cancel(fmt.Errorf("buildSocketRead: panic: %v", r))
			socket.logger.Error(socket.ctx, "buildSocketRead: panic", slog.F("panic", r))
		} else {
			socket.cancel(fmt.Errorf("buildSocketRead: exiting on closure"))
		}
		_ = socket.conn.Close(websocket.StatusNormalClosure, "")
	}()

	for {
		msg, err := socket.conn.Receive(socket.ctx)
		if err != nil {
			if kind, ok := model.KindOf(err); ok && kind != model.KindServer {
				socket.logger.Warn(socket.ctx, "dropping malformed frame",
					slog.F("kind", kind.String()), slog.Error(err))
				continue
			}
			if websocket.CloseStatus(err) != -1 || errors.Is(err, io.EOF) || socket.ctx.Err() != nil {
				socket.logger.Debug(socket.ctx, "websocket closed")
			} else {
				socket.logger.Error(socket.ctx, "failed to read message from client", slog.Error(err))
			}
			return
		}

		select {
		case messages <- msg:
		case <-socket.ctx.Done():
			return
		}
	}
}

// submitBuild validates a build request and hands it to the queue. Only
// one request per connection may be queued or running at a time.
func (a *HttpApi) submitBuild(socket *buildSocket, req model.BuildRequest) {
	reject := func(reason string) {
		err := socket.Send(socket.ctx, model.BuildFinished{Result: model.Failed(reason)})
		if err != nil {
			socket.logger.Debug(socket.ctx, "failed to send rejection", slog.Error(err))
		}
	}

	if err := a.validateBuildRequest(req); err != nil {
		socket.logger.Debug(socket.ctx, "rejecting invalid build request", slog.Error(err))
		reject(err.Error())
		return
	}

	if !socket.building.CompareAndSwap(false, true) {
		reject("a build is already in progress for this connection")
		return
	}

	socket.pool.Go(func() {
		defer socket.building.Store(false)
		a.handlerWrapper(socket, func() {
			a.runBuild(socket, req)
		})
	})
}

func (a *HttpApi) runBuild(socket *buildSocket, req model.BuildRequest) {
	attempt, err := a.Queue.Enqueue(socket.ctx, queue.Request{
		Source:    req.Source,
		Sink:      socket,
		ClientKey: socket.key,
	})
	if err != nil {
		if errors.Is(err, queue.ErrQueueClosed) {
			_ = socket.Send(socket.ctx, model.BuildFinished{Result: model.Failed("server is shutting down")})
			return
		}
		socket.logger.Debug(socket.ctx, "build request abandoned", slog.Error(err))
		return
	}

	socket.logger.Debug(socket.ctx, "build request completed",
		slog.F("attempt", attempt.ID),
		slog.F("ok", attempt.Report.Result.Ok),
		slog.F("waited", attempt.StartedAt.Sub(attempt.QueuedAt)),
	)
}

// validateBuildRequest
//
//	Checks a build request against the configured limits.
func (a *HttpApi) validateBuildRequest(req model.BuildRequest) error {
	err := a.validator.Var(req.Source, fmt.Sprintf("required,max=%d", a.MaxSourceBytes))

	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		for _, validationError := range validationErrors {
			switch validationError.Tag() {
			case "required":
				return fmt.Errorf("invalid build request: source is empty")
			case "max":
				return fmt.Errorf("invalid build request: source exceeds %d characters", a.MaxSourceBytes)
			}
			return fmt.Errorf("invalid build request: source failed validation %s", validationError.Tag())
		}
	}
	return err
}

// handlerWrapper
//
//	Wraps socket handlers to provide panic recovery.
func (a *HttpApi) handlerWrapper(socket *buildSocket, handler func()) {
	defer func() {
		if r := recover(); r != nil {
			panicErr := fmt.Errorf("panic: %v\n%s", r, debug.Stack())
			socket.logger.Error(
				socket.ctx,
				"unexpected panic in build socket handler",
				slog.Error(panicErr),
			)
			err := socket.Send(socket.ctx, model.BuildFinished{Result: model.Failed(DefaultErrorMessage)})
			if err != nil {
				socket.logger.Error(socket.ctx, "failed to send error payload", slog.Error(err))
			}
		}
	}()

	handler()
}
