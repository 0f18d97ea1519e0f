//go:build server

// Package api serves the playground build socket and the job history over
// http.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"sync"
	"sync/atomic"

	"cdr.dev/slog"
	"github.com/bwmarrin/snowflake"
	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/sourcegraph/conc"
	"github.com/spf13/afero"

	"playground/config"
	"playground/queue"
	"playground/store"
	"playground/utils"
)

type CtxKey string

const (
	CtxKeyIPAddress CtxKey = "ip-address"

	DefaultErrorMessage = "internal server error"
)

// BuildQueue accepts build requests from sockets.
type BuildQueue interface {
	Enqueue(ctx context.Context, req queue.Request) (*queue.Attempt, error)
	Len() (pending int, active int)
}

// JobStore exposes the recorded build history.
type JobStore interface {
	GetJob(ctx context.Context, jobID uuid.UUID) (*store.Job, error)
	RecentJobs(ctx context.Context, limit int) ([]store.Job, error)
}

type HttpApiParams struct {
	// Snowflake
	//
	//  The snowflake node to use for generating connection ids.
	Snowflake *snowflake.Node

	// Config
	//
	//  Listener and socket configuration.
	Config config.ServerConfig

	// MaxSourceBytes
	//
	//  Upper bound for the source of a single build request.
	MaxSourceBytes int

	// Queue
	//
	//  The queue build requests are submitted to.
	Queue BuildQueue

	// Store
	//
	//  The job history, nil disables the jobs endpoints.
	Store JobStore

	// ArtifactFs
	//
	//  Filesystem holding one directory of build output per job id.
	ArtifactFs afero.Fs

	// Logger
	//
	//  The logger to use for logging http requests and socket events.
	Logger slog.Logger
}

// HttpApi
//
//	The http server of the playground.
type HttpApi struct {
	HttpApiParams
	wg                *conc.WaitGroup
	listener          net.Listener
	router            *chi.Mux
	validator         *validator.Validate
	activeConnections *atomic.Int64
	server            atomic.Pointer[http.Server]

	// parent of every socket context, cancelled on shutdown
	socketCtx    context.Context
	closeSockets context.CancelFunc

	// live socket per connection key
	connMu      sync.Mutex
	connections map[string]snowflake.ID
}

// NewHttpApi
//
//	Creates a new http api server bound to the configured address.
func NewHttpApi(params HttpApiParams) (*HttpApi, error) {
	listener, err := net.Listen("tcp", fmt.Sprintf("%s:%d", params.Config.Host, params.Config.Port))
	if err != nil {
		return nil, fmt.Errorf("failed to create listener: %v", err)
	}

	socketCtx, closeSockets := context.WithCancel(context.Background())

	a := &HttpApi{
		HttpApiParams:     params,
		socketCtx:         socketCtx,
		closeSockets:      closeSockets,
		wg:                conc.NewWaitGroup(),
		listener:          listener,
		router:            chi.NewRouter(),
		validator:         validator.New(),
		activeConnections: &atomic.Int64{},
		connections:       make(map[string]snowflake.ID),
	}

	a.router.Use(
		// panic catcher
		middleware.Recoverer,
		middleware.RequestID,
		cors.Handler(cors.Options{
			AllowOriginFunc:  func(r *http.Request, origin string) bool { return true },
			AllowedMethods:   []string{"GET"},
			AllowedHeaders:   []string{"*"},
			ExposedHeaders:   []string{"Content-Disposition"},
			AllowCredentials: true,
			MaxAge:           300, // Maximum value not ignored by any of major browsers
		}),
		a.initRequest,
	)

	a.linkApi()

	return a, nil
}

// Addr returns the address the server listens on.
func (a *HttpApi) Addr() net.Addr {
	return a.listener.Addr()
}

// Start
//
//	Serves the api on the listener until Shutdown is called. The passed
//	context is the base context of every request.
func (a *HttpApi) Start(ctx context.Context) error {
	server := &http.Server{
		ErrorLog: log.New(io.Discard, "", 0),
		Handler:  a.router,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	a.server.Store(server)

	a.Logger.Info(ctx, "http api listening", slog.F("addr", a.listener.Addr().String()))
	err := server.Serve(a.listener)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops accepting requests, closes every open socket and waits
// for their goroutines to exit.
func (a *HttpApi) Shutdown(ctx context.Context) error {
	var err error
	if server := a.server.Load(); server != nil {
		err = server.Shutdown(ctx)
	} else {
		err = a.listener.Close()
	}

	// hijacked connections are not tracked by the http server
	a.closeSockets()

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return err
}

func (a *HttpApi) linkApi() {
	router := chi.NewRouter()

	router.Method("OPTIONS", "/*", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	router.Get("/ping", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("pong"))
	})

	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("OK"))
	})

	router.Route("/api/v1", func(r chi.Router) {
		r.Get("/ws", a.BuildSocket)
		r.Get("/status", a.Status)
		r.Get("/jobs", a.RecentJobs)
		r.Get("/jobs/{id}", a.GetJob)
		r.Get("/jobs/{id}/artifacts/*", a.Artifacts)
	})

	a.router.Mount("/", router)
}

// initRequest
//
//	Middleware to initialize a http request.
func (a *HttpApi) initRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := context.WithValue(r.Context(), CtxKeyIPAddress, utils.GetRemoteAddr(r))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// handleError
//
//	Uniform handler for logging errors and writing a response message.
func (a *HttpApi) handleError(w http.ResponseWriter, r *http.Request, status int, message string, err error) {
	if status >= http.StatusInternalServerError {
		a.Logger.Error(
			r.Context(),
			"api call failed",
			slog.Error(err),
			slog.F("path", r.URL.Path),
			slog.F("reqId", middleware.GetReqID(r.Context())),
		)
	} else {
		a.Logger.Debug(
			r.Context(),
			"api call rejected",
			slog.Error(err),
			slog.F("path", r.URL.Path),
			slog.F("reqId", middleware.GetReqID(r.Context())),
		)
	}

	buf, _ := json.Marshal(map[string]string{"message": message})
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, err = w.Write(buf)
	if err != nil {
		a.Logger.Error(
			r.Context(),
			"failed to write error response",
			slog.Error(err),
			slog.F("reqId", middleware.GetReqID(r.Context())),
		)
	}
}

// handleJsonResponse
//
//	Uniform handler for JSON responses.
func (a *HttpApi) handleJsonResponse(w http.ResponseWriter, r *http.Request, status int, response any) {
	buf, err := json.Marshal(response)
	if err != nil {
		a.handleError(
			w, r,
			http.StatusInternalServerError,
			DefaultErrorMessage,
			fmt.Errorf("failed to marshal json response: %v", err),
		)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, err = w.Write(buf)
	if err != nil {
		a.Logger.Error(
			r.Context(),
			"failed to write json response",
			slog.Error(err),
			slog.F("reqId", middleware.GetReqID(r.Context())),
		)
	}
}
