//go:build server

package main

import (
	"context"
	"flag"
	"log"
	"os"
	"sync"
	"syscall"
	"time"

	"cdr.dev/slog"
	"cdr.dev/slog/sloggers/sloghuman"
	"github.com/bwmarrin/snowflake"
	"github.com/spf13/afero"
	"github.com/syossan27/tebata"
	"gopkg.in/natefinch/lumberjack.v2"

	"playground/api"
	"playground/builder"
	"playground/config"
	"playground/queue"
	"playground/store"
)

var (
	lock        = &sync.Mutex{}
	interrupted = false
)

func shutdown(server *api.HttpApi, stopQueue context.CancelFunc, queueDone <-chan struct{}, logger slog.Logger) {
	// we lock here so we can prevent the main thread from exiting
	// before we finish the graceful shutdown
	lock.Lock()
	defer lock.Unlock()

	if interrupted {
		return
	}
	interrupted = true

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	logger.Info(ctx, "received termination - shutting down gracefully")

	// stop accepting sockets before the queue drains
	err := server.Shutdown(ctx)
	if err != nil {
		logger.Error(ctx, "failed to close server gracefully", slog.Error(err))
	}

	logger.Info(ctx, "stopping build queue")
	stopQueue()
	select {
	case <-queueDone:
	case <-ctx.Done():
		logger.Error(ctx, "build queue did not stop in time")
	}
}

func main() {
	configPath := flag.String("config", "/config.yml", "Path to the configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatal("failed to load config ", err)
	}

	sinks := []slog.Sink{sloghuman.Sink(os.Stdout)}
	if cfg.Logger.File != "" {
		logWriter := &lumberjack.Logger{
			Filename: cfg.Logger.File,
			MaxSize:  cfg.Logger.MaxSizeMB,
		}
		defer logWriter.Close()
		sinks = append(sinks, sloghuman.Sink(logWriter))
	}
	level := slog.LevelInfo
	if cfg.Logger.Debug {
		level = slog.LevelDebug
	}
	logger := slog.Make(sinks...).Leveled(level)

	ctx := context.Background()

	// node 1 is reserved for the server; the cli never generates ids
	snowflakeNode, err := snowflake.NewNode(1)
	if err != nil {
		logger.Fatal(ctx, "failed to create snowflake node", slog.Error(err))
	}

	jobs, err := store.Open(ctx, cfg.Store.Path)
	if err != nil {
		logger.Fatal(ctx, "failed to open job store", slog.Error(err))
	}
	defer jobs.Close()

	osFs := afero.NewOsFs()

	var cache *builder.Cache
	if cfg.Cache.Enabled {
		cache, err = builder.NewCache(osFs, cfg.Cache.Dir)
		if err != nil {
			logger.Fatal(ctx, "failed to create build cache", slog.Error(err))
		}
	}

	b, err := builder.NewBuilder(builder.BuilderParams{
		Config: cfg.Build,
		Fs:     osFs,
		Cache:  cache,
		Logger: logger.Named("builder"),
	})
	if err != nil {
		logger.Fatal(ctx, "failed to create builder", slog.Error(err))
	}

	toolchain, err := b.CheckToolchain(ctx)
	if err != nil {
		logger.Fatal(ctx, "toolchain check failed", slog.Error(err))
	}
	logger.Info(ctx, "toolchain ready",
		slog.F("cargo", toolchain.Cargo.String()), slog.F("wasm_bindgen", toolchain.Bindgen))

	workspaces := make([]*builder.Workspace, 0, cfg.Build.Workers)
	for i := 0; i < cfg.Build.Workers; i++ {
		ws, err := b.PrepareWorkspace(i)
		if err != nil {
			logger.Fatal(ctx, "failed to prepare workspace", slog.F("worker", i), slog.Error(err))
		}
		workspaces = append(workspaces, ws)
	}

	q := queue.NewQueue(queue.QueueParams{
		Builder:    b,
		Workspaces: workspaces,
		SfNode:     snowflakeNode,
		OnFinished: api.RecordAttempts(jobs, logger.Named("history")),
		Logger:     logger.Named("queue"),
	})

	queueCtx, stopQueue := context.WithCancel(ctx)
	queueDone := make(chan struct{})
	go func() {
		defer close(queueDone)
		q.Run(queueCtx)
	}()

	server, err := api.NewHttpApi(api.HttpApiParams{
		Snowflake:      snowflakeNode,
		Config:         cfg.Server,
		MaxSourceBytes: cfg.Build.MaxSourceBytes,
		Queue:          q,
		Store:          jobs,
		ArtifactFs:     afero.NewBasePathFs(osFs, cfg.Build.ArtifactRoot),
		Logger:         logger.Named("api"),
	})
	if err != nil {
		logger.Fatal(ctx, "failed to create server", slog.Error(err))
	}

	// register shutdown handler for all potential interrupt signals
	interrupt := tebata.New(syscall.SIGINT)
	err = interrupt.Reserve(shutdown, server, stopQueue, (<-chan struct{})(queueDone), logger)
	if err != nil {
		logger.Fatal(ctx, "failed to create interrupt handler", slog.Error(err))
	}

	term := tebata.New(syscall.SIGTERM)
	err = term.Reserve(shutdown, server, stopQueue, (<-chan struct{})(queueDone), logger)
	if err != nil {
		logger.Fatal(ctx, "failed to create term handler", slog.Error(err))
	}

	err = server.Start(ctx)

	// acquire lock so we can be sure that any graceful shutdown has completed
	lock.Lock()
	wasInterrupted := interrupted
	lock.Unlock()

	if err != nil && !wasInterrupted {
		logger.Error(ctx, "server failed unexpectedly", slog.Error(err))
		shutdown(server, stopQueue, queueDone, logger)
	}
}
