// Package builder turns a playground source file into a wasm-bindgen bundle,
// reporting progress as socket messages.
package builder

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cdr.dev/slog"
	"github.com/google/uuid"
	"github.com/spf13/afero"
	"golang.org/x/sync/singleflight"
	"golang.org/x/xerrors"

	"playground/cargo"
	"playground/config"
	"playground/model"
	"playground/utils"
)

// how much failing toolchain output is kept for the failure reason
const tailSize = 4 * 1024

// Sink receives the messages produced for one build attempt.
type Sink interface {
	Send(ctx context.Context, msg model.SocketMessage) error
}

type BuilderParams struct {
	// Config build configuration
	Config config.BuildConfig

	// Fs filesystem holding the template, workspaces and artifacts
	Fs afero.Fs

	// Cache result cache, nil disables caching
	Cache *Cache

	// Logger used to log build events
	Logger slog.Logger
}

type Builder struct {
	BuilderParams
	manifest *cargo.Manifest
	sflight  singleflight.Group
}

// Report summarises a finished build attempt.
type Report struct {
	Result     model.BuildResult
	SourceHash string
	Errors     int
	Warnings   int
	// Cached is set when the result was served from the cache.
	Cached bool
	// Shared is set when another in-flight build of the same source did the work.
	Shared bool
	Start  time.Time
	End    time.Time
}

// outcome of a single compile shared through singleflight
type outcome struct {
	result      model.BuildResult
	diagnostics []model.CargoDiagnostic
	totalCrates uint
	// cacheable outcomes depend only on the source
	cacheable bool
}

func NewBuilder(params BuilderParams) (*Builder, error) {
	if params.Fs == nil {
		params.Fs = afero.NewOsFs()
	}

	manifest, err := cargo.ReadManifest(params.Fs, filepath.Join(params.Config.Template, "Cargo.toml"))
	if err != nil {
		return nil, xerrors.Errorf("failed to load template manifest: %w", err)
	}

	if err := params.Fs.MkdirAll(params.Config.ArtifactRoot, 0o755); err != nil {
		return nil, xerrors.Errorf("failed to create artifact root: %w", err)
	}

	return &Builder{
		BuilderParams: params,
		manifest:      manifest,
	}, nil
}

// ArtifactDir returns the directory holding the bundle of a successful job.
func (b *Builder) ArtifactDir(jobID uuid.UUID) string {
	return filepath.Join(b.Config.ArtifactRoot, jobID.String())
}

// Build
//
//	Builds source inside ws and streams stage and diagnostic messages to
//	sink. Every call ends by sending exactly one BuildFinished, whatever
//	happened before it, and returns the same result in the report.
func (b *Builder) Build(ctx context.Context, ws *Workspace, source string, sink Sink) *Report {
	report := &Report{
		SourceHash: SourceKey(source),
		Start:      time.Now(),
	}
	logger := b.Logger.With(slog.F("source_hash", report.SourceHash[:12]), slog.F("workspace", ws.ID))

	send := func(msg model.SocketMessage) {
		if err := sink.Send(ctx, msg); err != nil {
			logger.Debug(ctx, "failed to deliver build message", slog.F("variant", msg.Variant()), slog.Error(err))
		}
	}

	send(model.BuildStage{Stage: model.StageOther{}})

	out, cached := b.fromCache(ctx, report.SourceHash)
	if cached {
		report.Cached = true
		b.replay(out, send)
	} else {
		led := false
		v, _, _ := b.sflight.Do(report.SourceHash, func() (interface{}, error) {
			led = true
			return b.compile(ctx, ws, source, send), nil
		})
		out = v.(*outcome)

		if !led {
			report.Shared = true
			// the leader was cut short by its own client, build it here instead
			if !out.cacheable {
				report.Shared = false
				out = b.compile(ctx, ws, source, send)
			} else {
				b.replay(out, send)
			}
		}

		if led && out.cacheable && b.Cache != nil {
			err := b.Cache.Put(report.SourceHash, CacheEntry{
				Result:      out.result,
				TotalCrates: out.totalCrates,
				Diagnostics: out.diagnostics,
				Created:     time.Now(),
			})
			if err != nil {
				logger.Warn(ctx, "failed to cache build result", slog.Error(err))
			}
		}
	}

	for _, d := range out.diagnostics {
		switch d.Level {
		case model.LevelError:
			report.Errors++
		case model.LevelWarning:
			report.Warnings++
		}
	}

	report.Result = out.result
	report.End = time.Now()
	send(model.BuildFinished{Result: out.result})

	logger.Info(ctx, "build finished",
		slog.F("ok", out.result.Ok),
		slog.F("cached", report.Cached),
		slog.F("shared", report.Shared),
		slog.F("errors", report.Errors),
		slog.F("warnings", report.Warnings),
		slog.F("duration", report.End.Sub(report.Start)),
	)

	return report
}

func (b *Builder) fromCache(ctx context.Context, key string) (*outcome, bool) {
	if b.Cache == nil {
		return nil, false
	}

	entry, ok, err := b.Cache.Get(key)
	if err != nil {
		b.Logger.Warn(ctx, "failed to read build cache", slog.Error(err))
		return nil, false
	}
	if !ok {
		return nil, false
	}

	// artifacts may have been cleaned up since the entry was written
	if entry.Result.Ok {
		exists, err := afero.DirExists(b.Fs, b.ArtifactDir(entry.Result.JobID))
		if err != nil || !exists {
			_ = b.Cache.Delete(key)
			return nil, false
		}
	}

	return &outcome{
		result:      entry.Result,
		diagnostics: entry.Diagnostics,
		totalCrates: entry.TotalCrates,
		cacheable:   true,
	}, true
}

func (b *Builder) replay(out *outcome, send func(model.SocketMessage)) {
	if out.totalCrates > 0 {
		send(model.BuildStage{Stage: model.StageCompiling{
			CratesCompiled: out.totalCrates,
			TotalCrates:    out.totalCrates,
			CurrentCrate:   b.manifest.Package.Name,
		}})
	}
	for _, d := range out.diagnostics {
		send(model.BuildDiagnostic{Diagnostic: d})
	}
}

func (b *Builder) command(ws *Workspace, binary string, args ...string) utils.Command {
	c := utils.Command{
		Binary: binary,
		Args:   args,
		Dir:    ws.Dir,
	}
	if len(b.Config.Env) > 0 {
		c.Env = append(os.Environ(), b.Config.Env...)
	}
	return c
}

// compile runs the toolchain for source. It never sends BuildFinished.
func (b *Builder) compile(ctx context.Context, ws *Workspace, source string, send func(model.SocketMessage)) *outcome {
	buildCtx, cancel := context.WithTimeout(ctx, b.Config.Timeout)
	defer cancel()

	out := &outcome{}
	fail := func(reason string) *outcome {
		out.result = model.Failed(failureReason(reason))
		return out
	}

	if err := ws.WriteSource(b.Fs, b.Config.SourceFile, source); err != nil {
		b.Logger.Error(ctx, "failed to write source", slog.F("workspace", ws.ID), slog.Error(err))
		return fail("internal error: failed to prepare workspace")
	}

	out.totalCrates = b.countUnits(buildCtx, ws)
	progress := cargo.NewProgress(out.totalCrates)

	args := []string{"build", "--release", "--message-format=json"}
	if b.Config.Target != "" {
		args = append(args, "--target", b.Config.Target)
	}

	tail := utils.NewTailBuffer(tailSize)
	var (
		wasmPath string
		finished *cargo.FinishedEvent
	)

	res, err := utils.StreamCommand(buildCtx, b.command(ws, b.Config.CargoBinary, args...),
		func(line string) {
			event, err := cargo.ParseMessage([]byte(line))
			if err != nil {
				if !xerrors.Is(err, cargo.ErrNotMessage) {
					b.Logger.Debug(ctx, "skipping malformed cargo message", slog.Error(err))
				}
				tail.WriteLine(line)
				return
			}

			switch e := event.(type) {
			case cargo.DiagnosticEvent:
				out.diagnostics = append(out.diagnostics, e.Diagnostic)
				send(model.BuildDiagnostic{Diagnostic: e.Diagnostic})
			case cargo.ArtifactEvent:
				if stage, ok := progress.Observe(e); ok {
					send(model.BuildStage{Stage: stage})
				}
				if b.manifest.Owns(e.Crate) {
					if p, ok := cargo.WasmArtifact(e); ok {
						wasmPath = p
					}
				}
			case cargo.FinishedEvent:
				finished = &e
			}
		},
		tail.WriteLine,
	)
	if err != nil {
		return fail(b.interruptReason(ctx, "cargo build", err))
	}

	if res.ExitCode != 0 || (finished != nil && !finished.Success) {
		errCount := 0
		for _, d := range out.diagnostics {
			if d.Level == model.LevelError {
				errCount++
			}
		}
		// compile errors are a property of the source
		out.cacheable = errCount > 0
		if errCount > 0 {
			return fail(fmt.Sprintf("could not compile `%s` due to %s", b.manifest.Package.Name, plural(errCount, "previous error")))
		}
		reason := tail.String()
		if reason == "" {
			reason = fmt.Sprintf("cargo build exited with status %d", res.ExitCode)
		}
		return fail(reason)
	}

	if wasmPath == "" {
		return fail("cargo build produced no wasm artifact")
	}

	send(model.BuildStage{Stage: model.StageRunningBindgen{}})

	jobID := uuid.New()
	artifactDir := b.ArtifactDir(jobID)
	if err := b.Fs.MkdirAll(artifactDir, 0o755); err != nil {
		b.Logger.Error(ctx, "failed to create artifact dir", slog.Error(err))
		return fail("internal error: failed to create artifact directory")
	}

	bindgen, err := utils.ExecuteCommand(buildCtx, b.command(ws, b.Config.BindgenBinary,
		"--target", "web",
		"--no-typescript",
		"--out-dir", artifactDir,
		wasmPath,
	))
	if err != nil || bindgen.ExitCode != 0 {
		_ = b.Fs.RemoveAll(artifactDir)
		if err != nil {
			return fail(b.interruptReason(ctx, "wasm-bindgen", err))
		}
		reason := bindgen.Stderr
		if reason == "" {
			reason = fmt.Sprintf("exited with status %d", bindgen.ExitCode)
		}
		return fail("wasm-bindgen failed: " + reason)
	}

	out.cacheable = true
	out.result = model.Succeeded(jobID)
	return out
}

// countUnits asks cargo for the dependency graph size. Failure only costs
// the progress total.
func (b *Builder) countUnits(ctx context.Context, ws *Workspace) uint {
	args := []string{"metadata", "--format-version", "1"}
	if b.Config.Target != "" {
		args = append(args, "--filter-platform", b.Config.Target)
	}

	res, err := utils.ExecuteCommand(ctx, b.command(ws, b.Config.CargoBinary, args...))
	if err != nil || res.ExitCode != 0 {
		b.Logger.Warn(ctx, "cargo metadata failed", slog.F("workspace", ws.ID), slog.Error(err))
		return 0
	}

	total, err := cargo.CountUnits([]byte(res.Stdout))
	if err != nil {
		b.Logger.Warn(ctx, "failed to count crates", slog.Error(err))
		return 0
	}
	return total
}

func (b *Builder) interruptReason(ctx context.Context, step string, err error) string {
	if xerrors.Is(err, utils.ErrCommandCancelled) {
		if ctx.Err() != nil {
			return "build cancelled"
		}
		return fmt.Sprintf("build timed out after %s", b.Config.Timeout)
	}
	b.Logger.Error(ctx, "toolchain invocation failed", slog.F("step", step), slog.Error(err))
	return fmt.Sprintf("internal error: %s could not be run", step)
}

// failureReason replaces byte sequences that are not UTF-8, such as a
// character cut in half by the stderr tail, so the reason can be encoded.
func failureReason(reason string) string {
	return strings.ToValidUTF8(reason, "\uFFFD")
}

func plural(n int, word string) string {
	if n == 1 {
		return "1 " + word
	}
	return fmt.Sprintf("%d %ss", n, word)
}
