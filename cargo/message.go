// Package cargo adapts the machine readable output of cargo into the
// playground wire model.
package cargo

import (
	"bytes"
	"strings"

	"fortio.org/safecast"
	"github.com/buger/jsonparser"
	"golang.org/x/xerrors"

	"playground/model"
)

// ErrNotMessage is returned for lines that are not cargo json messages.
var ErrNotMessage = xerrors.New("not a cargo message")

// Event is one decoded line of `cargo build --message-format=json`.
type Event interface {
	isEvent()
}

// DiagnosticEvent carries a compiler diagnostic worth showing to the user.
type DiagnosticEvent struct {
	Diagnostic model.CargoDiagnostic
	Rendered   string
}

// ArtifactEvent is emitted once per compiled unit.
type ArtifactEvent struct {
	Crate      string
	Fresh      bool
	Filenames  []string
	Executable string
	// BuildScript is set for the compiled build script of a package, which
	// is not a crate of its own.
	BuildScript bool
}

// BuildScriptEvent is emitted after a build script ran.
type BuildScriptEvent struct {
	PackageID string
}

// FinishedEvent is the last message of a cargo invocation.
type FinishedEvent struct {
	Success bool
}

// IgnoredEvent is a well formed message the playground has no use for.
type IgnoredEvent struct {
	Reason string
}

func (DiagnosticEvent) isEvent()  {}
func (ArtifactEvent) isEvent()    {}
func (BuildScriptEvent) isEvent() {}
func (FinishedEvent) isEvent()    {}
func (IgnoredEvent) isEvent()     {}

// ParseMessage
//
//	Decodes a single line of cargo json output. Plain text lines return
//	ErrNotMessage. Compiler messages that carry nothing for the user (notes,
//	help, summaries) come back as IgnoredEvent.
func ParseMessage(line []byte) (Event, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 || line[0] != '{' {
		return nil, ErrNotMessage
	}

	reason, err := jsonparser.GetString(line, "reason")
	if err != nil {
		return nil, ErrNotMessage
	}

	switch reason {
	case "compiler-message":
		return parseCompilerMessage(line)
	case "compiler-artifact":
		return parseArtifact(line)
	case "build-script-executed":
		packageID, _ := jsonparser.GetString(line, "package_id")
		return BuildScriptEvent{PackageID: packageID}, nil
	case "build-finished":
		success, err := jsonparser.GetBoolean(line, "success")
		if err != nil {
			return nil, xerrors.Errorf("failed to read build-finished success: %w", err)
		}
		return FinishedEvent{Success: success}, nil
	default:
		return IgnoredEvent{Reason: reason}, nil
	}
}

func parseArtifact(line []byte) (Event, error) {
	crate, err := jsonparser.GetString(line, "target", "name")
	if err != nil {
		return nil, xerrors.Errorf("failed to read artifact target: %w", err)
	}

	event := ArtifactEvent{Crate: crate}
	event.Fresh, _ = jsonparser.GetBoolean(line, "fresh")
	event.Executable, _ = jsonparser.GetString(line, "executable")

	_, _ = jsonparser.ArrayEach(line, func(value []byte, dataType jsonparser.ValueType, _ int, _ error) {
		if dataType == jsonparser.String && string(value) == "custom-build" {
			event.BuildScript = true
		}
	}, "target", "kind")

	_, err = jsonparser.ArrayEach(line, func(value []byte, dataType jsonparser.ValueType, _ int, _ error) {
		if dataType != jsonparser.String {
			return
		}
		name, err := jsonparser.ParseString(value)
		if err != nil {
			return
		}
		event.Filenames = append(event.Filenames, name)
	}, "filenames")
	if err != nil && !xerrors.Is(err, jsonparser.KeyPathNotFoundError) {
		return nil, xerrors.Errorf("failed to read artifact filenames: %w", err)
	}

	return event, nil
}

func parseCompilerMessage(line []byte) (Event, error) {
	msg, dataType, _, err := jsonparser.Get(line, "message")
	if err != nil || dataType != jsonparser.Object {
		return nil, xerrors.Errorf("compiler-message has no message object")
	}

	levelText, err := jsonparser.GetString(msg, "level")
	if err != nil {
		return nil, xerrors.Errorf("failed to read diagnostic level: %w", err)
	}
	text, err := jsonparser.GetString(msg, "message")
	if err != nil {
		return nil, xerrors.Errorf("failed to read diagnostic message: %w", err)
	}

	level, ok := mapLevel(levelText)
	if !ok || isSummary(text) {
		return IgnoredEvent{Reason: "compiler-message"}, nil
	}

	crate, _ := jsonparser.GetString(line, "target", "name")
	rendered, _ := jsonparser.GetString(msg, "rendered")

	spans, err := parseSpans(msg)
	if err != nil {
		return nil, err
	}

	return DiagnosticEvent{
		Diagnostic: model.CargoDiagnostic{
			TargetCrate: crate,
			Level:       level,
			Message:     text,
			Spans:       spans,
		},
		Rendered: rendered,
	}, nil
}

func parseSpans(msg []byte) ([]model.CargoDiagnosticSpan, error) {
	spans := []model.CargoDiagnosticSpan{}

	var spanErr error
	_, err := jsonparser.ArrayEach(msg, func(value []byte, dataType jsonparser.ValueType, _ int, _ error) {
		if spanErr != nil || dataType != jsonparser.Object {
			return
		}
		span, err := parseSpan(value)
		if err != nil {
			spanErr = err
			return
		}
		spans = append(spans, span)
	}, "spans")
	if err != nil && !xerrors.Is(err, jsonparser.KeyPathNotFoundError) {
		return nil, xerrors.Errorf("failed to read diagnostic spans: %w", err)
	}
	if spanErr != nil {
		return nil, spanErr
	}

	return spans, nil
}

func parseSpan(value []byte) (model.CargoDiagnosticSpan, error) {
	var span model.CargoDiagnosticSpan

	isPrimary, err := jsonparser.GetBoolean(value, "is_primary")
	if err != nil {
		return span, xerrors.Errorf("failed to read span is_primary: %w", err)
	}
	span.IsPrimary = isPrimary

	coords := []struct {
		key string
		dst *uint
	}{
		{"line_start", &span.LineStart},
		{"line_end", &span.LineEnd},
		{"column_start", &span.ColumnStart},
		{"column_end", &span.ColumnEnd},
	}
	for _, c := range coords {
		n, err := jsonparser.GetInt(value, c.key)
		if err != nil {
			return span, xerrors.Errorf("failed to read span %s: %w", c.key, err)
		}
		*c.dst, err = safecast.Conv[uint](n)
		if err != nil {
			return span, xerrors.Errorf("span %s out of range: %w", c.key, err)
		}
	}

	label, dataType, _, err := jsonparser.Get(value, "label")
	if err == nil && dataType == jsonparser.String {
		text, err := jsonparser.ParseString(label)
		if err != nil {
			return span, xerrors.Errorf("failed to read span label: %w", err)
		}
		span.Label = &text
	}

	return span, nil
}

// mapLevel folds rustc's levels into the two the playground shows.
func mapLevel(level string) (model.CargoLevel, bool) {
	switch level {
	case "error", "error: internal compiler error":
		return model.LevelError, true
	case "warning":
		return model.LevelWarning, true
	default:
		// note, help, failure-note
		return 0, false
	}
}

// isSummary reports the closing lines rustc prints after the real diagnostics.
func isSummary(message string) bool {
	if strings.HasPrefix(message, "aborting due to") {
		return true
	}
	if strings.HasSuffix(message, "warning emitted") || strings.HasSuffix(message, "warnings emitted") {
		return true
	}
	return false
}
