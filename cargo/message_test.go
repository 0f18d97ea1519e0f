package cargo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"playground/model"
)

const errorMessage = `{"reason":"compiler-message","package_id":"playground 0.1.0 (path+file:///work)","manifest_path":"/work/Cargo.toml","target":{"kind":["bin"],"crate_types":["bin"],"name":"playground","src_path":"/work/src/main.rs","edition":"2021","doctest":false,"test":true},"message":{"rendered":"error[E0308]: mismatched types\n","$message_type":"diagnostic","children":[],"code":{"code":"E0308","explanation":null},"level":"error","message":"mismatched types","spans":[{"byte_end":40,"byte_start":38,"column_end":20,"column_start":18,"expansion":null,"file_name":"src/main.rs","is_primary":true,"label":"expected ` + "`u32`" + `, found ` + "`&str`" + `","line_end":2,"line_start":2,"suggested_replacement":null,"suggestion_applicability":null,"text":[]},{"byte_end":30,"byte_start":27,"column_end":12,"column_start":9,"expansion":null,"file_name":"src/main.rs","is_primary":false,"label":null,"line_end":2,"line_start":2,"suggested_replacement":null,"suggestion_applicability":null,"text":[]}]}}`

func TestParseCompilerMessage(t *testing.T) {
	event, err := ParseMessage([]byte(errorMessage))
	require.NoError(t, err)

	diag, ok := event.(DiagnosticEvent)
	require.True(t, ok, "expected DiagnosticEvent, got %T", event)

	label := "expected `u32`, found `&str`"
	assert.Equal(t, model.CargoDiagnostic{
		TargetCrate: "playground",
		Level:       model.LevelError,
		Message:     "mismatched types",
		Spans: []model.CargoDiagnosticSpan{
			{IsPrimary: true, LineStart: 2, LineEnd: 2, ColumnStart: 18, ColumnEnd: 20, Label: &label},
			{IsPrimary: false, LineStart: 2, LineEnd: 2, ColumnStart: 9, ColumnEnd: 12},
		},
	}, diag.Diagnostic)
	assert.Equal(t, "error[E0308]: mismatched types\n", diag.Rendered)
}

func TestParseMessageLevels(t *testing.T) {
	msg := func(level, text string) string {
		return `{"reason":"compiler-message","target":{"kind":["bin"],"name":"playground"},"message":{"level":"` + level + `","message":"` + text + `","spans":[]}}`
	}

	tests := []struct {
		name    string
		line    string
		level   model.CargoLevel
		ignored bool
	}{
		{name: "error", line: msg("error", "cannot find value `x`"), level: model.LevelError},
		{name: "ice", line: msg("error: internal compiler error", "unexpected panic"), level: model.LevelError},
		{name: "warning", line: msg("warning", "unused variable: `y`"), level: model.LevelWarning},
		{name: "note", line: msg("note", "see issue"), ignored: true},
		{name: "help", line: msg("help", "consider borrowing"), ignored: true},
		{name: "failure note", line: msg("failure-note", "for more information"), ignored: true},
		{name: "aborting", line: msg("error", "aborting due to 2 previous errors"), ignored: true},
		{name: "warnings emitted", line: msg("warning", "3 warnings emitted"), ignored: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			event, err := ParseMessage([]byte(tt.line))
			require.NoError(t, err)

			if tt.ignored {
				assert.IsType(t, IgnoredEvent{}, event)
				return
			}

			diag, ok := event.(DiagnosticEvent)
			require.True(t, ok, "expected DiagnosticEvent, got %T", event)
			assert.Equal(t, tt.level, diag.Diagnostic.Level)
			assert.NotNil(t, diag.Diagnostic.Spans)
			assert.Empty(t, diag.Diagnostic.Spans)
		})
	}
}

func TestParseMessageEvents(t *testing.T) {
	tests := []struct {
		name string
		line string
		want Event
	}{
		{
			name: "artifact",
			line: `{"reason":"compiler-artifact","package_id":"serde 1.0.0","target":{"kind":["lib"],"name":"serde"},"filenames":["/work/target/libserde.rlib"],"executable":null,"fresh":true}`,
			want: ArtifactEvent{Crate: "serde", Fresh: true, Filenames: []string{"/work/target/libserde.rlib"}},
		},
		{
			name: "build script artifact",
			line: `{"reason":"compiler-artifact","target":{"kind":["custom-build"],"name":"build-script-build"},"filenames":[],"fresh":false}`,
			want: ArtifactEvent{Crate: "build-script-build", BuildScript: true},
		},
		{
			name: "wasm artifact",
			line: `{"reason":"compiler-artifact","target":{"kind":["bin"],"name":"playground"},"filenames":["/work/target/wasm32-unknown-unknown/release/playground.wasm"],"executable":"/work/target/wasm32-unknown-unknown/release/playground.wasm","fresh":false}`,
			want: ArtifactEvent{
				Crate:      "playground",
				Filenames:  []string{"/work/target/wasm32-unknown-unknown/release/playground.wasm"},
				Executable: "/work/target/wasm32-unknown-unknown/release/playground.wasm",
			},
		},
		{
			name: "build script executed",
			line: `{"reason":"build-script-executed","package_id":"proc-macro2 1.0.0","linked_libs":[],"linked_paths":[],"cfgs":[],"env":[],"out_dir":"/out"}`,
			want: BuildScriptEvent{PackageID: "proc-macro2 1.0.0"},
		},
		{
			name: "finished ok",
			line: `{"reason":"build-finished","success":true}`,
			want: FinishedEvent{Success: true},
		},
		{
			name: "finished failed",
			line: "{\"reason\":\"build-finished\",\"success\":false}\r\n",
			want: FinishedEvent{Success: false},
		},
		{
			name: "unknown reason",
			line: `{"reason":"timing-info"}`,
			want: IgnoredEvent{Reason: "timing-info"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			event, err := ParseMessage([]byte(tt.line))
			require.NoError(t, err)
			assert.Equal(t, tt.want, event)
		})
	}
}

func TestParseMessageRejects(t *testing.T) {
	notMessages := []string{
		"",
		"   Compiling serde v1.0.0",
		"[1,2,3]",
		`{"no_reason":true}`,
	}
	for _, line := range notMessages {
		_, err := ParseMessage([]byte(line))
		assert.ErrorIs(t, err, ErrNotMessage, "line %q", line)
	}

	malformed := []string{
		`{"reason":"build-finished"}`,
		`{"reason":"compiler-artifact","target":{}}`,
		`{"reason":"compiler-message","message":"flat"}`,
		`{"reason":"compiler-message","target":{"name":"x"},"message":{"level":"error","message":"m","spans":[{"is_primary":true,"line_start":-1,"line_end":1,"column_start":1,"column_end":1}]}}`,
		`{"reason":"compiler-message","target":{"name":"x"},"message":{"level":"error","message":"m","spans":[{"line_start":1,"line_end":1,"column_start":1,"column_end":1}]}}`,
	}
	for _, line := range malformed {
		_, err := ParseMessage([]byte(line))
		assert.Error(t, err, "line %q", line)
		assert.NotErrorIs(t, err, ErrNotMessage, "line %q", line)
	}
}
