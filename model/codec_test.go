package model

import (
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testJobID = uuid.MustParse("67e55044-10b1-426f-9247-bb680e5fe0c8")

func strPtr(s string) *string {
	return &s
}

func warningDiagnostic() CargoDiagnostic {
	return CargoDiagnostic{
		TargetCrate: "playground",
		Level:       LevelWarning,
		Message:     "unused variable: `x`",
		Spans: []CargoDiagnosticSpan{
			{
				IsPrimary:   true,
				LineStart:   2,
				LineEnd:     2,
				ColumnStart: 9,
				ColumnEnd:   10,
				Label:       strPtr("help: if this is intentional, prefix it with an underscore: `_x`"),
			},
			{
				IsPrimary:   false,
				LineStart:   1,
				LineEnd:     1,
				ColumnStart: 1,
				ColumnEnd:   12,
			},
		},
	}
}

func TestRoundTrip(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		msg  SocketMessage
	}{
		{name: "build request", msg: BuildRequest{Source: "fn main() {\n    println!(\"hi\");\n}\n"}},
		{name: "empty build request", msg: BuildRequest{}},
		{name: "build finished ok", msg: BuildFinished{Result: Succeeded(testJobID)}},
		{name: "build finished err", msg: BuildFinished{Result: Failed("could not compile `playground`")}},
		{name: "build finished empty err", msg: BuildFinished{Result: Failed("")}},
		{name: "stage compiling", msg: BuildStage{Stage: StageCompiling{CratesCompiled: 2, TotalCrates: 5, CurrentCrate: "serde"}}},
		{name: "stage running bindgen", msg: BuildStage{Stage: StageRunningBindgen{}}},
		{name: "stage other", msg: BuildStage{Stage: StageOther{}}},
		{name: "diagnostic", msg: BuildDiagnostic{Diagnostic: warningDiagnostic()}},
		{name: "diagnostic without spans", msg: BuildDiagnostic{Diagnostic: CargoDiagnostic{
			TargetCrate: "playground",
			Level:       LevelError,
			Message:     "linking failed",
			Spans:       []CargoDiagnosticSpan{},
		}}},
		{name: "queue position", msg: QueuePosition{Position: 3}},
		{name: "queue position zero", msg: QueuePosition{}},
		{name: "already connected", msg: AlreadyConnected{}},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			text, err := Encode(tt.msg)
			require.NoError(t, err)

			decoded, err := Decode(text)
			require.NoError(t, err)
			assert.Equal(t, tt.msg, decoded)
			assert.Equal(t, tt.msg.Variant(), decoded.Variant())
		})
	}
}

func TestEncodeWireFormat(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		msg  SocketMessage
		wire string
	}{
		{
			name: "build request",
			msg:  BuildRequest{Source: "fn main() {}"},
			wire: `{"BuildRequest":"fn main() {}"}`,
		},
		{
			name: "build finished ok",
			msg:  BuildFinished{Result: Succeeded(testJobID)},
			wire: `{"BuildFinished":{"Ok":"67e55044-10b1-426f-9247-bb680e5fe0c8"}}`,
		},
		{
			name: "build finished err",
			msg:  BuildFinished{Result: Failed("boom")},
			wire: `{"BuildFinished":{"Err":"boom"}}`,
		},
		{
			name: "compiling",
			msg:  BuildStage{Stage: StageCompiling{CratesCompiled: 2, TotalCrates: 5, CurrentCrate: "serde"}},
			wire: `{"BuildStage":{"Compiling":{"crates_compiled":2,"total_crates":5,"current_crate":"serde"}}}`,
		},
		{
			name: "running bindgen",
			msg:  BuildStage{Stage: StageRunningBindgen{}},
			wire: `{"BuildStage":"RunningBindgen"}`,
		},
		{
			name: "other",
			msg:  BuildStage{Stage: StageOther{}},
			wire: `{"BuildStage":"Other"}`,
		},
		{
			name: "diagnostic",
			msg: BuildDiagnostic{Diagnostic: CargoDiagnostic{
				TargetCrate: "playground",
				Level:       LevelError,
				Message:     "mismatched types",
				Spans: []CargoDiagnosticSpan{
					{IsPrimary: true, LineStart: 3, LineEnd: 3, ColumnStart: 18, ColumnEnd: 20, Label: strPtr("expected `u32`, found `&str`")},
				},
			}},
			wire: `{"BuildDiagnostic":{"target_crate":"playground","level":"Error","message":"mismatched types",` +
				`"spans":[{"is_primary":true,"line_start":3,"line_end":3,"column_start":18,"column_end":20,` +
				`"label":"expected ` + "`u32`" + `, found ` + "`\\u0026str`" + `"}]}}`,
		},
		{
			name: "diagnostic nil spans",
			msg:  BuildDiagnostic{Diagnostic: CargoDiagnostic{TargetCrate: "a", Level: LevelWarning, Message: "m"}},
			wire: `{"BuildDiagnostic":{"target_crate":"a","level":"Warning","message":"m","spans":[]}}`,
		},
		{
			name: "queue position",
			msg:  QueuePosition{Position: 7},
			wire: `{"QueuePosition":7}`,
		},
		{
			name: "already connected",
			msg:  AlreadyConnected{},
			wire: `"AlreadyConnected"`,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			text, err := Encode(tt.msg)
			require.NoError(t, err)
			assert.Equal(t, tt.wire, text)
		})
	}
}

func TestEncodeRejectsMalformedValues(t *testing.T) {
	t.Parallel()

	_, err := Encode(nil)
	require.Error(t, err)
	kind, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, KindParseJSON, kind)

	_, err = Encode(BuildStage{})
	require.Error(t, err)
	assert.ErrorIs(t, err, &SocketError{Kind: KindParseJSON})
}

func TestEncodeRejectsInvalidUTF8(t *testing.T) {
	t.Parallel()

	bad := "a\xffb"
	diag := warningDiagnostic()
	diag.Spans[0].Label = strPtr(bad)

	tests := []struct {
		name string
		msg  SocketMessage
	}{
		{name: "source", msg: BuildRequest{Source: bad}},
		{name: "reason", msg: BuildFinished{Result: Failed(bad)}},
		{name: "current crate", msg: BuildStage{Stage: StageCompiling{CratesCompiled: 1, TotalCrates: 2, CurrentCrate: bad}}},
		{name: "target crate", msg: BuildDiagnostic{Diagnostic: CargoDiagnostic{TargetCrate: bad, Message: "m"}}},
		{name: "message", msg: BuildDiagnostic{Diagnostic: CargoDiagnostic{TargetCrate: "a", Message: bad}}},
		{name: "label", msg: BuildDiagnostic{Diagnostic: diag}},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			text, err := Encode(tt.msg)
			require.Error(t, err)
			assert.Empty(t, text)
			assert.ErrorIs(t, err, &SocketError{Kind: KindUTF8Decode})

			var utf8Err *UTF8Error
			assert.ErrorAs(t, err, &utf8Err)
		})
	}
}

func TestDecodeAcceptsAlternateForms(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		wire string
		want SocketMessage
	}{
		{name: "unit variant as map", wire: `{"AlreadyConnected":null}`, want: AlreadyConnected{}},
		{name: "unit stage as map", wire: `{"BuildStage":{"RunningBindgen":null}}`, want: BuildStage{Stage: StageRunningBindgen{}}},
		{name: "whitespace", wire: " \n{ \"QueuePosition\" : 12 }\n", want: QueuePosition{Position: 12}},
		{name: "missing label", wire: `{"BuildDiagnostic":{"target_crate":"a","level":"Error","message":"m",` +
			`"spans":[{"is_primary":false,"line_start":1,"line_end":2,"column_start":3,"column_end":4}]}}`,
			want: BuildDiagnostic{Diagnostic: CargoDiagnostic{
				TargetCrate: "a",
				Level:       LevelError,
				Message:     "m",
				Spans:       []CargoDiagnosticSpan{{LineStart: 1, LineEnd: 2, ColumnStart: 3, ColumnEnd: 4}},
			}}},
		{name: "unknown extra field", wire: `{"BuildStage":{"Compiling":{"crates_compiled":1,"total_crates":2,` +
			`"current_crate":"log","eta":5}}}`,
			want: BuildStage{Stage: StageCompiling{CratesCompiled: 1, TotalCrates: 2, CurrentCrate: "log"}}},
		{name: "escaped html", wire: `{"BuildRequest":"a < b"}`, want: BuildRequest{Source: "a < b"}},
		{name: "escaped source", wire: `{"BuildRequest":"line\n\"q\" \u00e9"}`, want: BuildRequest{Source: "line\n\"q\" é"}},
		{name: "null label", wire: `{"BuildDiagnostic":{"target_crate":"a","level":"Warning","message":"m",` +
			`"spans":[{"is_primary":true,"line_start":1,"line_end":1,"column_start":1,"column_end":2,"label":null}]}}`,
			want: BuildDiagnostic{Diagnostic: CargoDiagnostic{
				TargetCrate: "a",
				Level:       LevelWarning,
				Message:     "m",
				Spans:       []CargoDiagnosticSpan{{IsPrimary: true, LineStart: 1, LineEnd: 1, ColumnStart: 1, ColumnEnd: 2}},
			}}},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			msg, err := Decode(tt.wire)
			require.NoError(t, err)
			assert.Equal(t, tt.want, msg)
		})
	}
}

func TestDecodeRejects(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		wire string
	}{
		{name: "empty", wire: ""},
		{name: "not json", wire: "hello"},
		{name: "truncated", wire: `{"BuildRequest":"fn main`},
		{name: "trailing garbage", wire: `{"QueuePosition":1} x`},
		{name: "array", wire: `["BuildRequest","x"]`},
		{name: "number", wire: `42`},
		{name: "null", wire: `null`},
		{name: "empty object", wire: `{}`},
		{name: "two keys", wire: `{"QueuePosition":1,"BuildRequest":"x"}`},
		{name: "unknown variant", wire: `{"BuildCancelled":"x"}`},
		{name: "unknown unit variant", wire: `"Disconnected"`},
		{name: "newtype variant as unit", wire: `"BuildRequest"`},
		{name: "request null", wire: `{"BuildRequest":null}`},
		{name: "request number", wire: `{"BuildRequest":5}`},
		{name: "position negative", wire: `{"QueuePosition":-1}`},
		{name: "position float", wire: `{"QueuePosition":1.5}`},
		{name: "position string", wire: `{"QueuePosition":"3"}`},
		{name: "already connected payload", wire: `{"AlreadyConnected":1}`},
		{name: "finished null", wire: `{"BuildFinished":null}`},
		{name: "finished bare uuid", wire: `{"BuildFinished":"67e55044-10b1-426f-9247-bb680e5fe0c8"}`},
		{name: "finished unknown arm", wire: `{"BuildFinished":{"Maybe":"x"}}`},
		{name: "finished both arms", wire: `{"BuildFinished":{"Ok":"67e55044-10b1-426f-9247-bb680e5fe0c8","Err":"x"}}`},
		{name: "finished bad uuid", wire: `{"BuildFinished":{"Ok":"not-a-uuid"}}`},
		{name: "finished err null", wire: `{"BuildFinished":{"Err":null}}`},
		{name: "stage unknown", wire: `{"BuildStage":"Linking"}`},
		{name: "stage null", wire: `{"BuildStage":null}`},
		{name: "compiling as unit", wire: `{"BuildStage":"Compiling"}`},
		{name: "compiling missing field", wire: `{"BuildStage":{"Compiling":{"crates_compiled":1,"total_crates":2}}}`},
		{name: "compiling wrong type", wire: `{"BuildStage":{"Compiling":{"crates_compiled":"1","total_crates":2,"current_crate":"a"}}}`},
		{name: "compiling not object", wire: `{"BuildStage":{"Compiling":[1,2,"a"]}}`},
		{name: "bindgen with payload", wire: `{"BuildStage":{"RunningBindgen":{"x":1}}}`},
		{name: "diagnostic null", wire: `{"BuildDiagnostic":null}`},
		{name: "diagnostic missing spans", wire: `{"BuildDiagnostic":{"target_crate":"a","level":"Error","message":"m"}}`},
		{name: "diagnostic missing level", wire: `{"BuildDiagnostic":{"target_crate":"a","message":"m","spans":[]}}`},
		{name: "diagnostic note level", wire: `{"BuildDiagnostic":{"target_crate":"a","level":"Note","message":"m","spans":[]}}`},
		{name: "diagnostic lowercase level", wire: `{"BuildDiagnostic":{"target_crate":"a","level":"error","message":"m","spans":[]}}`},
		{name: "span missing column", wire: `{"BuildDiagnostic":{"target_crate":"a","level":"Error","message":"m",` +
			`"spans":[{"is_primary":true,"line_start":1,"line_end":1,"column_start":1}]}}`},
		{name: "duplicate variant key", wire: `{"BuildRequest":"a","BuildRequest":"b"}`},
		{name: "duplicate result arm", wire: `{"BuildFinished":{"Err":"a","Err":"b"}}`},
		{name: "variant wrong case", wire: `{"buildrequest":"x"}`},
		{name: "compiling uppercase fields", wire: `{"BuildStage":{"Compiling":{"CRATES_COMPILED":2,"Total_Crates":5,"current_crate":"serde"}}}`},
		{name: "compiling duplicate field", wire: `{"BuildStage":{"Compiling":{"crates_compiled":1,"crates_compiled":2,` +
			`"total_crates":5,"current_crate":"serde"}}}`},
		{name: "diagnostic uppercase field", wire: `{"BuildDiagnostic":{"TARGET_CRATE":"a","level":"Error","message":"m","spans":[]}}`},
		{name: "diagnostic title case level field", wire: `{"BuildDiagnostic":{"target_crate":"a","Level":"Error","message":"m","spans":[]}}`},
		{name: "diagnostic duplicate message", wire: `{"BuildDiagnostic":{"target_crate":"a","level":"Error","message":"m",` +
			`"message":"n","spans":[]}}`},
		{name: "span uppercase field", wire: `{"BuildDiagnostic":{"target_crate":"a","level":"Error","message":"m",` +
			`"spans":[{"IS_PRIMARY":true,"line_start":1,"line_end":1,"column_start":1,"column_end":2}]}}`},
		{name: "span duplicate label", wire: `{"BuildDiagnostic":{"target_crate":"a","level":"Error","message":"m",` +
			`"spans":[{"is_primary":true,"line_start":1,"line_end":1,"column_start":1,"column_end":2,"label":"a","label":"b"}]}}`},
		{name: "span label number", wire: `{"BuildDiagnostic":{"target_crate":"a","level":"Error","message":"m",` +
			`"spans":[{"is_primary":true,"line_start":1,"line_end":1,"column_start":1,"column_end":2,"label":3}]}}`},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var msg SocketMessage
			var err error
			require.NotPanics(t, func() {
				msg, err = Decode(tt.wire)
			})
			require.Error(t, err)
			assert.Nil(t, msg)

			kind, ok := KindOf(err)
			require.True(t, ok, "expected a SocketError, got %T", err)
			assert.Equal(t, KindParseJSON, kind)
		})
	}
}

func TestDecodeBytesInvalidUTF8(t *testing.T) {
	t.Parallel()

	frames := [][]byte{
		{0xff, 0xfe, 0xfd},
		append([]byte(`{"BuildRequest":"`), 0xc3, 0x28, '"', '}'),
		append([]byte(`{"BuildRequest":"ok`), 0xe2, 0x82),
	}

	for _, frame := range frames {
		msg, err := DecodeBytes(frame)
		require.Error(t, err)
		assert.Nil(t, msg)

		kind, ok := KindOf(err)
		require.True(t, ok)
		assert.Equal(t, KindUTF8Decode, kind)
		assert.NotEqual(t, KindParseJSON, kind)

		var utf8Err *UTF8Error
		assert.ErrorAs(t, err, &utf8Err)
	}

	// the same check applies to strings holding raw bytes
	_, err := Decode(string([]byte{'"', 0xff, '"'}))
	assert.ErrorIs(t, err, &SocketError{Kind: KindUTF8Decode})

	// valid multi-byte text passes through untouched
	msg, err := DecodeBytes([]byte(`{"BuildRequest":"fn main() { println!(\"héllo 🦀\"); }"}`))
	require.NoError(t, err)
	assert.Equal(t, BuildRequest{Source: `fn main() { println!("héllo 🦀"); }`}, msg)
}

func TestStageRoundTrip(t *testing.T) {
	t.Parallel()

	for _, stage := range []Stage{StageOther{}, StageRunningBindgen{}} {
		text, err := Encode(BuildStage{Stage: stage})
		require.NoError(t, err)
		assert.NotContains(t, text, "{\""+stage.StageName()+"\"")

		msg, err := Decode(text)
		require.NoError(t, err)
		assert.Equal(t, BuildStage{Stage: stage}, msg)
	}

	compiling := StageCompiling{CratesCompiled: 2, TotalCrates: 5, CurrentCrate: "serde"}
	text, err := Encode(BuildStage{Stage: compiling})
	require.NoError(t, err)

	msg, err := Decode(text)
	require.NoError(t, err)
	got, ok := msg.(BuildStage).Stage.(StageCompiling)
	require.True(t, ok)
	assert.Equal(t, uint(2), got.CratesCompiled)
	assert.Equal(t, uint(5), got.TotalCrates)
	assert.Equal(t, "serde", got.CurrentCrate)
	assert.True(t, got == compiling)
}

func TestDiagnosticFidelity(t *testing.T) {
	t.Parallel()

	want := warningDiagnostic()
	text, err := Encode(BuildDiagnostic{Diagnostic: want})
	require.NoError(t, err)
	assert.Contains(t, text, `"label":null`)

	msg, err := Decode(text)
	require.NoError(t, err)
	got := msg.(BuildDiagnostic).Diagnostic

	assert.Equal(t, LevelWarning, got.Level)
	require.Len(t, got.Spans, 2)
	assert.True(t, got.Spans[0].IsPrimary)
	require.NotNil(t, got.Spans[0].Label)
	assert.Equal(t, *want.Spans[0].Label, *got.Spans[0].Label)
	assert.False(t, got.Spans[1].IsPrimary)
	assert.Nil(t, got.Spans[1].Label)
	assert.Equal(t, want, got)

	primary, ok := got.PrimarySpan()
	require.True(t, ok)
	assert.Equal(t, want.Spans[0], primary)
}

func TestPrimarySpan(t *testing.T) {
	t.Parallel()

	_, ok := CargoDiagnostic{}.PrimarySpan()
	assert.False(t, ok)

	// several primary spans are allowed, the first one is picked
	d := CargoDiagnostic{Spans: []CargoDiagnosticSpan{
		{LineStart: 1},
		{IsPrimary: true, LineStart: 2},
		{IsPrimary: true, LineStart: 3},
	}}
	span, ok := d.PrimarySpan()
	require.True(t, ok)
	assert.Equal(t, uint(2), span.LineStart)
}

func TestBuildSequence(t *testing.T) {
	t.Parallel()

	sent := []SocketMessage{
		QueuePosition{Position: 3},
		QueuePosition{Position: 0},
		BuildStage{Stage: StageCompiling{CratesCompiled: 0, TotalCrates: 4, CurrentCrate: "core"}},
		BuildStage{Stage: StageCompiling{CratesCompiled: 4, TotalCrates: 4, CurrentCrate: "core"}},
		BuildDiagnostic{Diagnostic: warningDiagnostic()},
		BuildFinished{Result: Succeeded(testJobID)},
	}

	frames := make([]string, 0, len(sent))
	for _, msg := range sent {
		text, err := Encode(msg)
		require.NoError(t, err)
		frames = append(frames, text)
	}

	received := make([]SocketMessage, 0, len(frames))
	for _, frame := range frames {
		msg, err := Decode(frame)
		require.NoError(t, err)
		received = append(received, msg)
	}

	assert.Equal(t, sent, received)

	finished, ok := received[len(received)-1].(BuildFinished)
	require.True(t, ok)
	assert.True(t, finished.Result.Ok)
	assert.Equal(t, testJobID, finished.Result.JobID)
}

func TestCodecConcurrentUse(t *testing.T) {
	t.Parallel()

	msgs := []SocketMessage{
		BuildRequest{Source: strings.Repeat("x", 1024)},
		BuildStage{Stage: StageCompiling{CratesCompiled: 1, TotalCrates: 9, CurrentCrate: "bevy"}},
		BuildDiagnostic{Diagnostic: warningDiagnostic()},
		AlreadyConnected{},
	}

	var wg sync.WaitGroup
	errs := make(chan error, 64)
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(msg SocketMessage) {
			defer wg.Done()
			text, err := Encode(msg)
			if err != nil {
				errs <- err
				return
			}
			got, err := Decode(text)
			if err != nil {
				errs <- err
				return
			}
			if !assert.ObjectsAreEqual(msg, got) {
				errs <- assert.AnError
			}
		}(msgs[i%len(msgs)])
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Error(err)
	}
}

func TestDirection(t *testing.T) {
	t.Parallel()

	assert.Equal(t, DirectionClientToServer, BuildRequest{}.Direction())
	for _, msg := range []SocketMessage{
		BuildFinished{}, BuildStage{}, BuildDiagnostic{}, QueuePosition{}, AlreadyConnected{},
	} {
		assert.Equal(t, DirectionServerToClient, msg.Direction(), msg.Variant())
	}
	assert.Equal(t, "client->server", DirectionClientToServer.String())
}
