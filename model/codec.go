package model

import (
	"bytes"
	"encoding/json"
	"slices"

	"github.com/buger/jsonparser"
	"github.com/google/uuid"
	"golang.org/x/text/encoding"
	"golang.org/x/text/transform"
	"golang.org/x/xerrors"
)

// Encode
//
//	Serializes a message into its JSON wire text. Text fields holding
//	invalid UTF-8 fail with KindUTF8Decode instead of being replaced, any
//	other malformed value such as a nil message fails with KindParseJSON.
func Encode(msg SocketMessage) (string, error) {
	if msg == nil {
		return "", &SocketError{Kind: KindParseJSON, Err: xerrors.New("cannot encode a nil message")}
	}
	if err := validateText(msg); err != nil {
		return "", newSocketError(KindUTF8Decode, err)
	}
	buf, err := json.Marshal(msg)
	if err != nil {
		return "", newSocketError(KindParseJSON, err)
	}
	return string(buf), nil
}

// Decode
//
//	Parses wire text into a message. Go strings may hold arbitrary bytes so
//	the text is checked for UTF-8 before it is parsed.
func Decode(text string) (SocketMessage, error) {
	return DecodeBytes([]byte(text))
}

// DecodeBytes
//
//	Parses a received frame. Invalid UTF-8 fails with KindUTF8Decode; any
//	structural or schema problem fails with KindParseJSON. No partially
//	populated message is ever returned.
func DecodeBytes(buf []byte) (SocketMessage, error) {
	if err := validateUTF8(buf); err != nil {
		return nil, newSocketError(KindUTF8Decode, err)
	}
	msg, err := decodeMessage(buf)
	if err != nil {
		return nil, newSocketError(KindParseJSON, err)
	}
	return msg, nil
}

func validateUTF8(buf []byte) error {
	_, n, err := transform.Bytes(encoding.UTF8Validator, buf)
	if err != nil {
		return &UTF8Error{ValidUpTo: n, Err: err}
	}
	return nil
}

// validateText checks every string a message carries.
func validateText(msg SocketMessage) error {
	var fields []string
	switch m := msg.(type) {
	case BuildRequest:
		fields = append(fields, m.Source)
	case BuildFinished:
		fields = append(fields, m.Result.Reason)
	case BuildStage:
		if c, ok := m.Stage.(StageCompiling); ok {
			fields = append(fields, c.CurrentCrate)
		}
	case BuildDiagnostic:
		fields = append(fields, m.Diagnostic.TargetCrate, m.Diagnostic.Message)
		for _, span := range m.Diagnostic.Spans {
			if span.Label != nil {
				fields = append(fields, *span.Label)
			}
		}
	}

	for _, field := range fields {
		if err := validateUTF8([]byte(field)); err != nil {
			return err
		}
	}
	return nil
}

func decodeMessage(buf []byte) (SocketMessage, error) {
	tag, payload, err := splitTagged(buf)
	if err != nil {
		return nil, xerrors.Errorf("SocketMessage: %w", err)
	}

	// unit variants are the only ones allowed without a payload
	if payload == nil && tag != variantAlreadyConnected && isKnownVariant(tag) {
		return nil, xerrors.Errorf("SocketMessage: invalid type: unit variant, expected newtype variant `%s`", tag)
	}

	switch tag {
	case variantBuildRequest:
		var source string
		if err := decodeValue(payload, &source); err != nil {
			return nil, xerrors.Errorf("BuildRequest: %w", err)
		}
		return BuildRequest{Source: source}, nil
	case variantBuildFinished:
		res, err := decodeResult(payload)
		if err != nil {
			return nil, err
		}
		return BuildFinished{Result: res}, nil
	case variantBuildStage:
		if isNull(payload) {
			return nil, xerrors.New("BuildStage: invalid type: null")
		}
		stage, err := decodeStage(payload)
		if err != nil {
			return nil, err
		}
		return BuildStage{Stage: stage}, nil
	case variantBuildDiagnostic:
		if isNull(payload) {
			return nil, xerrors.New("BuildDiagnostic: invalid type: null")
		}
		var diag CargoDiagnostic
		if err := json.Unmarshal(payload, &diag); err != nil {
			return nil, xerrors.Errorf("BuildDiagnostic: %w", err)
		}
		return BuildDiagnostic{Diagnostic: diag}, nil
	case variantQueuePosition:
		var pos uint
		if err := decodeValue(payload, &pos); err != nil {
			return nil, xerrors.Errorf("QueuePosition: %w", err)
		}
		return QueuePosition{Position: pos}, nil
	case variantAlreadyConnected:
		if payload != nil && !isNull(payload) {
			return nil, xerrors.New("AlreadyConnected: unit variant carries no payload")
		}
		return AlreadyConnected{}, nil
	default:
		return nil, xerrors.Errorf(
			"SocketMessage: unknown variant %q, expected one of `BuildRequest`, `BuildFinished`, "+
				"`BuildStage`, `BuildDiagnostic`, `QueuePosition`, `AlreadyConnected`", tag)
	}
}

func isKnownVariant(tag string) bool {
	switch tag {
	case variantBuildRequest, variantBuildFinished, variantBuildStage,
		variantBuildDiagnostic, variantQueuePosition, variantAlreadyConnected:
		return true
	}
	return false
}

func decodeResult(payload []byte) (BuildResult, error) {
	if isNull(payload) {
		return BuildResult{}, xerrors.New("BuildFinished: invalid type: null, expected Result")
	}
	tag, inner, err := splitTagged(payload)
	if err != nil {
		return BuildResult{}, xerrors.Errorf("BuildFinished: %w", err)
	}

	switch tag {
	case "Ok":
		var raw string
		if err := decodeValue(inner, &raw); err != nil {
			return BuildResult{}, xerrors.Errorf("BuildFinished::Ok: %w", err)
		}
		id, err := uuid.Parse(raw)
		if err != nil {
			return BuildResult{}, xerrors.Errorf("BuildFinished::Ok: %w", err)
		}
		return Succeeded(id), nil
	case "Err":
		var reason string
		if err := decodeValue(inner, &reason); err != nil {
			return BuildResult{}, xerrors.Errorf("BuildFinished::Err: %w", err)
		}
		return Failed(reason), nil
	default:
		return BuildResult{}, xerrors.Errorf("BuildFinished: unknown variant %q, expected `Ok` or `Err`", tag)
	}
}

// splitTagged
//
//	Splits an externally tagged value. A bare string is a unit variant and
//	yields a nil payload; an object must hold exactly one key.
func splitTagged(buf []byte) (string, json.RawMessage, error) {
	trimmed := bytes.TrimSpace(buf)
	if len(trimmed) == 0 {
		return "", nil, xerrors.New("EOF while parsing a value")
	}
	if err := checkSyntax(trimmed); err != nil {
		return "", nil, err
	}

	switch trimmed[0] {
	case '"':
		var tag string
		if err := json.Unmarshal(trimmed, &tag); err != nil {
			return "", nil, err
		}
		return tag, nil, nil
	case '{':
		var (
			tag     string
			payload json.RawMessage
			keys    int
		)
		err := jsonparser.ObjectEach(trimmed, func(key, value []byte, dataType jsonparser.ValueType, _ int) error {
			keys++
			tag, payload = string(key), rawValue(value, dataType)
			return nil
		})
		if err != nil {
			return "", nil, err
		}
		if keys != 1 {
			return "", nil, xerrors.Errorf("expected map with a single key, found %d keys", keys)
		}
		return tag, payload, nil
	}

	return "", nil, xerrors.Errorf("invalid type: expected a variant tag or single-key map, found %s", jsonKind(trimmed))
}

// checkSyntax runs the text through the standard decoder so syntax errors
// surface with their offset.
func checkSyntax(buf []byte) error {
	if json.Valid(buf) {
		return nil
	}
	var v any
	if err := json.Unmarshal(buf, &v); err != nil {
		return err
	}
	return xerrors.New("invalid json")
}

// objectFields
//
//	Collects the members of a struct payload by their exact wire names.
//	Members with any other name are ignored; a known name given twice is
//	rejected.
func objectFields(buf []byte, known ...string) (map[string]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(buf)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, xerrors.Errorf("invalid type: %s, expected struct", jsonKind(trimmed))
	}
	if err := checkSyntax(trimmed); err != nil {
		return nil, err
	}

	fields := make(map[string]json.RawMessage, len(known))
	err := jsonparser.ObjectEach(trimmed, func(key, value []byte, dataType jsonparser.ValueType, _ int) error {
		name := string(key)
		if !slices.Contains(known, name) {
			return nil
		}
		if _, dup := fields[name]; dup {
			return xerrors.Errorf("duplicate field `%s`", name)
		}
		fields[name] = rawValue(value, dataType)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return fields, nil
}

// requiredField decodes a member that must be present and not null.
func requiredField(fields map[string]json.RawMessage, name string, v any) error {
	raw, ok := fields[name]
	if !ok {
		return missingField(name)
	}
	if err := decodeValue(raw, v); err != nil {
		return xerrors.Errorf("field `%s`: %w", name, err)
	}
	return nil
}

// rawValue turns a jsonparser value back into JSON text. Strings come back
// without their quotes but still escaped.
func rawValue(value []byte, dataType jsonparser.ValueType) json.RawMessage {
	if dataType != jsonparser.String {
		return json.RawMessage(value)
	}
	raw := make([]byte, 0, len(value)+2)
	raw = append(raw, '"')
	raw = append(raw, value...)
	return append(raw, '"')
}

// decodeValue decodes a scalar payload, rejecting null which the standard
// decoder would silently accept.
func decodeValue(buf []byte, v any) error {
	if isNull(buf) {
		return xerrors.New("invalid type: null")
	}
	return json.Unmarshal(buf, v)
}

func isNull(buf []byte) bool {
	return bytes.Equal(bytes.TrimSpace(buf), []byte("null"))
}

func missingField(name string) error {
	return xerrors.Errorf("missing field `%s`", name)
}

func jsonKind(buf []byte) string {
	if len(buf) == 0 {
		return "nothing"
	}
	switch buf[0] {
	case '{':
		return "map"
	case '[':
		return "sequence"
	case '"':
		return "string"
	case 't', 'f':
		return "boolean"
	case 'n':
		return "null"
	default:
		return "number"
	}
}
