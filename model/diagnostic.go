package model

import (
	"encoding/json"

	"golang.org/x/xerrors"
)

// CargoLevel
//
//	Severity of a compiler diagnostic. Only errors and warnings are
//	representable; notes and help messages are dropped by the producer.
type CargoLevel int

const (
	LevelError CargoLevel = iota
	LevelWarning
)

func (l CargoLevel) String() string {
	switch l {
	case LevelError:
		return "Error"
	case LevelWarning:
		return "Warning"
	default:
		return "Unknown"
	}
}

func (l CargoLevel) MarshalText() ([]byte, error) {
	switch l {
	case LevelError, LevelWarning:
		return []byte(l.String()), nil
	}
	return nil, xerrors.Errorf("unknown cargo level %d", int(l))
}

func (l *CargoLevel) UnmarshalText(text []byte) error {
	switch string(text) {
	case "Error":
		*l = LevelError
	case "Warning":
		*l = LevelWarning
	default:
		return xerrors.Errorf("unknown variant %q, expected one of `Error`, `Warning`", string(text))
	}
	return nil
}

// CargoDiagnosticSpan
//
//	A source range referenced by a diagnostic. Line and column numbers are
//	passed through from the compiler untouched.
type CargoDiagnosticSpan struct {
	IsPrimary   bool    `json:"is_primary"`
	LineStart   uint    `json:"line_start"`
	LineEnd     uint    `json:"line_end"`
	ColumnStart uint    `json:"column_start"`
	ColumnEnd   uint    `json:"column_end"`
	Label       *string `json:"label"`
}

// CargoDiagnostic
//
//	A single compiler message with the spans it points at, in the order the
//	compiler emitted them.
type CargoDiagnostic struct {
	TargetCrate string                `json:"target_crate"`
	Level       CargoLevel            `json:"level"`
	Message     string                `json:"message"`
	Spans       []CargoDiagnosticSpan `json:"spans"`
}

// PrimarySpan
//
//	Returns the first span marked primary. Renderers anchor on it. More than
//	one primary span is tolerated; the first one wins.
func (d CargoDiagnostic) PrimarySpan() (CargoDiagnosticSpan, bool) {
	for _, s := range d.Spans {
		if s.IsPrimary {
			return s, true
		}
	}
	return CargoDiagnosticSpan{}, false
}

func (d CargoDiagnostic) MarshalJSON() ([]byte, error) {
	type plain CargoDiagnostic
	p := plain(d)
	if p.Spans == nil {
		p.Spans = []CargoDiagnosticSpan{}
	}
	return json.Marshal(p)
}

func (d *CargoDiagnostic) UnmarshalJSON(buf []byte) error {
	fields, err := objectFields(buf, "target_crate", "level", "message", "spans")
	if err != nil {
		return xerrors.Errorf("CargoDiagnostic: %w", err)
	}

	var diag CargoDiagnostic
	if err := requiredField(fields, "target_crate", &diag.TargetCrate); err != nil {
		return err
	}
	if err := requiredField(fields, "level", &diag.Level); err != nil {
		return err
	}
	if err := requiredField(fields, "message", &diag.Message); err != nil {
		return err
	}
	if err := requiredField(fields, "spans", &diag.Spans); err != nil {
		return err
	}
	*d = diag
	return nil
}

func (s *CargoDiagnosticSpan) UnmarshalJSON(buf []byte) error {
	fields, err := objectFields(buf, "is_primary", "line_start", "line_end", "column_start", "column_end", "label")
	if err != nil {
		return xerrors.Errorf("CargoDiagnosticSpan: %w", err)
	}

	var span CargoDiagnosticSpan
	if err := requiredField(fields, "is_primary", &span.IsPrimary); err != nil {
		return err
	}
	if err := requiredField(fields, "line_start", &span.LineStart); err != nil {
		return err
	}
	if err := requiredField(fields, "line_end", &span.LineEnd); err != nil {
		return err
	}
	if err := requiredField(fields, "column_start", &span.ColumnStart); err != nil {
		return err
	}
	if err := requiredField(fields, "column_end", &span.ColumnEnd); err != nil {
		return err
	}
	// label is optional and may be null
	if raw, ok := fields["label"]; ok {
		if err := json.Unmarshal(raw, &span.Label); err != nil {
			return xerrors.Errorf("field `label`: %w", err)
		}
	}
	*s = span
	return nil
}
