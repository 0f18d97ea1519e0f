package model

import (
	"encoding/json"

	"golang.org/x/xerrors"
)

// Stage
//
//	Where a build job currently stands. The set of stages is closed; the
//	order in which they are reported is decided by the producer and is not
//	checked here.
type Stage interface {
	// StageName returns the wire tag of the stage.
	StageName() string
	isStage()
}

// StageCompiling
//
//	Crates are being compiled. CratesCompiled is expected to grow over a
//	build attempt while TotalCrates stays fixed.
type StageCompiling struct {
	CratesCompiled uint   `json:"crates_compiled"`
	TotalCrates    uint   `json:"total_crates"`
	CurrentCrate   string `json:"current_crate"`
}

// StageRunningBindgen
//
//	Compilation finished and the wasm bindings are being generated.
type StageRunningBindgen struct{}

// StageOther
//
//	Any phase that has no dedicated stage.
type StageOther struct{}

const (
	stageCompiling      = "Compiling"
	stageRunningBindgen = "RunningBindgen"
	stageOther          = "Other"
)

func (StageCompiling) StageName() string      { return stageCompiling }
func (StageRunningBindgen) StageName() string { return stageRunningBindgen }
func (StageOther) StageName() string          { return stageOther }

func (StageCompiling) isStage()      {}
func (StageRunningBindgen) isStage() {}
func (StageOther) isStage()          {}

func (s StageCompiling) MarshalJSON() ([]byte, error) {
	type plain StageCompiling
	return json.Marshal(map[string]plain{stageCompiling: plain(s)})
}

func (StageRunningBindgen) MarshalJSON() ([]byte, error) {
	return json.Marshal(stageRunningBindgen)
}

func (StageOther) MarshalJSON() ([]byte, error) {
	return json.Marshal(stageOther)
}

// decodeStage
//
//	Decodes an externally tagged stage: unit stages are bare strings and
//	Compiling is a single-key object.
func decodeStage(buf []byte) (Stage, error) {
	tag, payload, err := splitTagged(buf)
	if err != nil {
		return nil, xerrors.Errorf("BuildStage: %w", err)
	}

	switch tag {
	case stageCompiling:
		if payload == nil {
			return nil, xerrors.Errorf("BuildStage: invalid type: unit variant, expected struct variant `Compiling`")
		}
		fields, err := objectFields(payload, "crates_compiled", "total_crates", "current_crate")
		if err != nil {
			return nil, xerrors.Errorf("BuildStage::Compiling: %w", err)
		}
		var stage StageCompiling
		if err := requiredField(fields, "crates_compiled", &stage.CratesCompiled); err != nil {
			return nil, xerrors.Errorf("BuildStage::Compiling: %w", err)
		}
		if err := requiredField(fields, "total_crates", &stage.TotalCrates); err != nil {
			return nil, xerrors.Errorf("BuildStage::Compiling: %w", err)
		}
		if err := requiredField(fields, "current_crate", &stage.CurrentCrate); err != nil {
			return nil, xerrors.Errorf("BuildStage::Compiling: %w", err)
		}
		return stage, nil
	case stageRunningBindgen:
		if payload != nil && !isNull(payload) {
			return nil, xerrors.Errorf("BuildStage: unit variant `RunningBindgen` carries no payload")
		}
		return StageRunningBindgen{}, nil
	case stageOther:
		if payload != nil && !isNull(payload) {
			return nil, xerrors.Errorf("BuildStage: unit variant `Other` carries no payload")
		}
		return StageOther{}, nil
	default:
		return nil, xerrors.Errorf(
			"BuildStage: unknown variant %q, expected one of `Compiling`, `RunningBindgen`, `Other`", tag)
	}
}
