package model

import (
	"encoding/json"

	"github.com/google/uuid"
	"golang.org/x/xerrors"
)

// Direction
//
//	Which endpoint produces a message.
type Direction int

const (
	DirectionClientToServer Direction = iota
	DirectionServerToClient
)

func (d Direction) String() string {
	return [...]string{
		"client->server",
		"server->client",
	}[d]
}

// SocketMessage
//
//	The single unit of exchange on the playground socket, in both
//	directions. The set of implementations is closed to this package so a
//	type switch over the six variants is exhaustive.
type SocketMessage interface {
	// Variant returns the wire tag of the message.
	Variant() string

	// Direction reports which endpoint sends the message.
	Direction() Direction

	isSocketMessage()
}

// BuildRequest asks the server to build and run Source.
type BuildRequest struct {
	Source string
}

// BuildFinished terminates the message stream of one build attempt.
type BuildFinished struct {
	Result BuildResult
}

// BuildStage reports build progress.
type BuildStage struct {
	Stage Stage
}

// BuildDiagnostic carries one compiler message.
type BuildDiagnostic struct {
	Diagnostic CargoDiagnostic
}

// QueuePosition is the number of jobs ahead of this one in the pending queue.
type QueuePosition struct {
	Position uint
}

// AlreadyConnected is sent in place of the normal flow when a second
// connection for the same client is rejected.
type AlreadyConnected struct{}

const (
	variantBuildRequest     = "BuildRequest"
	variantBuildFinished    = "BuildFinished"
	variantBuildStage       = "BuildStage"
	variantBuildDiagnostic  = "BuildDiagnostic"
	variantQueuePosition    = "QueuePosition"
	variantAlreadyConnected = "AlreadyConnected"
)

func (BuildRequest) Variant() string     { return variantBuildRequest }
func (BuildFinished) Variant() string    { return variantBuildFinished }
func (BuildStage) Variant() string       { return variantBuildStage }
func (BuildDiagnostic) Variant() string  { return variantBuildDiagnostic }
func (QueuePosition) Variant() string    { return variantQueuePosition }
func (AlreadyConnected) Variant() string { return variantAlreadyConnected }

func (BuildRequest) Direction() Direction     { return DirectionClientToServer }
func (BuildFinished) Direction() Direction    { return DirectionServerToClient }
func (BuildStage) Direction() Direction       { return DirectionServerToClient }
func (BuildDiagnostic) Direction() Direction  { return DirectionServerToClient }
func (QueuePosition) Direction() Direction    { return DirectionServerToClient }
func (AlreadyConnected) Direction() Direction { return DirectionServerToClient }

func (BuildRequest) isSocketMessage()     {}
func (BuildFinished) isSocketMessage()    {}
func (BuildStage) isSocketMessage()       {}
func (BuildDiagnostic) isSocketMessage()  {}
func (QueuePosition) isSocketMessage()    {}
func (AlreadyConnected) isSocketMessage() {}

// BuildResult
//
//	Outcome of a build attempt: either the id of the finished job or the
//	reason it failed. Construct with Succeeded or Failed.
type BuildResult struct {
	Ok     bool
	JobID  uuid.UUID
	Reason string
}

// Succeeded returns the successful result for the given job.
func Succeeded(jobID uuid.UUID) BuildResult {
	return BuildResult{Ok: true, JobID: jobID}
}

// Failed returns a failed result with a human readable reason.
func Failed(reason string) BuildResult {
	return BuildResult{Reason: reason}
}

func (r BuildResult) MarshalJSON() ([]byte, error) {
	if r.Ok {
		return json.Marshal(map[string]uuid.UUID{"Ok": r.JobID})
	}
	return json.Marshal(map[string]string{"Err": r.Reason})
}

func (m BuildRequest) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]string{variantBuildRequest: m.Source})
}

func (m BuildFinished) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]BuildResult{variantBuildFinished: m.Result})
}

func (m BuildStage) MarshalJSON() ([]byte, error) {
	if m.Stage == nil {
		return nil, xerrors.New("BuildStage: missing stage")
	}
	return json.Marshal(map[string]Stage{variantBuildStage: m.Stage})
}

func (m BuildDiagnostic) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]CargoDiagnostic{variantBuildDiagnostic: m.Diagnostic})
}

func (m QueuePosition) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]uint{variantQueuePosition: m.Position})
}

func (AlreadyConnected) MarshalJSON() ([]byte, error) {
	return json.Marshal(variantAlreadyConnected)
}
