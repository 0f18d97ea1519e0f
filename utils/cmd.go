package utils

import (
	"context"
	"strings"
	"time"

	"github.com/go-cmd/cmd"
	"golang.org/x/xerrors"
)

// Command
//
//	A toolchain invocation.
type Command struct {
	Binary string
	Args   []string
	// Env replaces the environment of the child when non-nil.
	Env []string
	Dir string
}

func (c Command) String() string {
	return strings.Join(append([]string{c.Binary}, c.Args...), " ")
}

type CommandResult struct {
	Command  string
	Stdout   string
	Stderr   string
	ExitCode int
	Start    time.Time
	End      time.Time
	Cost     time.Duration
}

// cargo emits one json document per line and rendered diagnostics can be long
const maxLineSize = 1024 * 1024

// ErrCommandCancelled is returned when the context ends before the command.
var ErrCommandCancelled = xerrors.New("context closed")

// ExecuteCommand
//
//	Runs a command to completion via the github.com/go-cmd/cmd library and
//	returns its buffered output.
func ExecuteCommand(ctx context.Context, c Command) (*CommandResult, error) {
	gc := cmd.NewCmd(c.Binary, c.Args...)
	gc.Env = c.Env
	if len(c.Dir) > 0 {
		gc.Dir = c.Dir
	}

	statusChan := gc.Start()

	select {
	case <-ctx.Done():
		// stop command since we are exiting early
		err := gc.Stop()
		return nil, xerrors.Errorf("%w - %v", ErrCommandCancelled, err)
	case status := <-statusChan:
		if status.Error != nil {
			return nil, xerrors.Errorf("failed to run %s: %w", c.Binary, status.Error)
		}

		// go-cmd hands output back line by line
		return newResult(c, status, strings.Join(status.Stdout, "\n"), strings.Join(status.Stderr, "\n")), nil
	}
}

// StreamCommand
//
//	Runs a command and hands every stdout and stderr line to the given
//	callbacks as it is produced. Callbacks run on a single goroutine so they
//	observe lines in order. The returned result carries no output.
func StreamCommand(ctx context.Context, c Command, onStdout func(string), onStderr func(string)) (*CommandResult, error) {
	gc := cmd.NewCmdOptions(cmd.Options{
		Buffered:       false,
		Streaming:      true,
		LineBufferSize: maxLineSize,
	}, c.Binary, c.Args...)
	gc.Env = c.Env
	if len(c.Dir) > 0 {
		gc.Dir = c.Dir
	}

	done := make(chan struct{})

	go func() {
		defer close(done)

		// done when both channels have been closed
		stdout, stderr := gc.Stdout, gc.Stderr
		for stdout != nil || stderr != nil {
			select {
			case line, ok := <-stdout:
				if !ok {
					stdout = nil
					continue
				}
				if onStdout != nil {
					onStdout(line)
				}
			case line, ok := <-stderr:
				if !ok {
					stderr = nil
					continue
				}
				if onStderr != nil {
					onStderr(line)
				}
			}
		}
	}()

	statusChan := gc.Start()

	select {
	case <-ctx.Done():
		err := gc.Stop()
		<-done
		return nil, xerrors.Errorf("%w - %v", ErrCommandCancelled, err)
	case status := <-statusChan:
		<-done
		if status.Error != nil {
			return nil, xerrors.Errorf("failed to run %s: %w", c.Binary, status.Error)
		}
		return newResult(c, status, "", ""), nil
	}
}

func newResult(c Command, status cmd.Status, stdout, stderr string) *CommandResult {
	start := time.Unix(0, status.StartTs)
	end := time.Unix(0, status.StopTs)
	return &CommandResult{
		Command:  c.String(),
		Stdout:   stdout,
		Stderr:   stderr,
		ExitCode: status.Exit,
		Start:    start,
		End:      end,
		Cost:     end.Sub(start),
	}
}
