//go:build web

package cmd

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"playground/model"
)

func init() {
	rootCmd.AddCommand(decodeCmd)
}

var decodeCmd = &cobra.Command{
	Use:   "decode <file>",
	Short: "Decodes captured socket frames",
	Long:  `Decodes captured socket frames, one per line, and pretty prints them. Pass - to read stdin.`,
	RunE:  decode,
	Args:  cobra.ExactArgs(1),
}

func decode(cmd *cobra.Command, args []string) error {
	cmd.SilenceUsage = true

	var in io.Reader = os.Stdin
	if args[0] != "-" {
		f, err := os.Open(args[0])
		if err != nil {
			pterm.Error.Printf("failed to open frame file: %v\n", err)
			return err
		}
		defer f.Close()
		in = f
	}

	failed := 0
	err := decodeFrames(in, func(n int, msg model.SocketMessage, err error) {
		if err != nil {
			failed++
			kind, _ := model.KindOf(err)
			pterm.Error.Printf("frame %d: %s: %v\n", n, kind, err)
			return
		}
		pterm.DefaultSection.Printf("frame %d: %s", n, describeMessage(msg))
		pterm.Println(indentFrame(msg))
	})
	if err != nil {
		pterm.Error.Printf("failed to read frames: %v\n", err)
		return err
	}
	if failed > 0 {
		return fmt.Errorf("%d frame(s) failed to decode", failed)
	}
	return nil
}

// decodeFrames hands every non-blank line of r to fn, numbered from 1.
func decodeFrames(r io.Reader, fn func(n int, msg model.SocketMessage, err error)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)

	n := 0
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		n++
		msg, err := model.DecodeBytes(line)
		fn(n, msg, err)
	}
	return scanner.Err()
}

// describeMessage summarises a message on one line.
func describeMessage(msg model.SocketMessage) string {
	switch m := msg.(type) {
	case model.BuildRequest:
		return fmt.Sprintf("BuildRequest (%d bytes of source)", len(m.Source))
	case model.BuildFinished:
		if m.Result.Ok {
			return "BuildFinished ok, job " + m.Result.JobID.String()
		}
		return "BuildFinished failed: " + m.Result.Reason
	case model.BuildStage:
		return "BuildStage " + describeStage(m.Stage)
	case model.BuildDiagnostic:
		return fmt.Sprintf("BuildDiagnostic %s in %s: %s",
			m.Diagnostic.Level, m.Diagnostic.TargetCrate, m.Diagnostic.Message)
	case model.QueuePosition:
		return fmt.Sprintf("QueuePosition %d", m.Position)
	case model.AlreadyConnected:
		return "AlreadyConnected"
	}
	return msg.Variant()
}

func describeStage(s model.Stage) string {
	if c, ok := s.(model.StageCompiling); ok {
		return fmt.Sprintf("Compiling %d/%d %s", c.CratesCompiled, c.TotalCrates, c.CurrentCrate)
	}
	return s.StageName()
}

// indentFrame re-encodes msg and indents it for display.
func indentFrame(msg model.SocketMessage) string {
	text, err := model.Encode(msg)
	if err != nil {
		return err.Error()
	}
	var out bytes.Buffer
	if err := json.Indent(&out, []byte(text), "", "  "); err != nil {
		return text
	}
	return out.String()
}
