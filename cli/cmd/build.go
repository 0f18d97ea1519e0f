//go:build web

package cmd

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"

	"cdr.dev/slog"
	"cdr.dev/slog/sloggers/sloghuman"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"playground/client"
	"playground/model"
)

func init() {
	rootCmd.AddCommand(buildCmd)

	buildCmd.Flags().StringP("client_id", "i", "", "client id sent with the connection")
	buildCmd.Flags().IntP("attempts", "a", 5, "connection attempts before giving up")
	buildCmd.Flags().BoolP("tls", "s", false, "connect over wss")
}

var buildCmd = &cobra.Command{
	Use:   "build <host>:<port> <file.rs>",
	Short: "Builds a source file on a playground server",
	Long:  `Builds a source file on a playground server and prints the compiler diagnostics`,
	RunE:  build,
	Args:  cobra.ExactArgs(2),
}

func build(cmd *cobra.Command, args []string) error {
	cmd.SilenceUsage = true

	host, port, err := net.SplitHostPort(args[0])
	if err != nil {
		pterm.Error.Printf("invalid server - should be <host>:<port>\n")
		return err
	}
	if _, err := strconv.ParseUint(port, 10, 16); err != nil {
		pterm.Error.Printf("invalid port for server\n")
		return err
	}

	source, err := os.ReadFile(args[1])
	if err != nil {
		pterm.Error.Printf("failed to read source: %v\n", err)
		return err
	}

	clientID, _ := cmd.Flags().GetString("client_id")
	attempts, _ := cmd.Flags().GetInt("attempts")
	secure, _ := cmd.Flags().GetBool("tls")

	scheme, httpScheme := "ws", "http"
	if secure {
		scheme, httpScheme = "wss", "https"
	}

	level := slog.LevelWarn
	if pterm.PrintDebugMessages {
		level = slog.LevelDebug
	}
	logger := slog.Make(sloghuman.Sink(os.Stderr)).Leveled(level)

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	spinner, _ := pterm.DefaultSpinner.Start("connecting to " + args[0])

	c, err := client.Dial(ctx, fmt.Sprintf("%s://%s/api/v1/ws", scheme, net.JoinHostPort(host, port)), client.Options{
		ClientID: clientID,
		Attempts: attempts,
		Logger:   logger,
	})
	if err != nil {
		spinner.Fail(fmt.Sprintf("failed to connect: %v", err))
		return err
	}
	defer c.Close()

	var diagnostics []model.CargoDiagnostic
	spinner.UpdateText("submitting build")

	res, err := c.Build(ctx, string(source), func(msg model.SocketMessage) {
		switch m := msg.(type) {
		case model.QueuePosition:
			spinner.UpdateText(fmt.Sprintf("waiting in queue (%d ahead)", m.Position))
		case model.BuildStage:
			spinner.UpdateText(stageText(m.Stage))
		case model.BuildDiagnostic:
			diagnostics = append(diagnostics, m.Diagnostic)
		}
	})
	if err != nil {
		spinner.Fail(fmt.Sprintf("build interrupted: %v", err))
		return err
	}

	if res.Ok {
		spinner.Success("build succeeded")
	} else {
		spinner.Fail("build failed")
	}

	name := filepath.Base(args[1])
	for _, d := range diagnostics {
		text := renderDiagnostic(string(source), name, d)
		if d.Level == model.LevelError {
			pterm.Println(pterm.Red(text) + "\n")
		} else {
			pterm.Println(pterm.Yellow(text) + "\n")
		}
	}

	if !res.Ok {
		pterm.Error.Println(res.Reason)
		return fmt.Errorf("build failed: %s", res.Reason)
	}

	pterm.Info.Printf("artifacts: %s://%s/api/v1/jobs/%s/artifacts/\n", httpScheme, net.JoinHostPort(host, port), res.JobID)
	return nil
}

func stageText(s model.Stage) string {
	switch st := s.(type) {
	case model.StageCompiling:
		if st.CurrentCrate == "" {
			return fmt.Sprintf("compiling (%d/%d)", st.CratesCompiled, st.TotalCrates)
		}
		return fmt.Sprintf("compiling %s (%d/%d)", st.CurrentCrate, st.CratesCompiled, st.TotalCrates)
	case model.StageRunningBindgen:
		return "generating bindings"
	default:
		return "preparing build"
	}
}
