//go:build web

package cmd

import (
	"os"
	"os/signal"

	"github.com/pterm/pcli"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var rootCmd = &cobra.Command{
	Use:     "playground-cli",
	Short:   "CLI client for the playground build server",
	Long:    `CLI client for the playground build server`,
	Example: `playground-cli build localhost:8081 main.rs`,
	Version: "v0.1.0",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// spinners and colors only make sense on a terminal
		if !term.IsTerminal(int(os.Stdout.Fd())) {
			pterm.RawOutput = true
		}
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	// Fetch user interrupt
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt)
	go func() {
		<-c
		pterm.Warning.Println("user interrupt")
		pcli.CheckForUpdates()
		os.Exit(130)
	}()

	// Execute cobra
	if err := rootCmd.Execute(); err != nil {
		pcli.CheckForUpdates()
		os.Exit(1)
	}

	pcli.CheckForUpdates()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&pterm.PrintDebugMessages, "debug", "", false, "enable debug messages")
	rootCmd.PersistentFlags().BoolVarP(&pterm.RawOutput, "raw", "", false, "print unstyled raw output (set it if output is written to a file)")
	rootCmd.PersistentFlags().BoolVarP(&pcli.DisableUpdateChecking, "disable-update-checks", "", true, "disables update checks")

	_ = pcli.SetRepo("playground/playground")
	pcli.SetRootCmd(rootCmd)
	pcli.Setup()

	pterm.ThemeDefault.SectionStyle = *pterm.NewStyle(pterm.FgCyan)
}
