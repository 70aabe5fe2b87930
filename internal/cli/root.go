// Package cli defines the meeting-capture commands.
package cli

import (
	"github.com/spf13/cobra"

	"github.com/lexiqai/meeting-capture/internal/app"
	"github.com/lexiqai/meeting-capture/internal/config"
)

// Dependencies are built once in main and shared by every command
type Dependencies struct {
	App    *app.App
	Config *config.Config
}

// NewRootCmd returns the root command
func NewRootCmd(deps *Dependencies) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "meeting-capture",
		Short: "Capture and transcribe live meetings",
		Long: "Captures meeting audio from a shared browser tab or the local microphone, transcribes it live " +
			"and saves the transcript to the CRM before triggering AI analysis.",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(NewServeCmd(deps))
	rootCmd.AddCommand(NewMicCmd(deps))

	return rootCmd
}
