package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/lexiqai/meeting-capture/internal/capture"
	"github.com/lexiqai/meeting-capture/internal/capture/mic"
	"github.com/lexiqai/meeting-capture/internal/finalize"
	"github.com/lexiqai/meeting-capture/internal/session"
)

// NewMicCmd captures the local microphone into a meeting until interrupted
func NewMicCmd(deps *Dependencies) *cobra.Command {
	var setup session.Setup

	cmd := &cobra.Command{
		Use:   "mic",
		Short: "Capture the local microphone into a meeting",
		Long:  "Captures the default input device until Ctrl+C, then saves the transcript and triggers analysis.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMic(cmd, deps, setup)
		},
	}

	cmd.Flags().StringVar(&setup.MeetingID, "meeting", "", "Existing meeting id (skips meeting creation)")
	cmd.Flags().StringVarP(&setup.Title, "title", "t", "", "Meeting title")
	cmd.Flags().StringVar(&setup.ClientID, "client", "", "Client id (required without --meeting)")
	cmd.Flags().StringVar(&setup.DealID, "deal", "", "Optional deal id")

	return cmd
}

func runMic(cmd *cobra.Command, deps *Dependencies, setup session.Setup) error {
	out := cmd.OutOrStdout()
	acquirer := mic.NewAcquirer(mic.GetDefaultConfig())

	manager := deps.App.Manager(func(string) capture.Acquirer { return acquirer })
	defer manager.Close()

	sess, err := manager.Create(setup)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := sess.Start(ctx); err != nil {
		return fmt.Errorf("%s: %w", sess.Snapshot().StatusMessage, err)
	}
	fmt.Fprintln(out, "Capturing from the default microphone. Press Ctrl+C to finish.")

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
			snap := sess.Snapshot()
			if snap.State != session.StateCapturing {
				fmt.Fprintln(out, snap.StatusMessage)
				break loop
			}
			fmt.Fprintf(out, "[%s] %d segments captured\n", snap.Elapsed, snap.SegmentCount)
		}
	}

	fmt.Fprintln(out, finalize.MsgSaving)
	endErr := sess.End(context.Background())
	snap := sess.Snapshot()
	fmt.Fprintln(out, snap.StatusMessage)

	var persistErr *finalize.PersistError
	if errors.As(endErr, &persistErr) {
		fmt.Fprintln(out, "\n--- transcript ---")
		fmt.Fprintln(out, snap.Transcript)
	}
	if endErr != nil && !errors.Is(endErr, session.ErrNoMeeting) {
		return endErr
	}
	return nil
}
