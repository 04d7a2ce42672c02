package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jimmckelvey9861/workforce-mobile/internal/queue"
)

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Drain the queue to the sync endpoint once",
		Long: `Send queued records to sync.endpoint in queue order, removing each one the
server confirms. Records that fail are retried on the next run until their
retry budget is spent; spent records are then purged.

Exit codes:
  0 - Every attempted record was confirmed
  1 - One or more sends failed
  2 - Command error (no endpoint, queue unavailable)`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(rootOpts, cmd)
		},
	}
	return cmd
}

func runSync(opts *RootOptions, cmd *cobra.Command) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	env := opts.env()
	t := env.transport(cfg)
	if t == nil {
		return NewExitError(ExitCommandError, "sync.endpoint is not configured")
	}

	return withQueue(opts, cmd, func(q queue.Queue) error {
		rep, err := newDriver(q, t, cfg).Drain(cmd.Context())
		if err != nil {
			return WrapExitError(ExitCommandError, "sync failed", err)
		}
		text := fmt.Sprintf("Sent %d, failed %d, skipped %d, changed %d, purged %d",
			rep.Sent, rep.Failed, rep.Skipped, rep.Changed, rep.Purged)
		if err := opts.formatter(cmd).Result(rep, text); err != nil {
			return err
		}
		if rep.Failed > 0 {
			return NewExitError(ExitFailure, fmt.Sprintf("%d record(s) failed to sync", rep.Failed))
		}
		return nil
	})
}
