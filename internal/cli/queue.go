package cli

import (
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/jimmckelvey9861/workforce-mobile/internal/queue"
	"github.com/jimmckelvey9861/workforce-mobile/internal/wire"
)

// QueueOptions holds flags for the queue commands.
type QueueOptions struct {
	*RootOptions
	Limit int
}

// NewQueueCommand creates the queue command group.
func NewQueueCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &QueueOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and maintain the durable action queue",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List queued records in sync order",
		Long: `List queued records in the order the sync driver sends them:
priority descending, then oldest first.

Example:
  timetruth queue list --limit 20
  timetruth queue list --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQueueList(opts, cmd)
		},
	}
	list.Flags().IntVarP(&opts.Limit, "limit", "n", 0, "maximum records to list (0 for all)")

	stats := &cobra.Command{
		Use:           "stats",
		Short:         "Show queue counts by kind and priority",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQueueStats(opts, cmd)
		},
	}

	purge := &cobra.Command{
		Use:   "purge",
		Short: "Remove records whose retry budget is spent",
		Long: `Remove every record with attempts >= max_attempts. Purged records are
lost for good; each purge is logged as a compliance event.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQueuePurge(opts, cmd)
		},
	}

	cmd.AddCommand(list, stats, purge)
	return cmd
}

func withQueue(opts *RootOptions, cmd *cobra.Command, fn func(q queue.Queue) error) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	q, release, err := opts.env().openQueue(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer release()
	return fn(q)
}

func runQueueList(opts *QueueOptions, cmd *cobra.Command) error {
	return withQueue(opts.RootOptions, cmd, func(q queue.Queue) error {
		records, err := q.List(cmd.Context(), opts.Limit)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to list queue", err)
		}
		return opts.formatter(cmd).Result(records, formatRecords(records))
	})
}

func runQueueStats(opts *QueueOptions, cmd *cobra.Command) error {
	return withQueue(opts.RootOptions, cmd, func(q queue.Queue) error {
		stats, err := q.Stats(cmd.Context())
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to read queue stats", err)
		}
		return opts.formatter(cmd).Result(stats, formatStats(stats))
	})
}

func runQueuePurge(opts *QueueOptions, cmd *cobra.Command) error {
	return withQueue(opts.RootOptions, cmd, func(q queue.Queue) error {
		n, err := q.RemoveFailed(cmd.Context())
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to purge queue", err)
		}
		return opts.formatter(cmd).Result(map[string]int{"purged": n}, fmt.Sprintf("Purged %d record(s)", n))
	})
}

func formatRecords(records []queue.Record) string {
	if len(records) == 0 {
		return "Queue is empty."
	}
	var b strings.Builder
	tw := tabwriter.NewWriter(&b, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tKIND\tPRIORITY\tATTEMPTS\tCREATED")
	for _, r := range records {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d/%d\t%s\n", r.ID, r.Kind, r.Priority, r.Attempts, r.MaxAttempts, wire.FormatISO(r.CreatedAt))
	}
	tw.Flush()
	return strings.TrimRight(b.String(), "\n")
}

func formatStats(s queue.Stats) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Total: %d (failed: %d)", s.Total, s.Failed)

	kinds := make([]string, 0, len(s.ByKind))
	for k := range s.ByKind {
		kinds = append(kinds, string(k))
	}
	sort.Strings(kinds)
	for _, k := range kinds {
		fmt.Fprintf(&b, "\n  %s: %d", k, s.ByKind[wire.ActionKind(k)])
	}

	prios := make([]int, 0, len(s.ByPriority))
	for p := range s.ByPriority {
		prios = append(prios, p)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(prios)))
	for _, p := range prios {
		fmt.Fprintf(&b, "\n  priority %d: %d", p, s.ByPriority[p])
	}
	return b.String()
}
