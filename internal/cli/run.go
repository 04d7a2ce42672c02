package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jimmckelvey9861/workforce-mobile/internal/capture"
	"github.com/jimmckelvey9861/workforce-mobile/internal/session"
	"github.com/jimmckelvey9861/workforce-mobile/internal/wire"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	TaskID   string
	TaskName string
	UserID   string
	Rate     int64 // < 0 means the configured rate
	NoSync   bool
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a tracked session driven by stdin commands",
		Long: `Run the session state machine and read one command per line from stdin:

  start              clock in on --task
  end                clock out
  pause | resume     pause or resume accrual
  lifecycle <state>  deliver a platform signal (active|inactive|background)
  force-end          terminate the session unconditionally
  status             print the current state
  quit               stop reading commands

Earnings tick while running. When sync.endpoint is configured, queued
entries are synced in the background. An open session is force-ended when
input ends or the process is interrupted.

Example:
  timetruth run --task shelf-restock --user u-17
  printf 'start\nstatus\nend\n' | timetruth run --task t1 --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSession(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.TaskID, "task", "", "task to clock into (required)")
	cmd.Flags().StringVar(&opts.TaskName, "task-name", "", "display name of the task")
	cmd.Flags().StringVar(&opts.UserID, "user", "local-user", "worker id recorded on entries")
	cmd.Flags().Int64Var(&opts.Rate, "rate", -1, "pay rate in cents per minute (default from config)")
	cmd.Flags().BoolVar(&opts.NoSync, "no-sync", false, "do not sync in the background")
	_ = cmd.MarkFlagRequired("task")

	return cmd
}

// sessionResponse is printed after every command.
type sessionResponse struct {
	Command    string          `json:"command"`
	State      session.State   `json:"state"`
	Entry      *wire.TimeEntry `json:"entry,omitempty"`
	ElapsedMs  *int64          `json:"elapsedMs,omitempty"`
	Validation *capture.Report `json:"validation,omitempty"`
	Persisted  *bool           `json:"persisted,omitempty"`
	Signal     string          `json:"signal,omitempty"`
}

func runSession(opts *RunOptions, cmd *cobra.Command) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	env := opts.env()

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	q, release, err := env.openQueue(ctx, cfg)
	if err != nil {
		return err
	}
	defer release()

	capturer, err := env.capturer(cfg)
	if err != nil {
		return err
	}

	rate := opts.Rate
	if rate < 0 {
		rate = cfg.PayRateCentsPerMinute
	}
	task := session.Task{ID: opts.TaskID, Name: opts.TaskName, PayRateCentsPerMinute: rate}

	out := opts.formatter(cmd)
	out.Writer = &lockedWriter{w: out.Writer}
	out.ErrWriter = &lockedWriter{w: out.ErrWriter}

	machine := session.NewMachine(capturer, q, session.WithMaxAttempts(cfg.MaxAttempts))
	loop := session.NewLoop(machine,
		session.WithTickInterval(cfg.TickInterval()),
		session.WithTickHandler(func(earnings int64) {
			out.VerboseLog("earnings %s", formatCents(earnings))
		}),
	)

	workers, stopWorkers := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := loop.Run(workers); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("session loop failed", "error", err)
		}
	}()
	if t := env.transport(cfg); t != nil && !opts.NoSync {
		driver := newDriver(q, t, cfg)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := driver.Run(workers, cfg.SyncInterval()); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("sync driver failed", "error", err)
			}
		}()
	}

	slog.Info("session runner started", "task_id", task.ID, "user_id", opts.UserID, "backend", cfg.QueueBackend)

	r := &runner{
		machine:   machine,
		loop:      loop,
		task:      task,
		userID:    opts.UserID,
		validator: entryValidator(cfg),
		out:       out,
	}
	lines := readLines(workers, cmd.InOrStdin())
read:
	for {
		select {
		case <-ctx.Done():
			slog.Info("interrupted, shutting down")
			break read
		case line, ok := <-lines:
			if !ok || r.handle(ctx, line) {
				break read
			}
		}
	}

	// An open session must not outlive the process.
	if machine.Snapshot().Mode == session.ModeActive {
		r.forceEnd(context.Background())
	}
	loop.Stop()
	stopWorkers()
	wg.Wait()
	slog.Info("session runner stopped")
	return nil
}

// readLines feeds r line by line until EOF or ctx ends.
func readLines(ctx context.Context, r io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := sc.Err(); err != nil {
			slog.Error("reading commands failed", "error", err)
		}
	}()
	return lines
}

type runner struct {
	machine   *session.Machine
	loop      *session.Loop
	task      session.Task
	userID    string
	validator capture.EntryValidator
	out       *OutputFormatter
}

// handle executes one command line and reports whether to stop.
func (r *runner) handle(ctx context.Context, line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}
	command := strings.ToLower(fields[0])

	switch command {
	case "quit", "exit":
		return true
	case "start":
		entry, err := r.machine.StartSession(ctx, r.task, r.userID)
		if err != nil {
			r.fail(command, err)
			return false
		}
		r.report(sessionResponse{Command: command, Entry: &entry})
	case "end":
		entry, err := r.machine.EndSession(ctx)
		if err != nil {
			r.fail(command, err)
			return false
		}
		report := r.validate(entry)
		r.report(sessionResponse{Command: command, Entry: &entry, Validation: &report})
	case "pause":
		if err := r.machine.Pause(ctx); err != nil {
			r.fail(command, err)
			return false
		}
		r.report(sessionResponse{Command: command})
	case "resume":
		if err := r.machine.Resume(ctx); err != nil {
			r.fail(command, err)
			return false
		}
		r.report(sessionResponse{Command: command})
	case "lifecycle":
		if len(fields) != 2 {
			r.out.Error("E_USAGE", "usage: lifecycle active|inactive|background", nil)
			return false
		}
		l, err := session.ParseLifecycle(fields[1])
		if err != nil {
			r.out.Error("E_USAGE", err.Error(), nil)
			return false
		}
		r.loop.Signal(l)
		r.report(sessionResponse{Command: command, Signal: string(l)})
	case "force-end":
		r.forceEnd(ctx)
	case "status":
		resp := sessionResponse{Command: command}
		if d, ok := r.machine.Elapsed(); ok {
			ms := d.Milliseconds()
			resp.ElapsedMs = &ms
		}
		r.report(resp)
	default:
		r.out.Error("E_UNKNOWN_COMMAND", fmt.Sprintf("unknown command %q", command), nil)
	}
	return false
}

func (r *runner) forceEnd(ctx context.Context) {
	res := r.machine.ForceEnd(ctx)
	if res.Entry == nil {
		r.report(sessionResponse{Command: "force-end"})
		return
	}
	persisted := res.Persisted
	report := r.validate(*res.Entry)
	resp := sessionResponse{Command: "force-end", Entry: res.Entry, Persisted: &persisted, Validation: &report}
	if res.Err != nil {
		r.out.Error(errorCode(res.Err), res.Err.Error(), resp)
		return
	}
	r.report(resp)
}

// validate checks a completed entry locally. Violations do not block the
// entry; the server makes the final call.
func (r *runner) validate(entry wire.TimeEntry) capture.Report {
	report := r.validator.Validate(entry)
	if !report.Valid {
		slog.Warn("completed entry failed local validation",
			"entry_id", entry.ID,
			"violations", report.Violations,
			"event", "entry_validation_failed",
		)
	}
	return report
}

func (r *runner) report(resp sessionResponse) {
	resp.State = r.machine.Snapshot()
	r.out.Result(resp, describeState(resp))
}

func (r *runner) fail(command string, err error) {
	r.out.Error(errorCode(err), fmt.Sprintf("%s: %v", command, err), nil)
}

func describeState(resp sessionResponse) string {
	st := resp.State
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s", resp.Command, st.Mode)
	if st.SubState != "" {
		fmt.Fprintf(&b, "/%s", st.SubState)
	}
	if st.ActiveTask != nil {
		fmt.Fprintf(&b, " task=%s", st.ActiveTask.ID)
	}
	fmt.Fprintf(&b, " earnings=%s", formatCents(st.EarningsCents))
	if resp.ElapsedMs != nil {
		fmt.Fprintf(&b, " elapsed=%ds", *resp.ElapsedMs/1000)
	}
	if resp.Signal != "" {
		fmt.Fprintf(&b, " signal=%s", resp.Signal)
	}
	if resp.Validation != nil && !resp.Validation.Valid {
		for _, v := range resp.Validation.Violations {
			fmt.Fprintf(&b, "\n  warning %s: %s", v.Code, v.Detail)
		}
	}
	return b.String()
}

// errorCode maps err to a response code.
func errorCode(err error) string {
	if code := session.CodeOf(err); code != "" {
		return string(code)
	}
	return "E_COMMAND"
}

// formatCents renders cents as dollars.
func formatCents(c int64) string {
	sign := ""
	if c < 0 {
		sign, c = "-", -c
	}
	return fmt.Sprintf("%s$%d.%02d", sign, c/100, c%100)
}

// lockedWriter serializes writes from the command loop and tick handler.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
