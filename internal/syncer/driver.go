package syncer

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/jimmckelvey9861/workforce-mobile/internal/queue"
)

// Defaults for a Driver.
const (
	DefaultBatchSize     = 50
	DefaultRatePerSecond = 10.0
)

// Report summarizes one Drain pass.
type Report struct {
	Sent    int `json:"sent"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
	Changed int `json:"changed"` // confirmed, but rewritten mid-send and kept for the next pass
	Purged  int `json:"purged"`
}

// Driver moves records from a queue to a Transport.
type Driver struct {
	queue     queue.Queue
	transport Transport
	limiter   *rate.Limiter
	batch     int
}

// Option configures a Driver.
type Option func(*Driver)

// WithBatchSize bounds records read per pass.
func WithBatchSize(n int) Option {
	return func(d *Driver) {
		if n > 0 {
			d.batch = n
		}
	}
}

// WithRate limits sends per second. Zero or negative disables limiting.
func WithRate(perSecond float64) Option {
	return func(d *Driver) {
		if perSecond <= 0 {
			d.limiter = rate.NewLimiter(rate.Inf, 1)
			return
		}
		d.limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
	}
}

// NewDriver creates a driver for q and t.
func NewDriver(q queue.Queue, t Transport, opts ...Option) *Driver {
	d := &Driver{
		queue:     q,
		transport: t,
		limiter:   rate.NewLimiter(rate.Limit(DefaultRatePerSecond), 1),
		batch:     DefaultBatchSize,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Drain performs one pass. Transport failures are counted, not returned;
// the returned error is a queue failure or context cancellation.
func (d *Driver) Drain(ctx context.Context) (Report, error) {
	var rep Report

	records, err := d.queue.List(ctx, d.batch)
	if err != nil {
		return rep, err
	}

	for _, rec := range records {
		if rec.Failed() {
			rep.Skipped++
			continue
		}
		if err := d.limiter.Wait(ctx); err != nil {
			return rep, err
		}

		// Attempts are recorded before the send.
		attempted, err := d.queue.IncrementAttempts(ctx, rec.ID)
		if queue.IsNotFound(err) {
			continue
		}
		if err != nil {
			return rep, err
		}

		if err := d.transport.Send(ctx, attempted); err != nil {
			if ctx.Err() != nil {
				return rep, ctx.Err()
			}
			rep.Failed++
			slog.Warn("sync send failed",
				"record_id", rec.ID,
				"kind", rec.Kind,
				"attempts", attempted.Attempts,
				"max_attempts", attempted.MaxAttempts,
				"error", err,
			)
			continue
		}

		// The confirmation covers the revision that was sent, nothing newer.
		removed, err := d.queue.RemoveRevision(ctx, rec.ID, attempted.Revision)
		if err != nil && !queue.IsNotFound(err) {
			return rep, err
		}
		if err == nil && !removed {
			rep.Changed++
			slog.Info("record changed during send, kept for next pass",
				"record_id", rec.ID,
				"kind", rec.Kind,
				"sent_revision", attempted.Revision,
				"event", "sync_record_changed",
			)
			continue
		}
		rep.Sent++
		slog.Debug("record synced", "record_id", rec.ID, "kind", rec.Kind)
	}

	purged, err := d.queue.RemoveFailed(ctx)
	if err != nil {
		return rep, err
	}
	rep.Purged = purged
	if purged > 0 {
		slog.Error("purged permanently failed records",
			"count", purged,
			"event", "sync_records_purged",
		)
	}
	return rep, nil
}

// Run drains every interval until ctx is cancelled. Queue errors are logged
// and retried on the next interval.
func (d *Driver) Run(ctx context.Context, interval time.Duration) error {
	slog.Info("sync driver starting", "interval", interval, "batch_size", d.batch)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		rep, err := d.Drain(ctx)
		switch {
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			slog.Info("sync driver stopping: context cancelled")
			return ctx.Err()
		case err != nil:
			slog.Error("sync pass failed", "error", err, "event", "sync_pass_failed")
		case rep.Sent+rep.Failed+rep.Skipped+rep.Purged > 0:
			slog.Info("sync pass",
				"sent", rep.Sent,
				"failed", rep.Failed,
				"skipped", rep.Skipped,
				"purged", rep.Purged,
			)
		}

		select {
		case <-ctx.Done():
			slog.Info("sync driver stopping: context cancelled")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
