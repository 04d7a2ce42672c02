package cli

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jimmckelvey9861/workforce-mobile/internal/capture"
	"github.com/jimmckelvey9861/workforce-mobile/internal/config"
	"github.com/jimmckelvey9861/workforce-mobile/internal/queue"
	"github.com/jimmckelvey9861/workforce-mobile/internal/syncer"
)

// Env supplies the collaborators commands run against. Nil fields are built
// from the configuration.
type Env struct {
	Queue     queue.Queue // not closed by commands when set
	Mono      capture.MonotonicClock
	Wall      capture.WallClock
	Identity  capture.DeviceIdentity
	Transport syncer.Transport
	Secret    []byte
}

func defaultEnv() *Env {
	return &Env{}
}

// loadConfig reads --config, or returns defaults when it is unset.
func (o *RootOptions) loadConfig() (config.Config, error) {
	if o.ConfigPath == "" {
		return config.Default(), nil
	}
	cfg, err := config.Load(o.ConfigPath)
	if err != nil {
		return config.Config{}, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	return cfg, nil
}

// openQueue returns the configured backend and a release func.
func (e *Env) openQueue(ctx context.Context, cfg config.Config) (queue.Queue, func(), error) {
	if e.Queue != nil {
		return e.Queue, func() {}, nil
	}

	var (
		q   queue.Queue
		err error
	)
	switch cfg.QueueBackend {
	case config.BackendSQLite:
		slog.Debug("opening queue", "backend", cfg.QueueBackend, "path", cfg.Database)
		q, err = queue.Open(cfg.Database)
	case config.BackendMemory:
		slog.Warn("memory queue selected, entries will not survive a restart", "event", "queue_not_durable")
		q = queue.NewMemoryStore()
	case config.BackendRedis:
		slog.Debug("opening queue", "backend", cfg.QueueBackend, "addr", cfg.Redis.Addr)
		q, err = queue.DialRedis(ctx, queue.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Key:      cfg.Redis.Key,
		})
	default:
		err = fmt.Errorf("unknown queue backend %q", cfg.QueueBackend)
	}
	if err != nil {
		return nil, nil, WrapExitError(ExitCommandError, "failed to open queue", err)
	}

	release := func() {
		if err := q.Close(); err != nil {
			slog.Error("error closing queue", "error", err)
		}
	}
	return q, release, nil
}

func (e *Env) signer(cfg config.Config) (*capture.Signer, error) {
	secret := e.Secret
	if secret == nil {
		s, err := cfg.Secret()
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to load signing secret", err)
		}
		secret = s
	}
	signer, err := capture.NewSigner(secret)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid signing secret", err)
	}
	return signer, nil
}

func (e *Env) capturer(cfg config.Config) (*capture.Capturer, error) {
	signer, err := e.signer(cfg)
	if err != nil {
		return nil, err
	}
	mono := e.Mono
	if mono == nil {
		mono = capture.NewRuntimeClock(0)
	}
	wall := e.Wall
	if wall == nil {
		wall = capture.SystemWall{}
	}
	identity := e.Identity
	if identity == nil {
		identity = capture.FileIdentity{Path: cfg.DeviceIDFile}
	}
	return capture.NewCapturer(signer, mono, wall, identity), nil
}

// transport returns the sync transport, or nil when no endpoint is
// configured.
func (e *Env) transport(cfg config.Config) syncer.Transport {
	if e.Transport != nil {
		return e.Transport
	}
	if cfg.Sync.Endpoint == "" {
		return nil
	}
	return syncer.NewHTTPTransport(cfg.Sync.Endpoint, cfg.SyncTimeout())
}

func newDriver(q queue.Queue, t syncer.Transport, cfg config.Config) *syncer.Driver {
	return syncer.NewDriver(q, t,
		syncer.WithBatchSize(cfg.Sync.BatchSize),
		syncer.WithRate(cfg.Sync.RatePerSecond),
	)
}

func entryValidator(cfg config.Config) capture.EntryValidator {
	return capture.EntryValidator{
		MaxDuration:            cfg.MaxEntryDuration(),
		DriftTolerancePermille: cfg.DriftTolerancePermille,
	}
}
