package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"

	"github.com/roach88/courier/internal/config"
	"github.com/roach88/courier/internal/engine"
	"github.com/roach88/courier/internal/gateway"
	"github.com/roach88/courier/internal/logging"
	"github.com/roach88/courier/internal/queue"
	"github.com/roach88/courier/internal/reconcile"
	"github.com/roach88/courier/internal/repo"
	"github.com/roach88/courier/internal/store"
)

// app is the wiring shared by commands that touch the local database.
type app struct {
	cfg   config.Config
	store *store.Store
	queue *queue.Queue
	repo  *repo.Repo

	logCloser io.Closer
}

// loadConfig reads the config file named by the global flags and applies
// flag overrides.
func loadConfig(opts *RootOptions) (config.Config, error) {
	cfg, err := config.Load(opts.Config)
	if err != nil {
		return config.Config{}, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	if opts.Database != "" {
		cfg.Database = opts.Database
	}
	return cfg, nil
}

// openApp loads config, installs the logger and opens the database.
// Logs go to logOut (stderr for the real CLI).
func openApp(opts *RootOptions, logOut io.Writer) (*app, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}

	closer, err := logging.Setup(logOut, logging.Options{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		Verbose:    opts.Verbose,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to set up logging", err)
	}

	slog.Debug("opening database", "path", cfg.Database)
	st, err := store.Open(cfg.Database)
	if err != nil {
		closer.Close()
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}

	q := queue.New(st)
	return &app{
		cfg:       cfg,
		store:     st,
		queue:     q,
		repo:      repo.New(st, q),
		logCloser: closer,
	}, nil
}

func (a *app) Close() error {
	err := a.store.Close()
	if cerr := a.logCloser.Close(); err == nil {
		err = cerr
	}
	return err
}

// policy is the retry policy from the sync config.
func (a *app) policy() engine.RetryPolicy {
	return engine.RetryPolicy{
		MaxAttempts: a.cfg.Sync.MaxAttempts,
		BaseDelay:   a.cfg.Sync.BaseDelay.Std(),
		MaxDelay:    a.cfg.Sync.MaxDelay.Std(),
	}
}

// newEngine builds a sync engine over the app's store and queue.
func (a *app) newEngine(g gateway.Gateway) *engine.Engine {
	return engine.New(a.store, a.queue, reconcile.New(a.store, a.queue), g,
		engine.WithRetryPolicy(a.policy()),
		engine.WithCallTimeout(a.cfg.Sync.CallTimeout.Std()),
		engine.WithPollInterval(a.cfg.Sync.PollInterval.Std()),
	)
}

// newGateway builds the HTTP gateway from the remote config.
func (a *app) newGateway() (*gateway.HTTP, error) {
	remote := a.cfg.Remote
	if remote.BaseURL == "" {
		return nil, NewExitError(ExitCommandError, "remote.base_url is not configured")
	}
	gwOpts := []gateway.HTTPOption{
		gateway.WithHTTPClient(&http.Client{}),
	}
	if remote.TokenEnv != "" {
		gwOpts = append(gwOpts, gateway.WithCredentials(envToken(remote.TokenEnv)))
	}
	if remote.UserAgent != "" {
		gwOpts = append(gwOpts, gateway.WithUserAgent(remote.UserAgent))
	}
	return gateway.NewHTTP(remote.BaseURL, gwOpts...), nil
}

// envToken reads the bearer token from an environment variable on every
// call, so a token rotated by an outside process is picked up.
func envToken(name string) gateway.CredentialSource {
	return gateway.TokenFunc(func(context.Context) (string, error) {
		tok := os.Getenv(name)
		if tok == "" {
			return "", fmt.Errorf("environment variable %s is empty", name)
		}
		return tok, nil
	})
}

// exitCodeFor maps errors from the core packages to CLI exit codes.
func exitCodeFor(err error) int {
	switch {
	case errors.Is(err, repo.ErrInvalid),
		errors.Is(err, store.ErrNotFound),
		errors.Is(err, queue.ErrNotFound),
		errors.Is(err, queue.ErrAlreadyCompleted),
		store.IsConflict(err):
		return ExitFailure
	default:
		return ExitCommandError
	}
}
