package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/courier/internal/connectivity"
	"github.com/roach88/courier/internal/engine"
	"github.com/roach88/courier/internal/gateway"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions

	// Gateway overrides the HTTP gateway built from config (for testing).
	Gateway gateway.Gateway
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the background sync loop",
		Long: `Run the sync engine until interrupted.

The queue is drained whenever connectivity comes back, every poll interval
while online (picking up retries whose backoff has elapsed) and, in socket
mode, whenever the realtime endpoint sends a message. Completed entries are
purged after the retention window.

Connectivity modes (connectivity.mode in the config):
  manual  always online
  probe   online while GET probe_url (default remote.base_url) answers
  socket  online while the websocket at socket_url is connected

Example:
  courier run --config courier.yaml
  courier run --db ./courier.db --verbose`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(opts, cmd)
		},
	}

	return cmd
}

func runSync(opts *RunOptions, cmd *cobra.Command) error {
	a, err := openApp(opts.RootOptions, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := a.Close(); closeErr != nil {
			slog.Error("error closing database", "error", closeErr)
		}
	}()

	g := opts.Gateway
	if g == nil {
		httpGateway, err := a.newGateway()
		if err != nil {
			return err
		}
		g = httpGateway
	}
	eng := a.newEngine(g)

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sig, err := newSignal(ctx, a, eng)
	if err != nil {
		return err
	}

	// Runs before the deferred Close: the purge loop must not outlive the
	// database.
	purgeDone := startPurge(ctx, a)
	defer func() {
		cancel()
		<-purgeDone
	}()

	slog.Info("sync loop starting", "db", a.cfg.Database, "connectivity", a.cfg.Connectivity.Mode)
	fmt.Fprintln(cmd.OutOrStdout(), "Sync running. Press Ctrl-C to stop.")

	if err := eng.Run(ctx, sig); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return WrapExitError(ExitFailure, "sync engine stopped", err)
	}

	slog.Info("sync loop stopped")
	return nil
}

// newSignal builds the connectivity signal for the configured mode and
// starts whatever drives it. Drivers stop with ctx.
func newSignal(ctx context.Context, a *app, eng *engine.Engine) (connectivity.Signal, error) {
	c := a.cfg.Connectivity
	switch c.Mode {
	case "manual", "":
		return connectivity.NewManual(true), nil

	case "probe":
		url := c.ProbeURL
		if url == "" {
			url = a.cfg.Remote.BaseURL
		}
		client := &http.Client{Timeout: 10 * time.Second}
		p := connectivity.NewProber(connectivity.HTTPProbe(url, client), c.ProbeInterval.Std())
		go p.Run(ctx)
		return p, nil

	case "socket":
		sockOpts := []connectivity.SocketOption{
			connectivity.WithOnMessage(eng.Trigger),
		}
		if env := a.cfg.Remote.TokenEnv; env != "" {
			if tok := os.Getenv(env); tok != "" {
				sockOpts = append(sockOpts, connectivity.WithHeader(http.Header{
					"Authorization": []string{"Bearer " + tok},
				}))
			}
		}
		s := connectivity.NewSocket(c.SocketURL, sockOpts...)
		go s.Run(ctx)
		return s, nil

	default:
		return nil, NewExitError(ExitCommandError, fmt.Sprintf("unknown connectivity mode %q", c.Mode))
	}
}

// startPurge runs purgeLoop in the background. The returned channel is
// closed when it has stopped.
func startPurge(ctx context.Context, a *app) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		purgeLoop(ctx, a)
	}()
	return done
}

// purgeLoop deletes completed entries older than the retention window
// every purge interval until ctx is done.
func purgeLoop(ctx context.Context, a *app) {
	retention := a.cfg.Sync.Retention.Std()
	interval := a.cfg.Sync.PurgeInterval.Std()
	if retention <= 0 || interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := a.queue.PurgeCompleted(ctx, retention)
			if err != nil {
				if ctx.Err() == nil {
					slog.Error("purge failed", "error", err)
				}
				continue
			}
			if n > 0 {
				slog.Info("purged completed entries", "count", n, "retention", retention)
			}
		}
	}
}
