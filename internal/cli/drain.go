package cli

import (
	"github.com/spf13/cobra"

	"github.com/roach88/courier/internal/gateway"
)

// DrainOptions holds flags for the drain command.
type DrainOptions struct {
	*RootOptions

	// Gateway overrides the HTTP gateway built from config (for testing).
	Gateway gateway.Gateway
}

// NewDrainCommand creates the drain command.
func NewDrainCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DrainOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "drain",
		Short: "Send queued changes to the remote system once",
		Long: `Run a single drain pass and report what happened.

Entries left syncing by an interrupted process are reset, transient
failures whose backoff has elapsed are re-queued, and every pending entry
is sent in creation order. The command exits non-zero only when the pass
itself fails; individual entry failures are recorded in the queue.

Example:
  courier drain --config courier.yaml
  courier drain --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDrain(opts, cmd)
		},
	}

	return cmd
}

func runDrain(opts *DrainOptions, cmd *cobra.Command) error {
	a, err := openApp(opts.RootOptions, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer a.Close()

	g := opts.Gateway
	if g == nil {
		httpGateway, err := a.newGateway()
		if err != nil {
			return err
		}
		g = httpGateway
	}

	ctx := cmd.Context()
	res, err := a.newEngine(g).Drain(ctx)
	if err != nil {
		return WrapExitError(ExitFailure, "drain failed", err)
	}

	stats, err := a.queue.Stats(ctx)
	if err != nil {
		return wrapOp("failed to read queue", err)
	}

	return opts.formatter(cmd).Success(drainView{DrainResult: res, Remaining: stats.Unfinished()})
}
