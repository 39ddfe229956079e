package cli

import (
	"github.com/spf13/cobra"

	"github.com/roach88/courier/internal/model"
)

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show local data and sync queue counts",
		Long: `Show how many entities are stored locally, how many queue entries
are in each state and when the next automatic retry is due.

Example:
  courier status
  courier status --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(rootOpts, cmd)
		},
	}

	return cmd
}

func runStatus(opts *RootOptions, cmd *cobra.Command) error {
	a, err := openApp(opts, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := cmd.Context()
	view := statusView{
		Database: a.cfg.Database,
		Entities: make(map[string]int, len(model.EntityTypes)),
	}

	if view.Stats, err = a.queue.Stats(ctx); err != nil {
		return wrapOp("failed to read queue", err)
	}
	if view.NextDue, err = a.queue.NextDue(ctx, a.cfg.Sync.MaxAttempts); err != nil {
		return wrapOp("failed to read queue", err)
	}
	for _, t := range model.EntityTypes {
		list, err := a.store.List(ctx, t)
		if err != nil {
			return wrapOp("failed to list "+t.Table(), err)
		}
		view.Entities[string(t)] = len(list)
	}

	return opts.formatter(cmd).Success(view)
}
