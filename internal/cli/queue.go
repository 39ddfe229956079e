package cli

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/courier/internal/model"
	"github.com/roach88/courier/internal/queue"
)

// QueueListOptions holds flags for queue list.
type QueueListOptions struct {
	*RootOptions
	Status string
	Entity string
	ID     string
	Limit  int
}

// NewQueueCommand creates the queue command and its subcommands.
func NewQueueCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and manage the sync queue",
		Long: `Inspect and manage queued changes.

Every local create, update and delete is recorded as a queue entry and sent
to the remote system by drain or run. Failed entries can be inspected and
sent again.`,
	}

	cmd.AddCommand(newQueueListCommand(rootOpts))
	cmd.AddCommand(newQueueShowCommand(rootOpts))
	cmd.AddCommand(newQueueRetryCommand(rootOpts))
	cmd.AddCommand(newQueuePurgeCommand(rootOpts))

	return cmd
}

func newQueueListCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &QueueListOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List queue entries",
		Long: `List queue entries in creation order.

Example:
  courier queue list --status failed
  courier queue list --entity order --limit 20`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQueueList(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Status, "status", "", "filter by status (pending|syncing|completed|failed)")
	cmd.Flags().StringVar(&opts.Entity, "entity", "", "filter by entity type (user|driver|order)")
	cmd.Flags().StringVar(&opts.ID, "id", "", "filter by entity id")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "maximum number of entries (0 = all)")

	return cmd
}

func runQueueList(opts *QueueListOptions, cmd *cobra.Command) error {
	var f queue.Filter
	if opts.Status != "" {
		st, err := queue.ParseStatus(opts.Status)
		if err != nil {
			return WrapExitError(ExitCommandError, "invalid --status", err)
		}
		f.Status = st
	}
	if opts.Entity != "" {
		t, err := model.ParseEntityType(opts.Entity)
		if err != nil {
			return WrapExitError(ExitCommandError, "invalid --entity", err)
		}
		f.EntityType = t
	}
	f.EntityID = opts.ID
	f.Limit = opts.Limit

	a, err := openApp(opts.RootOptions, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer a.Close()

	entries, err := a.queue.List(cmd.Context(), f)
	if err != nil {
		return wrapOp("failed to list queue", err)
	}
	if entries == nil {
		entries = []queue.Entry{}
	}
	return opts.formatter(cmd).Success(entryList(entries))
}

func newQueueShowCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "show <entry-id>",
		Short:         "Show one queue entry with its payload",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseEntryID(args[0])
			if err != nil {
				return err
			}

			a, err := openApp(rootOpts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			e, err := a.queue.Get(cmd.Context(), id)
			if err != nil {
				return wrapOp("failed to get entry", err)
			}
			return rootOpts.formatter(cmd).Success(entryView{Entry: e})
		},
	}
}

func newQueueRetryCommand(rootOpts *RootOptions) *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "retry [entry-id...]",
		Short: "Send failed entries again",
		Long: `Move failed entries back to pending so the next drain sends them.

Permanent failures are never retried automatically; use this once the cause
(for example a rejected address) has been fixed with an update. The retry
count is kept.

Example:
  courier queue retry 12
  courier queue retry --all`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if all == (len(args) > 0) {
				return NewExitError(ExitCommandError, "pass entry ids or --all, not both")
			}

			a, err := openApp(rootOpts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()
			var entryIDs []int64
			if all {
				failed, err := a.queue.List(ctx, queue.Filter{Status: queue.StatusFailed})
				if err != nil {
					return wrapOp("failed to list queue", err)
				}
				for _, e := range failed {
					entryIDs = append(entryIDs, e.ID)
				}
			} else {
				for _, arg := range args {
					id, err := parseEntryID(arg)
					if err != nil {
						return err
					}
					entryIDs = append(entryIDs, id)
				}
			}

			for _, id := range entryIDs {
				if err := a.queue.Retry(ctx, id); err != nil {
					return wrapOp(fmt.Sprintf("failed to retry entry %d", id), err)
				}
			}
			return rootOpts.formatter(cmd).Success(message{
				Text: fmt.Sprintf("%d entries queued for retry", len(entryIDs)),
			})
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "retry every failed entry")
	return cmd
}

func newQueuePurgeCommand(rootOpts *RootOptions) *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete completed entries",
		Long: `Delete completed entries older than a window. Pending and failed
entries are never purged.

Example:
  courier queue purge                   # uses sync.retention from config
  courier queue purge --older-than 1h`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(rootOpts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			window := olderThan
			if !cmd.Flags().Changed("older-than") {
				window = a.cfg.Sync.Retention.Std()
			}
			if window < 0 {
				return NewExitError(ExitCommandError, "--older-than must not be negative")
			}

			n, err := a.queue.PurgeCompleted(cmd.Context(), window)
			if err != nil {
				return wrapOp("failed to purge queue", err)
			}
			return rootOpts.formatter(cmd).Success(message{
				Text: fmt.Sprintf("purged %d completed entries older than %s", n, window),
			})
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "purge entries completed before now minus this window")
	return cmd
}

func parseEntryID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, NewExitError(ExitCommandError, fmt.Sprintf("invalid entry id %q", s))
	}
	return id, nil
}
