package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/roach88/courier/internal/gateway"
	"github.com/roach88/courier/internal/ids"
	"github.com/roach88/courier/internal/model"
	"github.com/roach88/courier/internal/watch"
)

// WatchOptions holds flags for the watch command.
type WatchOptions struct {
	*RootOptions
	Pending     bool
	NoSync      bool
	UntilSynced bool

	// Gateway overrides the HTTP gateway built from config (for testing).
	Gateway gateway.Gateway
}

// watchEvent is one line of watch output.
type watchEvent struct {
	Key        string       `json:"key,omitempty"`
	Deleted    bool         `json:"deleted,omitempty"`
	Entity     model.Entity `json:"entity,omitempty"`
	ReplacedBy string       `json:"replaced_by,omitempty"`
	Pending    *int         `json:"pending,omitempty"`
}

// NewWatchCommand creates the watch command.
func NewWatchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &WatchOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "watch [<type> <id>]",
		Short: "Stream changes of an entity or of the queue size while syncing",
		Long: `Sync in the foreground and print every committed change of one entity,
or of the number of unfinished queue entries with --pending.

When a provisional id is replaced by the server id, the new id is reported
and followed. With --json format each change is one JSON object per line.

Example:
  courier watch user local-0190...
  courier watch --pending --until-synced`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args: func(cmd *cobra.Command, args []string) error {
			if opts.Pending {
				return cobra.NoArgs(cmd, args)
			}
			return cobra.ExactArgs(2)(cmd, args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(opts, cmd, args)
		},
	}

	cmd.Flags().BoolVar(&opts.Pending, "pending", false, "watch the number of unfinished queue entries")
	cmd.Flags().BoolVar(&opts.NoSync, "no-sync", false, "only watch; do not run the sync engine")
	cmd.Flags().BoolVar(&opts.UntilSynced, "until-synced", false, "exit once the entity has a server id (or nothing is pending)")

	return cmd
}

func runWatch(opts *WatchOptions, cmd *cobra.Command, args []string) error {
	var key model.Key
	if !opts.Pending {
		t, err := model.ParseEntityType(args[0])
		if err != nil {
			return WrapExitError(ExitCommandError, "invalid entity type", err)
		}
		key = model.Key{Type: t, ID: args[1]}
	}

	a, err := openApp(opts.RootOptions, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	syncDone := make(chan error, 1)
	if !opts.NoSync {
		g := opts.Gateway
		if g == nil {
			httpGateway, err := a.newGateway()
			if err != nil {
				return err
			}
			g = httpGateway
		}
		eng := a.newEngine(g)
		sig, err := newSignal(ctx, a, eng)
		if err != nil {
			return err
		}
		go func() { syncDone <- eng.Run(ctx, sig) }()
	}

	out := cmd.OutOrStdout()
	if opts.Pending {
		err = watchPending(ctx, a, opts, out)
	} else {
		err = watchEntity(ctx, a, opts, key, out)
	}
	cancel()

	if !opts.NoSync {
		if syncErr := <-syncDone; syncErr != nil && !errors.Is(syncErr, context.Canceled) {
			slog.Error("sync engine stopped", "error", syncErr)
		}
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func watchPending(ctx context.Context, a *app, opts *WatchOptions, out io.Writer) error {
	ch, stop, err := a.store.WatchPending(ctx)
	if err != nil {
		return wrapOp("failed to watch queue", err)
	}
	defer stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case n, ok := <-ch:
			if !ok {
				return nil
			}
			if err := printEvent(out, opts.Format, watchEvent{Pending: &n}); err != nil {
				return err
			}
			if opts.UntilSynced && n == 0 {
				return nil
			}
		}
	}
}

func watchEntity(ctx context.Context, a *app, opts *WatchOptions, key model.Key, out io.Writer) error {
	cur, err := a.resolve(ctx, key.Type, key.ID)
	if err != nil {
		return err
	}
	key.ID = cur

	for {
		next, err := followEntity(ctx, a, opts, key, out)
		if err != nil || next == "" {
			return err
		}
		key.ID = next
	}
}

// followEntity prints snapshots of key until the entity is replaced by a
// reconciled id (returned), deleted, synced (with --until-synced) or ctx
// ends.
func followEntity(ctx context.Context, a *app, opts *WatchOptions, key model.Key, out io.Writer) (string, error) {
	ch, stop, err := a.store.Watch(ctx, key)
	if err != nil {
		return "", wrapOp("failed to watch "+key.String(), err)
	}
	defer stop()

	for {
		var snap watch.Snapshot
		var ok bool
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case snap, ok = <-ch:
			if !ok {
				return "", nil
			}
		}

		ev := watchEvent{Key: snap.Key.String(), Deleted: snap.Deleted, Entity: snap.Entity}
		if snap.Deleted {
			newID, err := a.resolve(ctx, key.Type, key.ID)
			if err != nil {
				return "", err
			}
			if newID != key.ID {
				ev.ReplacedBy = newID
				return newID, printEvent(out, opts.Format, ev)
			}
			if err := printEvent(out, opts.Format, ev); err != nil {
				return "", err
			}
			if opts.UntilSynced {
				return "", nil
			}
			continue
		}

		if err := printEvent(out, opts.Format, ev); err != nil {
			return "", err
		}
		if opts.UntilSynced && !ids.IsLocal(snap.Entity.EntityID()) && lastSynced(snap.Entity) {
			return "", nil
		}
	}
}

// lastSynced reports whether the entity has been acknowledged at least once.
func lastSynced(e model.Entity) bool {
	switch e := e.(type) {
	case *model.User:
		return e.LastSyncedAt != nil
	case *model.Driver:
		return e.LastSyncedAt != nil
	case *model.Order:
		return e.LastSyncedAt != nil
	}
	return false
}

func printEvent(w io.Writer, format string, ev watchEvent) error {
	if format == "json" {
		return json.NewEncoder(w).Encode(ev)
	}

	var err error
	switch {
	case ev.Pending != nil:
		_, err = fmt.Fprintf(w, "pending: %d\n", *ev.Pending)
	case ev.ReplacedBy != "":
		_, err = fmt.Fprintf(w, "%s: replaced by %s\n", ev.Key, ev.ReplacedBy)
	case ev.Deleted:
		_, err = fmt.Fprintf(w, "%s: deleted\n", ev.Key)
	default:
		body, merr := json.Marshal(ev.Entity)
		if merr != nil {
			return merr
		}
		_, err = fmt.Fprintf(w, "%s: %s\n", ev.Key, body)
	}
	return err
}
