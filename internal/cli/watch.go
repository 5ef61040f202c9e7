package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/tulemar/ordersync/internal/domain"
	"github.com/tulemar/ordersync/internal/reconciler"
)

// WatchOptions holds flags for the watch command.
type WatchOptions struct {
	*RootOptions
	Events     bool
	EventLimit int
}

// NewWatchCommand creates the watch command.
func NewWatchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &WatchOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "watch <order-id>",
		Short: "Follow an order and print its reconciled state on every change",
		Long: `Subscribe to an order, seed from a snapshot and print one JSON line
per state change until interrupted. With --events the individual events are
printed instead of whole states.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(cmd, opts, args[0])
		},
	}

	cmd.Flags().BoolVar(&opts.Events, "events", false, "print events instead of states")
	cmd.Flags().IntVar(&opts.EventLimit, "event-limit", reconciler.DefaultEventLimit, "events kept in each printed state")

	return cmd
}

func runWatch(cmd *cobra.Command, opts *WatchOptions, orderID string) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	ctx, cancel := signalContext(contextOrBackground(cmd.Context()))
	defer cancel()

	a, err := buildApp(ctx, cfg, logger)
	defer func() { _ = a.close(context.Background()) }()
	if err != nil {
		return WrapExitError(ExitCommandError, "startup failed", err)
	}

	out := cmd.OutOrStdout()
	events := make(chan domain.OrderEvent, 64)
	recOpts := reconciler.Options{EventLimit: opts.EventLimit, Logger: logger}
	if opts.Events {
		recOpts.OnEvent = func(e domain.OrderEvent) {
			select {
			case events <- e:
			default:
				logger.Warn("Dropping event, output is not keeping up", "event_id", e.ID)
			}
		}
	}

	rec := reconciler.New(orderID, recOpts)
	detach, err := rec.Attach(ctx, a.bus)
	if err != nil {
		return WrapExitError(ExitFailure, "attach", err)
	}
	defer detach()

	for {
		select {
		case <-ctx.Done():
			return nil
		case e := <-events:
			if err := writeJSON(out, e, false); err != nil {
				return err
			}
		case state := <-rec.Updates():
			if opts.Events {
				continue
			}
			if err := writeJSON(out, state, false); err != nil {
				return err
			}
		}
	}
}
