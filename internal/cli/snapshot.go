package cli

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/tulemar/ordersync/pkg/logging"
)

// SnapshotOptions holds flags for the snapshot command.
type SnapshotOptions struct {
	*RootOptions
	Timeout time.Duration
	Compact bool
}

// NewSnapshotCommand creates the snapshot command.
func NewSnapshotCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SnapshotOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "snapshot <order-id>",
		Short: "Print the current snapshot of an order as JSON",
		Long: `Read the order header, its items and the recent event window once
and print them as JSON. Sections that could not be read are listed under
"degraded" and the command still succeeds.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSnapshot(cmd, opts, args[0])
		},
	}

	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 10*time.Second, "read timeout")
	cmd.Flags().BoolVar(&opts.Compact, "compact", false, "print a single JSON line")

	return cmd
}

func runSnapshot(cmd *cobra.Command, opts *SnapshotOptions, orderID string) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	logger := logging.Nop()

	ctx, cancel := context.WithTimeout(contextOrBackground(cmd.Context()), opts.Timeout)
	defer cancel()

	a, err := buildApp(ctx, cfg, logger)
	defer func() { _ = a.close(context.Background()) }()
	if err != nil {
		return WrapExitError(ExitCommandError, "startup failed", err)
	}

	snap, err := a.bus.GetOrderSnapshot(ctx, orderID)
	if err != nil {
		return WrapExitError(ExitFailure, "read snapshot", err)
	}
	if snap.Order == nil && !snap.Partial() {
		return NewExitError(ExitFailure, "order "+orderID+" not found")
	}
	return writeJSON(cmd.OutOrStdout(), snap, !opts.Compact)
}
