package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/tulemar/ordersync/internal/config"
)

// RelayOptions holds flags for the relay command.
type RelayOptions struct {
	*RootOptions
	Once bool
}

// NewRelayCommand creates the relay command.
func NewRelayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RelayOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Run the outbox relay on its own",
		Long: `Forward committed row changes from the MongoDB outbox to the live
transport. Use this when serve runs with --no-relay.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRelay(cmd, opts)
		},
	}

	cmd.Flags().BoolVar(&opts.Once, "once", false, "relay one batch and exit")

	return cmd
}

func runRelay(cmd *cobra.Command, opts *RelayOptions) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	if cfg.Store != config.StoreMongoDB {
		return NewExitError(ExitCommandError, "the outbox relay requires the mongodb store")
	}
	logger := newLogger(cfg)

	ctx, cancel := signalContext(contextOrBackground(cmd.Context()))
	defer cancel()

	a, err := buildApp(ctx, cfg, logger)
	defer func() { _ = a.close(context.Background()) }()
	if err != nil {
		return WrapExitError(ExitCommandError, "startup failed", err)
	}

	relay := a.newRelay()
	if opts.Once {
		n := relay.RelayOnce(ctx)
		logger.Info("Relayed outbox batch", "delivered", n)
		return nil
	}

	if err := relay.Start(ctx); err != nil {
		return WrapExitError(ExitCommandError, "start outbox relay", err)
	}
	logger.Info("Outbox relay running")
	<-ctx.Done()
	relay.Stop()
	logger.Info("Outbox relay stopped", "stats", relay.Stats())
	return nil
}
