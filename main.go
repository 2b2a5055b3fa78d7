package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/cometbft/cometbft/libs/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/neulerxyz/NamadaMissBot/bot"
	"github.com/neulerxyz/NamadaMissBot/config"
	"github.com/neulerxyz/NamadaMissBot/metrics"
	"github.com/neulerxyz/NamadaMissBot/namadac"
	"github.com/neulerxyz/NamadaMissBot/nodebot"
	"github.com/neulerxyz/NamadaMissBot/telegram"
	"github.com/neulerxyz/NamadaMissBot/validatorbot"
)

const alertQueueSize = 16

// loggedError marks failures already written through the cometbft logger.
type loggedError struct {
	error
}

func (e loggedError) Unwrap() error { return e.error }

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		// Only failures that happen before the logger exists reach stderr here.
		var logged loggedError
		if !errors.As(err, &logged) {
			fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		}
		stop()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath, logLevel string

	cmd := &cobra.Command{
		Use:           "namada-miss-bot",
		Short:         "Alert on Telegram when a Namada validator misses blocks",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), os.Stdout, configPath, logLevel)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "config.toml", "path to the TOML configuration file")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "override log_level from the configuration file")
	return cmd
}

func newLogger(w io.Writer, format, level string) (log.Logger, error) {
	var logger log.Logger
	if format == "json" {
		logger = log.NewTMJSONLogger(log.NewSyncWriter(w))
	} else {
		logger = log.NewTMLogger(log.NewSyncWriter(w))
	}
	option, err := log.AllowLevel(level)
	if err != nil {
		return nil, err
	}
	return log.NewFilter(logger, option), nil
}

func run(ctx context.Context, out io.Writer, configPath, logLevel string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}

	logger, err := newLogger(out, cfg.LogFormat, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}

	if err := monitor(ctx, cfg, logger); err != nil {
		logger.Error("Monitor stopped", "err", err)
		return loggedError{err}
	}
	return nil
}

func monitor(ctx context.Context, cfg config.Config, logger log.Logger) error {
	m := metrics.New(cfg.Operator)

	cli := namadac.NewClient(cfg.NamadacPath, cfg.KeyNode, cfg.ExecTimeoutDuration(), logger.With("module", "namadac"))
	if err := cli.CheckBinary(ctx); err != nil {
		return err
	}

	rpcClient, err := bot.NewRPCClient(cfg.RPC, cfg.RPCTimeoutDuration())
	if err != nil {
		return err
	}
	nodeBot := nodebot.NewNodeBot(rpcClient, cfg.ChainID, logger.With("module", "nodebot"))
	if _, err := nodeBot.CheckNetwork(ctx); err != nil {
		return fmt.Errorf("RPC check failed: %w", err)
	}

	tendermintKey, err := cli.FindTendermintKey(ctx, cfg.Operator)
	if err != nil {
		return fmt.Errorf("can't find the Tendermint key, check key_node or the operator address: %w", err)
	}

	missedBlocksCh := make(chan config.MissedBlocksEvent, alertQueueSize)
	telegramBot := telegram.NewTelegramBot(cfg, missedBlocksCh, m, logger.With("module", "telegram"))
	validatorBot := validatorbot.NewValidatorBot(cfg, rpcClient, tendermintKey, missedBlocksCh, m,
		logger.With("module", "validatorbot"))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return telegramBot.Run(gctx)
	})
	if cfg.MetricsListen != "" {
		g.Go(func() error {
			return m.Serve(gctx, cfg.MetricsListen, logger.With("module", "metrics"))
		})
	}
	g.Go(func() error {
		// The loop is the only sender; closing lets the notifier finish the queue.
		defer close(missedBlocksCh)
		err := validatorBot.Run(gctx)
		if ctx.Err() != nil && errors.Is(err, context.Canceled) {
			logger.Info("Shutting down")
			return nil
		}
		return fmt.Errorf("stopped checking blocks: %w", err)
	})
	return g.Wait()
}
