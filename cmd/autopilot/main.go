package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"PortfolioAutopilot/internal/automation"
	"PortfolioAutopilot/internal/config"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd(ctx).Execute(); err != nil {
		log.Error().Err(err).Msg("autopilot exited with error")
		stop()
		os.Exit(1)
	}
}

func rootCmd(ctx context.Context) *cobra.Command {
	var cfgPath string
	root := &cobra.Command{
		Use:           "autopilot",
		Short:         "Scheduled price triggers and portfolio rebalancing",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "", "config file (default $CONFIG_PATH or configs/config.yaml)")

	load := func() (*config.Config, error) {
		path := cfgPath
		if path == "" {
			path = os.Getenv("CONFIG_PATH")
		}
		if path == "" {
			path = "configs/config.yaml"
		}
		cfg, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		setupLogging(cfg)
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("config validation: %w", err)
		}
		log.Info().Str("path", path).Int("triggers", len(cfg.Triggers)).
			Int("rebalancers", len(cfg.Rebalancers)).Msg("config loaded")
		return cfg, nil
	}

	root.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Run the scheduler until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			app, err := automation.Bootstrap(ctx, cfg)
			if err != nil {
				return err
			}
			defer closeApp(app)
			log.Info().Msg("autopilot starting, press Ctrl+C to stop")
			err = app.Run(ctx)
			log.Info().Msg("autopilot stopped")
			return err
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Check the config file and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := load(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "config OK")
			return nil
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "once <job-id>",
		Short: "Run one job immediately and print its record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			app, err := automation.Bootstrap(ctx, cfg)
			if err != nil {
				return err
			}
			defer closeApp(app)

			rec, err := app.RunOnce(ctx, args[0])
			if rec.JobID == "" {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s success=%t duration=%s\n", rec.JobID, rec.Success, rec.Duration.Round(time.Millisecond))
			if !rec.Success {
				return errors.Join(fmt.Errorf("job %s failed: %s", rec.JobID, rec.Error), err)
			}
			return err
		},
	})
	return root
}

func closeApp(app *automation.App) {
	if err := app.Close(); err != nil {
		log.Error().Err(err).Msg("close store and cache connections")
	}
}

func setupLogging(cfg *config.Config) {
	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if cfg.Log.Format == "json" {
		log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
		return
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
}
