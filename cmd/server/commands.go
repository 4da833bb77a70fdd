package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/emads/emads/internal/config"
	"github.com/emads/emads/internal/server"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

const shutdownTimeout = 30 * time.Second

type app struct {
	configPath string
	stdout     io.Writer
	stderr     io.Writer
}

func newRootCommand(out, errOut io.Writer) *cobra.Command {
	a := &app{stdout: out, stderr: errOut}

	serve := newServeCmd(a)
	cmd := &cobra.Command{
		Use:           "emads",
		Short:         "Hostel electricity anomaly detection and alerting",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version,
		RunE:          serve.RunE,
	}
	cmd.SetOut(out)
	cmd.SetErr(errOut)
	cmd.PersistentFlags().StringVarP(&a.configPath, "config", "c", config.DefaultConfigPath, "path to the YAML config file")

	cmd.AddCommand(serve, newCheckCmd(a), newValidateCmd(a))
	return cmd
}

// loadConfig reads and validates the configuration. The manager is
// returned so serve can watch the file.
func (a *app) loadConfig(ctx context.Context) (config.ConfigManager, *config.Config, error) {
	mgr, err := config.NewConfigManager(a.configPath)
	if err != nil {
		return nil, nil, err
	}
	if err := mgr.Load(ctx); err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := mgr.Validate(ctx); err != nil {
		return nil, nil, err
	}
	return mgr, mgr.Get(ctx), nil
}

func newServeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the API server and the check scheduler",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			mgr, cfg, err := a.loadConfig(ctx)
			if err != nil {
				return err
			}
			srv, err := server.NewServer(ctx, cfg)
			if err != nil {
				return fmt.Errorf("failed to create server: %w", err)
			}
			if err := srv.Start(); err != nil {
				_ = srv.Stop(context.Background())
				return fmt.Errorf("failed to start server: %w", err)
			}
			srv.WatchConfig(mgr.Watch(ctx))

			<-ctx.Done()
			fmt.Fprintln(a.stderr, "Received shutdown signal...")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := srv.Stop(shutdownCtx); err != nil {
				return fmt.Errorf("error stopping server: %w", err)
			}
			fmt.Fprintln(a.stderr, "Shutdown complete")
			return nil
		},
	}
}

func newCheckCmd(a *app) *cobra.Command {
	var failOnWarnings bool
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Run one alert check and print the report",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			_, cfg, err := a.loadConfig(ctx)
			if err != nil {
				return err
			}
			srv, err := server.NewServer(ctx, cfg)
			if err != nil {
				return fmt.Errorf("failed to create server: %w", err)
			}
			defer srv.Stop(context.Background())

			report, err := srv.RunOnce(ctx)
			if err != nil {
				return fmt.Errorf("check interrupted: %w", err)
			}
			enc := json.NewEncoder(a.stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(report); err != nil {
				return err
			}
			if failOnWarnings && len(report.Warnings) > 0 {
				return fmt.Errorf("check completed with %d warnings", len(report.Warnings))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&failOnWarnings, "fail-on-warnings", false, "exit non-zero when a rule or notification failed")
	return cmd
}

func newValidateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, _, err := a.loadConfig(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(a.stdout, "configuration OK (%s)\n", a.configPath)
			return nil
		},
	}
}
