package cli

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"hrwatch/internal/api"
	"hrwatch/internal/config"
	"hrwatch/internal/history"
	"hrwatch/internal/logging"
	"hrwatch/internal/metrics"
	"hrwatch/internal/session"
)

const version = "0.1.0"

const configWatchDebounce = 500 * time.Millisecond

func NewRoot(logger *slog.Logger) *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:           "hrwatch",
		Short:         "hrwatch watches a live heart-rate stream and raises alerts",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML or JSON config file")

	root.AddCommand(newServeCommand(logger, &configPath))
	root.AddCommand(newLatestCommand(logger, &configPath))
	root.AddCommand(newMeasurementCommand(logger, &configPath))
	root.AddCommand(newVersionCommand())
	return root
}

func loadConfig(path string) (*config.Manager, error) {
	if path == "" {
		return config.NewStaticManager(config.DefaultConfig()), nil
	}
	return config.NewManager(config.ResolvePath(path))
}

func newServeCommand(logger *slog.Logger, configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Mount a stream session and serve its view over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			cfg := mgr.Get()
			if cfg.LogLevel != "" {
				logger = logging.NewLogger(cfg.LogLevel)
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			src, err := history.New(ctx, cfg.History, cfg.Location(), logger)
			if err != nil {
				if !errors.Is(err, history.ErrUnavailable) {
					return err
				}
				logger.Warn("history source disabled", "error", err)
				src = nil
			}
			if closer, ok := src.(io.Closer); ok {
				defer closer.Close()
			}

			collector := metrics.New()
			hostOpts := session.HostOptions{Logger: logger, Metrics: collector}
			if rec, ok := src.(history.Recorder); ok && cfg.History.Record {
				hostOpts.Recorder = rec
				logger.Info("recording live readings", "driver", cfg.History.Driver)
			}
			host := session.NewHost(mgr, hostOpts)
			server := api.NewServer(mgr, host, src, collector, logger, version)

			logger.Info("hrwatch starting", "version", version, "transport", cfg.Stream.Transport, "config", mgr.Path())
			group, groupCtx := errgroup.WithContext(ctx)
			group.Go(func() error {
				return host.Run(groupCtx)
			})
			group.Go(func() error {
				return server.Run(groupCtx)
			})
			if mgr.Path() != "" {
				group.Go(func() error {
					return mgr.Watch(groupCtx, configWatchDebounce,
						func(next *config.Config) {
							host.UpdateConfig(next)
							logger.Info("config reloaded", "path", mgr.Path())
						},
						func(err error) {
							logger.Warn("config reload failed", "path", mgr.Path(), "error", err)
						},
					)
				})
			}
			return group.Wait()
		},
	}
}

func newLatestCommand(logger *slog.Logger, configPath *string) *cobra.Command {
	var count int
	cmd := &cobra.Command{
		Use:   "latest",
		Short: "Fetch the most recent readings and print the seeded window with its stats",
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			cfg := mgr.Get()
			if count <= 0 {
				count = cfg.History.Count
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), cfg.History.Timeout+5*time.Second)
			defer cancel()

			src, err := history.New(ctx, cfg.History, cfg.Location(), logger)
			if err != nil {
				return err
			}
			if closer, ok := src.(io.Closer); ok {
				defer closer.Close()
			}
			view, err := latestView(ctx, src, cfg.Window.Capacity, count)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), view)
		},
	}
	cmd.Flags().IntVarP(&count, "count", "n", 0, "number of readings to fetch (defaults to history.count)")
	return cmd
}

func newMeasurementCommand(logger *slog.Logger, configPath *string) *cobra.Command {
	measurement := &cobra.Command{
		Use:   "measurement",
		Short: "Query or toggle the backend measurement",
	}
	run := func(call func(context.Context, *history.HTTPClient) (map[string]any, error)) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			mgr, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			cfg := mgr.Get()
			client := history.NewHTTPClient(cfg.History.BaseURL, cfg.History.Timeout, cfg.Location(), logger)
			out, err := call(cmd.Context(), client)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		}
	}
	measurement.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Print the measurement status",
		RunE: run(func(ctx context.Context, c *history.HTTPClient) (map[string]any, error) {
			return c.Status(ctx)
		}),
	})
	measurement.AddCommand(&cobra.Command{
		Use:   "toggle",
		Short: "Start or stop the measurement",
		RunE: run(func(ctx context.Context, c *history.HTTPClient) (map[string]any, error) {
			return c.Toggle(ctx)
		}),
	})
	return measurement
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print CLI version",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Println(version)
		},
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
