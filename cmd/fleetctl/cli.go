package main

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/mirkobrombin/go-fleet/v1/cache"
	"github.com/mirkobrombin/go-fleet/v1/config"
	"github.com/mirkobrombin/go-fleet/v1/core"
	"github.com/mirkobrombin/go-fleet/v1/cron"
	fleeterrors "github.com/mirkobrombin/go-fleet/v1/errors"
	"github.com/mirkobrombin/go-fleet/v1/lock"
	"github.com/mirkobrombin/go-fleet/v1/metrics"
	"github.com/mirkobrombin/go-fleet/v1/pubsub"
)

// HeartbeatTopic carries the heartbeat published by serve.
const HeartbeatTopic = "fleet.heartbeat"

// Heartbeat is the payload published on HeartbeatTopic.
type Heartbeat struct {
	ID   string    `json:"id"`
	Time time.Time `json:"time"`
}

var configFile string

// BuildCLI returns the fleetctl root command.
func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "fleetctl",
		Short:         "Coordinate processes through a shared Redis store",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path")

	rootCmd.AddCommand(buildLockCommand())
	rootCmd.AddCommand(buildLimitCommand())
	rootCmd.AddCommand(buildCacheCommand())
	rootCmd.AddCommand(buildPublishCommand())
	rootCmd.AddCommand(buildSubscribeCommand())
	rootCmd.AddCommand(buildCronCommand())
	rootCmd.AddCommand(buildServeCommand())
	return rootCmd
}

func newLogger(cfg config.Log) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, fmt.Errorf("log level %q: %w", cfg.Level, err)
	}
	opts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(cfg.Format) {
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	case "", "text":
		return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
	}
	return nil, fmt.Errorf("log format %q: expected text or json", cfg.Format)
}

// openFleet loads the configuration and builds a Fleet. The caller shuts it
// down.
func openFleet(opts ...core.Option) (*core.Fleet, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}
	logger, err := newLogger(cfg.Log)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)
	return core.New(cfg, append([]core.Option{core.WithLogger(logger)}, opts...)...)
}

func withFleet(cmd *cobra.Command, fn func(ctx context.Context, f *core.Fleet) error, opts ...core.Option) error {
	f, err := openFleet(opts...)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runErr := fn(ctx, f)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return stdErrors.Join(runErr, f.Shutdown(shutdownCtx))
}

func buildLockCommand() *cobra.Command {
	var ttl, retry, hold time.Duration

	cmd := &cobra.Command{
		Use:   "lock NAME",
		Short: "Acquire a named lock, hold it and release it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withFleet(cmd, func(ctx context.Context, f *core.Fleet) error {
				return f.Locks().Do(ctx, args[0], ttl, retry, func(ctx context.Context) error {
					fmt.Fprintf(cmd.OutOrStdout(), "acquired %s\n", lock.Key(args[0]))
					select {
					case <-time.After(hold):
					case <-ctx.Done():
					}
					return nil
				})
			})
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", lock.DefaultTTL, "lock time to live")
	cmd.Flags().DurationVar(&retry, "retry", lock.DefaultRetrySleep, "delay between attempts")
	cmd.Flags().DurationVar(&hold, "hold", 0, "how long to hold the lock")
	return cmd
}

func buildLimitCommand() *cobra.Command {
	var (
		limit      int64
		resolution time.Duration
	)

	cmd := &cobra.Command{
		Use:   "limit KEY",
		Short: "Count one call against a fixed window rate limit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withFleet(cmd, func(ctx context.Context, f *core.Fleet) error {
				err := f.Limiter().Allow(ctx, args[0], limit, resolution)
				if stdErrors.Is(err, fleeterrors.ErrRateLimitExceeded) {
					fmt.Fprintln(cmd.OutOrStdout(), "rejected")
					return err
				}
				if err != nil {
					return err
				}
				left, err := f.Limiter().Remaining(ctx, args[0], limit, resolution)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "allowed, %d remaining\n", left)
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&limit, "limit", 10, "calls allowed per window")
	cmd.Flags().DurationVar(&resolution, "resolution", time.Second, "window length")
	return cmd
}

func buildCacheCommand() *cobra.Command {
	var ttl, wait time.Duration

	cmd := &cobra.Command{
		Use:   "cache KEY VALUE",
		Short: "Read KEY, storing VALUE under a lock when it is missing",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withFleet(cmd, func(ctx context.Context, f *core.Fleet) error {
				g := core.NewGuard[string](f, cache.WithCodec(cache.StringCodec{}))
				defer g.Close()
				computed := false
				v, ok, err := g.GetOrCompute(ctx, args[0], ttl, wait, func(ctx context.Context) (string, bool, error) {
					computed = true
					return args[1], true, nil
				})
				if err != nil {
					return err
				}
				switch {
				case !ok:
					fmt.Fprintln(cmd.OutOrStdout(), "unavailable")
				case computed:
					fmt.Fprintf(cmd.OutOrStdout(), "stored %s\n", v)
				default:
					fmt.Fprintf(cmd.OutOrStdout(), "cached %s\n", v)
				}
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", time.Minute, "time to live of the stored value")
	cmd.Flags().DurationVar(&wait, "wait", 5*time.Second, "how long to wait for another writer")
	return cmd
}

func buildPublishCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "publish TOPIC MESSAGE",
		Short: "Publish a message on a topic",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withFleet(cmd, func(ctx context.Context, f *core.Fleet) error {
				return f.Hub().Publish(ctx, args[0], args[1])
			})
		},
	}
}

func buildSubscribeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "subscribe TOPIC...",
		Short: "Print messages published on topics until interrupted",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withFleet(cmd, func(ctx context.Context, f *core.Fleet) error {
				out := cmd.OutOrStdout()
				for _, topic := range args {
					_, err := f.Hub().Subscribe(ctx, topic, func(m pubsub.Message) {
						fmt.Fprintf(out, "%s %s\n", m.Topic, m.Payload)
					})
					if err != nil {
						return err
					}
				}
				<-ctx.Done()
				return nil
			})
		},
	}
}

func buildCronCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cron",
		Short: "Inspect cron expressions",
	}

	var (
		count int
		from  string
	)
	next := &cobra.Command{
		Use:   "next EXPRESSION",
		Short: "Print the next times an expression fires",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			expr, err := cron.Parse(args[0])
			if err != nil {
				return err
			}
			t := time.Now()
			if from != "" {
				if t, err = time.Parse(time.RFC3339, from); err != nil {
					return fmt.Errorf("--from: %w", err)
				}
			}
			for i := 0; i < count; i++ {
				n, ok := expr.Next(t)
				if !ok {
					fmt.Fprintln(cmd.OutOrStdout(), "never")
					return nil
				}
				fmt.Fprintln(cmd.OutOrStdout(), n.Format(time.RFC3339))
				t = n
			}
			return nil
		},
	}
	next.Flags().IntVarP(&count, "count", "n", 5, "number of times to print")
	next.Flags().StringVar(&from, "from", "", "start time in RFC 3339, defaults to now")

	cmd.AddCommand(next)
	return cmd
}

func buildServeCommand() *cobra.Command {
	var schedule string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the heartbeat job and the metrics endpoint until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withFleet(cmd, func(ctx context.Context, f *core.Fleet) error {
				return serve(ctx, f, schedule)
			})
		},
	}
	cmd.Flags().StringVar(&schedule, "heartbeat", "@every_minute", "heartbeat cron expression")
	return cmd
}

func serve(ctx context.Context, f *core.Fleet, schedule string) error {
	logger := f.Logger()
	if f.Config().Metrics.Enabled {
		reg := metrics.NewRegistry()
		metrics.RegisterCoreMetrics(reg)
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: f.Config().Metrics.Addr, Handler: mux}
		go func() {
			logger.Info("fleetctl: metrics listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !stdErrors.Is(err, http.ErrServerClosed) {
				logger.Error("fleetctl: metrics server failed", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	heartbeat := cron.NewJob("heartbeat", func(ctx context.Context, now time.Time) error {
		return f.Hub().Publish(ctx, HeartbeatTopic, Heartbeat{ID: f.ID(), Time: now})
	})
	if err := f.Scheduler().Schedule(heartbeat, schedule, cron.Serial); err != nil {
		return err
	}
	f.Scheduler().Start(ctx)
	logger.Info("fleetctl: serving", "heartbeat", schedule)
	<-ctx.Done()
	return nil
}
