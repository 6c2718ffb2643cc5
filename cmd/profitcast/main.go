package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fractal-lba/profitcast/internal/api"
	"github.com/fractal-lba/profitcast/internal/config"
	"github.com/fractal-lba/profitcast/internal/httpapi"
	"github.com/fractal-lba/profitcast/internal/journal"
	"github.com/fractal-lba/profitcast/internal/training"
)

var configFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "profitcast",
		Short: "Profit forecasting from daily business metrics",
		Long: `Trains tree-ensemble regressors on engineered daily revenue, cost and
usage features, then simulates multi-day profit forecasts from the latest model.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Config file (YAML); defaults to ./config/profitcast.yaml when present")

	rootCmd.AddCommand(trainCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(forecastCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(historyCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

// withApp loads config, builds the app and runs fn with it.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger, err := newLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		a.Close(shutdownCtx)
	}()
	return fn(ctx, a)
}

func trainCmd() *cobra.Command {
	var algorithm string
	var daysAhead int

	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train a model and make it the current artifact",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				name := algorithm
				if name == "" {
					name = a.cfg.Training.DefaultAlgorithm
				}
				alg, err := api.ParseAlgorithm(name)
				if err != nil {
					return err
				}
				horizon := daysAhead
				if horizon == 0 {
					horizon = a.cfg.Training.DefaultHorizonDays
				}

				res, err := a.service.Train(training.WithTrigger(ctx, "cli"), alg, horizon)
				if err != nil {
					return err
				}
				printTrainSummary(cmd.ErrOrStderr(), res)
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	}

	cmd.Flags().StringVarP(&algorithm, "algorithm", "a", "", "ensemble_bagged or ensemble_boosted (default from training.default_algorithm)")
	cmd.Flags().IntVar(&daysAhead, "days-ahead", 0, "Forecast horizon recorded with the model (default from training.default_horizon_days)")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show whether a model is trained and its metrics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				return printJSON(cmd.OutOrStdout(), a.service.Status(ctx))
			})
		},
	}
}

func forecastCmd() *cobra.Command {
	var days int

	cmd := &cobra.Command{
		Use:   "forecast",
		Short: "Forecast daily profit with the current model",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				n := days
				if n == 0 {
					n = a.cfg.Forecast.DefaultDays
				}
				res, err := a.service.Forecast(ctx, n)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	}

	cmd.Flags().IntVarP(&days, "days", "d", 0, "Days to forecast (default from forecast.default_days)")
	return cmd
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the training scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				return serve(ctx, a)
			})
		},
	}
}

func serve(ctx context.Context, a *app) error {
	cfg := a.cfg
	alg, err := api.ParseAlgorithm(cfg.Training.DefaultAlgorithm)
	if err != nil {
		return err
	}

	srv := httpapi.NewServer(a.service, httpapi.Options{
		DefaultAlgorithm:   alg,
		DefaultHorizonDays: cfg.Training.DefaultHorizonDays,
		DefaultDays:        cfg.Forecast.DefaultDays,
		MaxDays:            cfg.Forecast.MaxDays,
		TrainTimeout:       cfg.Server.TrainTimeout,
		ForecastRPS:        cfg.Server.RateLimit.ForecastRPS,
		ForecastBurst:      cfg.Server.RateLimit.ForecastBurst,
		TrainRPS:           cfg.Server.RateLimit.TrainRPS,
		TrainBurst:         cfg.Server.RateLimit.TrainBurst,
		MetricsUser:        cfg.Metrics.User,
		MetricsPassword:    cfg.Metrics.Password,
		Auth:               cfg.Auth,
	}, a.metrics, a.logger)

	httpServer := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      srv.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.logger.Info("starting server", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	if cfg.Training.Schedule.Enabled {
		scheduler := training.NewScheduler(cfg.Training.Schedule, a.pipeline,
			a.metrics.TrainingSkipped.Inc, a.logger)
		g.Go(func() error {
			err := scheduler.Start(ctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		a.logger.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	a.logger.Info("server stopped")
	return nil
}

func historyCmd() *cobra.Command {
	var limit int
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent training runs from the journal",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if cfg.Journal.Dir == "" {
				return fmt.Errorf("%w: journal.dir is not configured", api.ErrInvalidInput)
			}
			runs, err := journal.List(cfg.Journal.Dir, limit)
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), runs)
			}
			printRuns(cmd.OutOrStdout(), runs)
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum runs to show, newest first")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print runs as JSON")
	return cmd
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printTrainSummary(w io.Writer, res *api.TrainResult) {
	meta := res.Metadata
	fmt.Fprintf(w, "Model trained: %s (%s)\n", meta.Version, meta.Algorithm)
	fmt.Fprintf(w, "  samples: %d train / %d test", res.Metrics.TrainSamples, res.Metrics.TestSamples)
	if meta.Synthetic {
		fmt.Fprint(w, " (synthetic history)")
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "  MAE: %s  R2: %s  horizon: %d days\n",
		formatMetric(res.Metrics.MAE, 2), formatMetric(res.Metrics.R2, 4), meta.HorizonDays)
}

func printRuns(w io.Writer, runs []journal.Run) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STARTED\tTRIGGER\tALGORITHM\tOUTCOME\tSAMPLES\tMAE\tR2\tVERSION")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
			r.StartedAt.Format(time.RFC3339), r.Trigger, r.Algorithm, r.Outcome,
			r.Samples, formatMetric(r.MAE, 2), formatMetric(r.R2, 4), r.Version)
	}
	tw.Flush()
}

func formatMetric(v *float64, places int) string {
	if v == nil {
		return "n/a"
	}
	return fmt.Sprintf("%.*f", places, *v)
}

// exitCode distinguishes "nothing to forecast yet" and bad input from
// other failures.
func exitCode(err error) int {
	switch {
	case errors.Is(err, api.ErrModelNotTrained), errors.Is(err, api.ErrInsufficientData):
		return 3
	case errors.Is(err, api.ErrInvalidInput):
		return 2
	default:
		return 1
	}
}
