package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/glimte/burrow"
	"github.com/glimte/burrow/config"
	"github.com/glimte/burrow/contracts"
	"github.com/glimte/burrow/health"
	"github.com/glimte/burrow/messaging"
	"github.com/glimte/burrow/metrics"
	"github.com/glimte/burrow/serialization"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "burrow",
		Short: "Consume and publish typed payloads over RabbitMQ",
		Long: `Burrow runs one RabbitMQ consumer per registered payload handler and
publishes validated payloads to exchanges.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "burrow.yaml", "Path to the configuration file")

	rootCmd.AddCommand(newRunCommand(&configPath), newPublishCommand(&configPath))
	return rootCmd
}

func newRunCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the consumers and serve metrics and health endpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			logger := config.NewLogger(cfg.Log)
			logger.Info("configuration loaded", "config", cfg.String())

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			collector := metrics.NewCollector()
			if err := collector.Register(); err != nil {
				return fmt.Errorf("failed to register metrics: %w", err)
			}

			client, err := newClient(cfg, logger, burrow.WithMetrics(collector))
			if err != nil {
				return err
			}
			defer client.Close()

			if err := registerOrders(client, logger); err != nil {
				return err
			}
			if err := client.Start(ctx); err != nil {
				return err
			}

			client.HealthRegistry().SetMetadata("version", version)

			server := &http.Server{
				Addr:              cfg.HTTP.Addr,
				Handler:           newMux(client.HealthRegistry()),
				ReadHeaderTimeout: 5 * time.Second,
			}
			go func() {
				logger.Info("serving metrics and health", "addr", cfg.HTTP.Addr)
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("http server failed", "error", err)
					stop()
				}
			}()

			err = client.Wait(ctx)
			if errors.Is(err, context.Canceled) {
				err = nil
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
				logger.Warn("http server shutdown", "error", shutdownErr)
			}
			return err
		},
	}
}

func newPublishCommand(configPath *string) *cobra.Command {
	var (
		exchange      string
		payloadType   string
		correlationID string
		ttl           time.Duration
	)

	cmd := &cobra.Command{
		Use:   "publish <routing-key> <json>",
		Short: "Validate and publish one payload",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			logger := config.NewLogger(cfg.Log)

			types, err := payloadTypes()
			if err != nil {
				return err
			}
			payload, err := types.Decode(serialization.NewJSONCodec(serialization.WithStrictFields(true)), contracts.TypeTag(payloadType), []byte(args[1]))
			if err != nil {
				return fmt.Errorf("invalid %s payload: %w", payloadType, err)
			}

			client, err := newClient(cfg, logger)
			if err != nil {
				return err
			}
			defer client.Close()

			if err := registerOrders(client, logger); err != nil {
				return err
			}

			producer, err := client.Producer(cmd.Context())
			if err != nil {
				return err
			}

			var opts []messaging.PublishOption
			if correlationID != "" {
				opts = append(opts, messaging.WithCorrelationID(correlationID))
			}
			if ttl > 0 {
				opts = append(opts, messaging.WithTTL(ttl))
			}

			if err := producer.Publish(cmd.Context(), payload, args[0], exchange, opts...); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "published %s to %q with routing key %q\n", payloadType, exchange, args[0])
			return nil
		},
	}

	cmd.Flags().StringVarP(&exchange, "exchange", "e", "", "Exchange to publish to (default exchange when empty)")
	cmd.Flags().StringVarP(&payloadType, "type", "t", "OrderPlaced", "Payload type of the JSON body")
	cmd.Flags().StringVar(&correlationID, "correlation-id", "", "Correlation ID to attach")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "Message time-to-live")
	return cmd
}

func newClient(cfg *config.Config, logger *slog.Logger, extra ...burrow.Option) (*burrow.Client, error) {
	opts, err := cfg.ClientOptions()
	if err != nil {
		return nil, err
	}
	opts = append(opts, burrow.WithLogger(logger))
	opts = append(opts, extra...)
	return burrow.NewClient(cfg.Endpoint(), opts...)
}

func newMux(registry *health.Registry) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/healthz", health.NewHandler(registry, 5*time.Second))
	mux.Handle("/readyz", health.ReadinessHandler(registry))
	mux.Handle("/livez", health.LivenessHandler())
	return mux
}
