// Command consumer runs the durable half of the chat fabric: it drains
// the per-room Queue Fabric queues, republishes accepted messages onto
// the Bus Bridge for cross-process fan-out, and batches them into
// Postgres through the database writer. It also serves the read-side
// analytics API over the stored history.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	"github.com/oriys/chatflow/internal/analytics"
	"github.com/oriys/chatflow/internal/broker"
	"github.com/oriys/chatflow/internal/bus"
	"github.com/oriys/chatflow/internal/chatmsg"
	"github.com/oriys/chatflow/internal/config"
	"github.com/oriys/chatflow/internal/consumer"
	"github.com/oriys/chatflow/internal/logging"
	"github.com/oriys/chatflow/internal/metrics"
	"github.com/oriys/chatflow/internal/observability"
	"github.com/oriys/chatflow/internal/storage"
)

var configFile string

func main() {
	root := &cobra.Command{
		Use:   "consumer",
		Short: "Run the chat fabric consumer",
		Long:  "Drain the Queue Fabric, republish to the Bus Bridge, and persist history to Postgres",
		RunE:  run,
	}
	root.Flags().StringVar(&configFile, "config", "", "path to JSON config file (optional, env vars override)")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg := config.Default()
	if configFile != "" {
		var err error
		cfg, err = config.LoadFromFile(configFile)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
	}
	config.LoadFromEnv(cfg)

	logging.SetLevelFromString(cfg.Logging.Level)
	logging.InitStructured("json", cfg.Logging.Level)

	if err := observability.Init(context.Background(), observability.Config{
		Enabled:     cfg.Tracing.Enabled,
		Exporter:    "otlp-http",
		Endpoint:    cfg.Tracing.Endpoint,
		ServiceName: "chatflow-consumer",
		SampleRate:  cfg.Tracing.SampleRate,
	}); err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer observability.Shutdown(context.Background())

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New(cfg.Metrics.Namespace)
	}

	conn, err := broker.Dial(cfg.Broker)
	if err != nil {
		return fmt.Errorf("dial broker: %w", err)
	}
	defer conn.Close()

	topology := broker.NewTopology(conn, chatmsg.MinRoomID, chatmsg.MaxRoomID)
	if err := topology.Declare(); err != nil {
		return fmt.Errorf("declare topology: %w", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr: fmt.Sprintf("%s:%d", cfg.Bus.Host, cfg.Bus.Port),
	})
	defer redisClient.Close()

	busPub := bus.NewPublisher(redisClient, cfg.Consumer.BusQueueCapacity, m)
	busCtx, cancelBus := context.WithCancel(context.Background())
	go busPub.Run(busCtx)

	var store *storage.Store
	var partitions *storage.PartitionManager
	var dbw *consumer.DBWriter
	var analyticsEcho *echo.Echo

	if cfg.DB.EnablePersistence {
		dsn := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
			cfg.DB.User, cfg.DB.Pass, cfg.DB.Host, cfg.DB.Port, cfg.DB.Name)
		store, err = storage.New(context.Background(), dsn)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		defer store.Close()

		partitions = storage.NewPartitionManager(store)
		partitionCtx, cancelPartitions := context.WithCancel(context.Background())
		go partitions.Run(partitionCtx)
		defer cancelPartitions()

		dbw = consumer.NewDBWriter(store, m, cfg.DB)
		dbw.Start()

		analyticsEcho = echo.New()
		analyticsEcho.HideBanner = true
		analyticsEcho.Use(otelecho.Middleware("chatflow-consumer-analytics"))
		analytics.NewAPI(store).Register(analyticsEcho)
		go func() {
			logging.Op().Info("analytics api starting", "addr", cfg.Consumer.AnalyticsAddr)
			if err := analyticsEcho.Start(cfg.Consumer.AnalyticsAddr); err != nil {
				logging.Op().Info("analytics api stopped", "err", err)
			}
		}()
	} else {
		dbw = consumer.NewDBWriter(nil, m, cfg.DB)
	}

	workerCfg := consumer.FromConsumerConfig(cfg.Consumer, chatmsg.MinRoomID, chatmsg.MaxRoomID)
	pool := consumer.NewPool(conn, busPub, dbw, m, workerCfg)
	pool.Start()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-sigCh:
			logging.Op().Info("shutdown signal received")

			workerStop := make(chan struct{})
			go func() {
				pool.Stop()
				close(workerStop)
			}()
			select {
			case <-workerStop:
			case <-time.After(30 * time.Second):
				logging.Op().Warn("consumer worker pool stop timed out")
			}

			if analyticsEcho != nil {
				apiShutdownCtx, apiCancel := context.WithTimeout(context.Background(), 5*time.Second)
				analyticsEcho.Shutdown(apiShutdownCtx)
				apiCancel()
			}

			cancelBus()
			busPub.Wait()

			if dbw != nil {
				dbStop := make(chan struct{})
				go func() {
					dbw.Stop()
					close(dbStop)
				}()
				select {
				case <-dbStop:
				case <-time.After(cfg.DB.ShutdownGrace):
					logging.Op().Warn("db writer stop timed out")
				}
			}

			return nil
		case <-ticker.C:
			logging.Op().Debug("consumer status", "breakers", "n/a")
		}
	}
}
