// Command edge runs a Queue Fabric-facing WebSocket front door: it
// accepts per-room client connections, validates and publishes inbound
// chat messages to the broker, and fans broadcasts arriving from the
// bus back out to local sockets.
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

	"github.com/oriys/chatflow/internal/broker"
	"github.com/oriys/chatflow/internal/bus"
	"github.com/oriys/chatflow/internal/chatmsg"
	"github.com/oriys/chatflow/internal/config"
	"github.com/oriys/chatflow/internal/edge"
	"github.com/oriys/chatflow/internal/logging"
	"github.com/oriys/chatflow/internal/metrics"
	"github.com/oriys/chatflow/internal/observability"
)

var configFile string

func main() {
	root := &cobra.Command{
		Use:   "edge",
		Short: "Run the chat fabric edge server",
		Long:  "Run the WebSocket-facing edge server that accepts room connections and bridges them to the Queue Fabric and Bus Bridge",
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
		ServiceName: "chatflow-edge",
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

	pub := broker.NewPublisher(conn)

	registry := edge.NewRegistry()
	server := edge.NewServer(registry, pub, m, cfg.Edge)
	httpAPI := edge.NewHTTPAPI(registry)

	redisClient := redis.NewClient(&redis.Options{
		Addr: fmt.Sprintf("%s:%d", cfg.Bus.Host, cfg.Bus.Port),
	})
	defer redisClient.Close()

	subscriber := bus.NewSubscriber(redisClient, registry)
	subCtx, cancelSub := context.WithCancel(context.Background())
	go subscriber.Run(subCtx)

	wsEcho := echo.New()
	wsEcho.HideBanner = true
	wsEcho.Use(otelecho.Middleware("chatflow-edge"))
	server.Register(wsEcho)

	apiEcho := echo.New()
	apiEcho.HideBanner = true
	apiEcho.Use(otelecho.Middleware("chatflow-edge-api"))
	httpAPI.Register(apiEcho)

	go func() {
		logging.Op().Info("edge websocket listener starting", "addr", cfg.Edge.WSAddr)
		if err := wsEcho.Start(cfg.Edge.WSAddr); err != nil {
			logging.Op().Info("websocket listener stopped", "err", err)
		}
	}()
	go func() {
		logging.Op().Info("edge http api starting", "addr", cfg.Edge.APIAddr)
		if err := apiEcho.Start(cfg.Edge.APIAddr); err != nil {
			logging.Op().Info("http api stopped", "err", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-sigCh:
			logging.Op().Info("shutdown signal received")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Edge.CloseGrace)
			wsEcho.Shutdown(shutdownCtx)
			cancel()

			apiShutdownCtx, apiCancel := context.WithTimeout(context.Background(), 5*time.Second)
			apiEcho.Shutdown(apiShutdownCtx)
			apiCancel()

			cancelSub()
			return nil
		case <-ticker.C:
			logging.Op().Debug("edge status", "connections", registry.ConnectionCount(), "rooms", registry.RoomSizes())
		}
	}
}
