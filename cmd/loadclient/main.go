// Command loadclient drives synthetic chat traffic against a running
// edge server: a closed-loop generator submits jobs across the full
// room range, a fixed worker pool sends them over pooled per-room
// WebSocket connections, and a per-room circuit breaker protects a
// struggling edge from being hammered.
package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/oriys/chatflow/internal/chatmsg"
	"github.com/oriys/chatflow/internal/circuitbreaker"
	"github.com/oriys/chatflow/internal/config"
	"github.com/oriys/chatflow/internal/loadclient"
	"github.com/oriys/chatflow/internal/logging"
	"github.com/oriys/chatflow/internal/metrics"
	"github.com/oriys/chatflow/internal/observability"
)

var configFile string

func main() {
	root := &cobra.Command{
		Use:   "loadclient",
		Short: "Drive closed-loop synthetic load against the chat fabric edge",
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
		ServiceName: "chatflow-loadclient",
		SampleRate:  cfg.Tracing.SampleRate,
	}); err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer observability.Shutdown(context.Background())

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New(cfg.Metrics.Namespace)
	}

	dialer := loadclient.DialEdge(cfg.LoadClient.TargetURL, cfg.LoadClient.HandshakeDeadline)
	pool := loadclient.NewPool(dialer, cfg.LoadClient.ConnectionsPerRoom, cfg.LoadClient.HeartbeatInterval)

	breakers := circuitbreaker.NewRegistry()
	generator := loadclient.NewGenerator(cfg.LoadClient, pool, breakers, m)
	generator.Start()

	genCtx, cancelGen := context.WithCancel(context.Background())
	go produceTraffic(genCtx, generator)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-sigCh:
			logging.Op().Info("shutdown signal received")
			cancelGen()

			stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			generator.Stop(stopCtx)
			cancel()

			pool.Shutdown()
			return nil
		case <-ticker.C:
			logging.Op().Debug("load client breaker states", "breakers", breakers.Snapshot())
		}
	}
}

// produceTraffic continuously submits synthetic messages across every
// room until ctx is cancelled, giving the generator's bounded queue a
// steady stream of work.
func produceTraffic(ctx context.Context, generator *loadclient.Generator) {
	userID := 1
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		roomID := chatmsg.MinRoomID + rand.Intn(chatmsg.MaxRoomID-chatmsg.MinRoomID+1)
		job := loadclient.Job{RoomID: roomID, Message: loadclient.RandomMessage(roomID, userID)}
		userID++

		if err := generator.Submit(ctx, job); err != nil {
			return
		}
	}
}
