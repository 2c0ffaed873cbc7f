// Package config loads process configuration from defaults, an optional
// JSON file, and environment variable overrides, in that order.
package config

import (
	"encoding/json"
	"os"
	"strconv"
	"strings"
	"time"
)

// BrokerConfig holds the durable queue fabric connection.
type BrokerConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
	User string `json:"user"`
	Pass string `json:"pass"`
}

// BusConfig holds the pub/sub bus connection.
type BusConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// DBConfig holds the relational storage connection and batching policy.
type DBConfig struct {
	Host              string        `json:"host"`
	Port              int           `json:"port"`
	Name              string        `json:"name"`
	User              string        `json:"user"`
	Pass              string        `json:"pass"`
	BatchSize         int           `json:"batch_size"`
	FlushInterval     time.Duration `json:"flush_interval"`
	WriterThreads     int           `json:"writer_threads"`
	EnablePersistence bool          `json:"enable_persistence"`
	QueueCapacity     int           `json:"queue_capacity"`
	ShutdownGrace     time.Duration `json:"shutdown_grace"`
}

// ConsumerConfig holds the per-room worker pool policy.
type ConsumerConfig struct {
	PrefetchCount    int           `json:"prefetch_count"`
	ConsumersPerRoom int           `json:"consumers_per_room"`
	AckBatchSize     int           `json:"ack_batch_size"`
	BusQueueCapacity int           `json:"bus_queue_capacity"`
	BusFlushInterval time.Duration `json:"bus_flush_interval"`
	BusBatchSize     int           `json:"bus_batch_size"`
	AnalyticsAddr    string        `json:"analytics_addr"`
}

// EdgeConfig holds the websocket edge server's listen address and
// socket-level timeouts.
type EdgeConfig struct {
	WSAddr      string        `json:"ws_addr"`
	APIAddr     string        `json:"api_addr"`
	IdleTimeout time.Duration `json:"idle_timeout"`
	CloseGrace  time.Duration `json:"close_grace"`
}

// LoadClientConfig holds the closed-loop load generator's tunables.
type LoadClientConfig struct {
	TargetURL          string        `json:"target_url"`
	GeneratorCapacity  int           `json:"generator_capacity"`
	BackpressureAt     int           `json:"backpressure_at"`
	Workers            int           `json:"workers"`
	MaxRetries         int           `json:"max_retries"`
	BaseBackoff        time.Duration `json:"base_backoff"`
	ResponseTimeout    time.Duration `json:"response_timeout"`
	ConnectionsPerRoom int           `json:"connections_per_room"`
	HandshakeDeadline  time.Duration `json:"handshake_deadline"`
	HeartbeatInterval  time.Duration `json:"heartbeat_interval"`
	BreakerFailThresh  int           `json:"breaker_fail_threshold"`
	BreakerOpenFor     time.Duration `json:"breaker_open_for"`
	BreakerHalfOpenOK  int           `json:"breaker_half_open_successes"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	Level string `json:"level"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled   bool   `json:"enabled"`
	Namespace string `json:"namespace"`
}

// TracingConfig holds OpenTelemetry tracing settings.
type TracingConfig struct {
	Enabled     bool    `json:"enabled"`
	Endpoint    string  `json:"endpoint"`
	ServiceName string  `json:"service_name"`
	SampleRate  float64 `json:"sample_rate"`
}

// Config is the root configuration for every process in the chat fabric.
// A given process (edge, consumer, load client) reads only the sections
// relevant to it.
type Config struct {
	Broker     BrokerConfig     `json:"broker"`
	Bus        BusConfig        `json:"bus"`
	DB         DBConfig         `json:"db"`
	Consumer   ConsumerConfig   `json:"consumer"`
	Edge       EdgeConfig       `json:"edge"`
	LoadClient LoadClientConfig `json:"load_client"`
	Logging    LoggingConfig    `json:"logging"`
	Metrics    MetricsConfig    `json:"metrics"`
	Tracing    TracingConfig    `json:"tracing"`
}

// Default returns the configuration with every default from spec.md §6
// and the load-client/edge tunables from §4.4/§5.
func Default() *Config {
	return &Config{
		Broker: BrokerConfig{Host: "localhost", Port: 5672},
		Bus:    BusConfig{Host: "localhost", Port: 6379},
		DB: DBConfig{
			Host:              "localhost",
			Port:              5432,
			Name:              "chatflow",
			User:              "postgres",
			Pass:              "postgres",
			BatchSize:         1000,
			FlushInterval:     500 * time.Millisecond,
			WriterThreads:     4,
			EnablePersistence: true,
			QueueCapacity:     50000,
			ShutdownGrace:     60 * time.Second,
		},
		Consumer: ConsumerConfig{
			PrefetchCount:    100,
			ConsumersPerRoom: 5,
			AckBatchSize:     100,
			BusQueueCapacity: 10000,
			BusFlushInterval: 10 * time.Millisecond,
			BusBatchSize:     100,
			AnalyticsAddr:    ":8082",
		},
		Edge: EdgeConfig{
			WSAddr:      ":8080",
			APIAddr:     ":8081",
			IdleTimeout: 120 * time.Second,
			CloseGrace:  5 * time.Second,
		},
		LoadClient: LoadClientConfig{
			TargetURL:          "ws://localhost:8080",
			GeneratorCapacity:  10000,
			BackpressureAt:     5000,
			Workers:            16,
			MaxRetries:         5,
			BaseBackoff:        100 * time.Millisecond,
			ResponseTimeout:    15 * time.Second,
			ConnectionsPerRoom: 10,
			HandshakeDeadline:  5 * time.Second,
			HeartbeatInterval:  30 * time.Second,
			BreakerFailThresh:  10,
			BreakerOpenFor:     10 * time.Second,
			BreakerHalfOpenOK:  5,
		},
		Logging: LoggingConfig{Level: "info"},
		Metrics: MetricsConfig{Enabled: true, Namespace: "chatflow"},
		Tracing: TracingConfig{Enabled: false, ServiceName: "chatflow", SampleRate: 1.0}.withDefaults(),
	}
}

func (t TracingConfig) withDefaults() TracingConfig {
	if t.Endpoint == "" {
		t.Endpoint = "localhost:4318"
	}
	return t
}

// LoadFromFile overlays a JSON file onto the defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := Default()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromEnv applies the environment variable overrides enumerated in
// spec.md §6, plus the edge/load-client ambient tunables.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("BROKER_HOST"); v != "" {
		cfg.Broker.Host = v
	}
	if v := os.Getenv("BROKER_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Broker.Port = n
		}
	}
	if v := os.Getenv("BROKER_USER"); v != "" {
		cfg.Broker.User = v
	}
	if v := os.Getenv("BROKER_PASS"); v != "" {
		cfg.Broker.Pass = v
	}
	if v := os.Getenv("BUS_HOST"); v != "" {
		cfg.Bus.Host = v
	}
	if v := os.Getenv("BUS_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Bus.Port = n
		}
	}
	if v := os.Getenv("DB_HOST"); v != "" {
		cfg.DB.Host = v
	}
	if v := os.Getenv("DB_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.DB.Port = n
		}
	}
	if v := os.Getenv("DB_NAME"); v != "" {
		cfg.DB.Name = v
	}
	if v := os.Getenv("DB_USER"); v != "" {
		cfg.DB.User = v
	}
	if v := os.Getenv("DB_PASS"); v != "" {
		cfg.DB.Pass = v
	}
	if v := os.Getenv("PREFETCH_COUNT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Consumer.PrefetchCount = n
		}
	}
	if v := os.Getenv("CONSUMERS_PER_ROOM"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Consumer.ConsumersPerRoom = n
		}
	}
	if v := os.Getenv("DB_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.DB.BatchSize = n
		}
	}
	if v := os.Getenv("DB_FLUSH_INTERVAL_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.DB.FlushInterval = time.Duration(n) * time.Millisecond
		}
	}
	if v := os.Getenv("DB_WRITER_THREADS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.DB.WriterThreads = n
		}
	}
	if v := os.Getenv("ENABLE_PERSISTENCE"); v != "" {
		cfg.DB.EnablePersistence = parseBool(v)
	}
	if v := os.Getenv("ANALYTICS_ADDR"); v != "" {
		cfg.Consumer.AnalyticsAddr = v
	}
	if v := os.Getenv("EDGE_WS_ADDR"); v != "" {
		cfg.Edge.WSAddr = v
	}
	if v := os.Getenv("EDGE_API_ADDR"); v != "" {
		cfg.Edge.APIAddr = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("METRICS_ENABLED"); v != "" {
		cfg.Metrics.Enabled = parseBool(v)
	}
	if v := os.Getenv("TRACING_ENABLED"); v != "" {
		cfg.Tracing.Enabled = parseBool(v)
	}
	if v := os.Getenv("TRACING_ENDPOINT"); v != "" {
		cfg.Tracing.Endpoint = v
	}
	if v := os.Getenv("LOAD_CLIENT_TARGET_URL"); v != "" {
		cfg.LoadClient.TargetURL = v
	}
	if v := os.Getenv("LOAD_CLIENT_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.LoadClient.Workers = n
		}
	}
}

func parseBool(s string) bool {
	s = strings.ToLower(s)
	return s == "true" || s == "1" || s == "yes"
}
