package config

import (
	"testing"
	"time"
)

func TestDefaultMatchesSpec(t *testing.T) {
	cfg := Default()
	if cfg.Consumer.PrefetchCount != 100 {
		t.Fatalf("expected prefetch 100, got %d", cfg.Consumer.PrefetchCount)
	}
	if cfg.Consumer.ConsumersPerRoom != 5 {
		t.Fatalf("expected 5 consumers per room, got %d", cfg.Consumer.ConsumersPerRoom)
	}
	if cfg.DB.BatchSize != 1000 {
		t.Fatalf("expected batch size 1000, got %d", cfg.DB.BatchSize)
	}
	if cfg.DB.FlushInterval != 500*time.Millisecond {
		t.Fatalf("expected flush interval 500ms, got %v", cfg.DB.FlushInterval)
	}
	if cfg.DB.WriterThreads != 4 {
		t.Fatalf("expected 4 writer threads, got %d", cfg.DB.WriterThreads)
	}
	if !cfg.DB.EnablePersistence {
		t.Fatal("expected persistence enabled by default")
	}
}

func TestLoadFromEnvOverrides(t *testing.T) {
	t.Setenv("BROKER_HOST", "broker.internal")
	t.Setenv("DB_BATCH_SIZE", "2000")
	t.Setenv("ENABLE_PERSISTENCE", "false")

	cfg := Default()
	LoadFromEnv(cfg)

	if cfg.Broker.Host != "broker.internal" {
		t.Fatalf("expected BROKER_HOST override, got %s", cfg.Broker.Host)
	}
	if cfg.DB.BatchSize != 2000 {
		t.Fatalf("expected DB_BATCH_SIZE override, got %d", cfg.DB.BatchSize)
	}
	if cfg.DB.EnablePersistence {
		t.Fatal("expected ENABLE_PERSISTENCE=false to disable persistence")
	}
}
