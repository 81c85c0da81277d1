package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("INVENTORY_BACKEND", "")
	t.Setenv("STALE_SAGA_AFTER", "")
	t.Setenv("SEED_ON_START", "")

	cfg := Load()
	if cfg.ServiceName != "saga-coordinator" {
		t.Fatalf("expected default service name, got %s", cfg.ServiceName)
	}
	if cfg.InventoryBackend != InventoryBackendRedis {
		t.Fatalf("expected redis backend by default, got %s", cfg.InventoryBackend)
	}
	if cfg.StaleSagaAfter != 5*time.Minute {
		t.Fatalf("expected 5m stale threshold, got %s", cfg.StaleSagaAfter)
	}
	if !cfg.SeedOnStart {
		t.Fatal("expected seed on start by default")
	}
	if cfg.SagaEventChannel != "saga:events" {
		t.Fatalf("unexpected event channel %s", cfg.SagaEventChannel)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("INVENTORY_BACKEND", "MONGO")
	t.Setenv("STALE_SAGA_AFTER", "30s")
	t.Setenv("HTTP_PORT", "9090")
	t.Setenv("TRACING_ENABLED", "true")
	t.Setenv("TRACING_SAMPLE_RATE", "0.5")

	cfg := Load()
	if cfg.InventoryBackend != InventoryBackendMongo {
		t.Fatalf("expected mongo backend, got %s", cfg.InventoryBackend)
	}
	if cfg.StaleSagaAfter != 30*time.Second {
		t.Fatalf("expected 30s, got %s", cfg.StaleSagaAfter)
	}
	if cfg.HTTPPort != 9090 {
		t.Fatalf("expected port 9090, got %d", cfg.HTTPPort)
	}
	if !cfg.TracingEnabled || cfg.TracingSampleRate != 0.5 {
		t.Fatalf("unexpected tracing config: %v %v", cfg.TracingEnabled, cfg.TracingSampleRate)
	}
}

func TestUnknownBackendFallsBackToRedis(t *testing.T) {
	t.Setenv("INVENTORY_BACKEND", "nedb")
	if got := Load().InventoryBackend; got != InventoryBackendRedis {
		t.Fatalf("expected redis fallback, got %s", got)
	}
}

func TestConfigDSN(t *testing.T) {
	cfg := &Config{
		DBHost:     "localhost",
		DBPort:     5432,
		DBUser:     "user",
		DBPassword: "pass",
		DBName:     "db",
		DBSSLMode:  "require",
	}
	expected := "host=localhost port=5432 user=user password=pass dbname=db sslmode=require"
	if cfg.DSN() != expected {
		t.Fatalf("expected DSN %s, got %s", expected, cfg.DSN())
	}
}
