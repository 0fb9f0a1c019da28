package config

import (
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	for _, key := range []string{"PORT", "LOG_LEVEL", "ENV", "DATABASE_DRIVER", "QUEUE_BACKEND", "MAIL_TRANSPORT", "CARBON_API_KEY"} {
		t.Setenv(key, "")
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}

	if cfg.Port != 5000 {
		t.Errorf("expected port 5000, got %d", cfg.Port)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("expected log level 'info', got %s", cfg.LogLevel)
	}
	if cfg.DatabaseDriver != DriverSQLite {
		t.Errorf("expected sqlite driver, got %s", cfg.DatabaseDriver)
	}
	if cfg.QueueBackend != QueueNone {
		t.Errorf("expected no queue backend, got %s", cfg.QueueBackend)
	}
	if cfg.MailTransport != MailLog {
		t.Errorf("expected log mail transport, got %s", cfg.MailTransport)
	}
	if cfg.ExternalScoringEnabled() {
		t.Error("external scoring should be disabled without CARBON_API_KEY")
	}
}

func TestLoad_CustomValues(t *testing.T) {
	t.Setenv("PORT", "9000")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("ENV", "production")
	t.Setenv("QUEUE_BACKEND", "redis")
	t.Setenv("CARBON_API_KEY", "secret")
	t.Setenv("JWT_TTL", "1h")
	t.Setenv("NOTIFY_SYNC_FALLBACK", "true")
	t.Setenv("WORKER_CONCURRENCY", "8")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}

	if cfg.Port != 9000 {
		t.Errorf("expected port 9000, got %d", cfg.Port)
	}
	if cfg.Env != "production" {
		t.Errorf("expected env 'production', got %s", cfg.Env)
	}
	if cfg.QueueBackend != QueueRedis {
		t.Errorf("expected redis backend, got %s", cfg.QueueBackend)
	}
	if !cfg.ExternalScoringEnabled() {
		t.Error("expected external scoring enabled")
	}
	if cfg.JWTTTL != time.Hour {
		t.Errorf("expected 1h ttl, got %s", cfg.JWTTTL)
	}
	if !cfg.NotifySyncFallback {
		t.Error("expected sync fallback enabled")
	}
	if cfg.WorkerConcurrency != 8 {
		t.Errorf("expected concurrency 8, got %d", cfg.WorkerConcurrency)
	}
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		key   string
		value string
	}{
		{"PORT", "abc"},
		{"DATABASE_DRIVER", "oracle"},
		{"QUEUE_BACKEND", "kafka"},
		{"MAIL_TRANSPORT", "pigeon"},
		{"MAIL_USE_TLS", "maybe"},
		{"JWT_TTL", "forever"},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			if _, err := Load(); err == nil {
				t.Errorf("expected error for %s=%s", tt.key, tt.value)
			}
		})
	}
}

func TestLoad_SQSRequiresQueueURL(t *testing.T) {
	t.Setenv("QUEUE_BACKEND", "sqs")
	t.Setenv("SQS_QUEUE_URL", "")

	if _, err := Load(); err == nil {
		t.Fatal("expected error when SQS_QUEUE_URL is missing")
	}
}

func TestPostgresDSN(t *testing.T) {
	cfg := &Config{DBHost: "db", DBPort: 5432, DBUser: "carbon", DBName: "carbon_console", DBSSLMode: "disable"}

	want := "host=db port=5432 user=carbon dbname=carbon_console sslmode=disable"
	if got := cfg.PostgresDSN(); got != want {
		t.Errorf("got %q, want %q", got, want)
	}

	cfg.DBPassword = "pw"
	want = "host=db port=5432 user=carbon password=pw dbname=carbon_console sslmode=disable"
	if got := cfg.PostgresDSN(); got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}
