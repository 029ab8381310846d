// Copyright 2025 James Ross
package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("nonexistent.yaml")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Queue.Defaults.Concurrency != 8 {
		t.Fatalf("expected default queue concurrency 8, got %d", cfg.Queue.Defaults.Concurrency)
	}
	if cfg.Redis.Addr == "" {
		t.Fatalf("expected default redis addr")
	}
	if len(cfg.Stream.Topics) == 0 {
		t.Fatalf("expected default stream topics")
	}
}

func TestValidateFails(t *testing.T) {
	cfg := defaultConfig()
	cfg.Queue.Defaults.Concurrency = 0
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for queue.defaults.concurrency < 1")
	}

	cfg = defaultConfig()
	cfg.Postgres.DSN = ""
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for empty postgres dsn")
	}

	cfg = defaultConfig()
	cfg.Stream.Topics = nil
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for empty stream topics")
	}

	cfg = defaultConfig()
	cfg.Cache.PollCeiling = 0
	cfg.Cache.PollInitial = time.Second
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for poll_ceiling < poll_initial")
	}
}

func TestQueueSettingsAppliesOverride(t *testing.T) {
	cfg := defaultConfig()
	cfg.Queue.Overrides["reports"] = QueueDefaults{Concurrency: 2}
	s := cfg.QueueSettings("reports")
	if s.Concurrency != 2 {
		t.Fatalf("expected override concurrency 2, got %d", s.Concurrency)
	}
	if s.DefaultMaxAttempts != cfg.Queue.Defaults.DefaultMaxAttempts {
		t.Fatalf("expected unset override field to fall back to default")
	}

	s2 := cfg.QueueSettings("unregistered")
	if s2.Concurrency != cfg.Queue.Defaults.Concurrency {
		t.Fatalf("expected default concurrency for unregistered queue")
	}
}
