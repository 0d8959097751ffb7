package main

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/juno-intents/txmanager/internal/config"
	"github.com/juno-intents/txmanager/internal/journal"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "worker.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestParseConfig_FlagsOverrideFile(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
rpc_url: http://file:8545
chain_id: 8453
polling:
  attempts: 10
  interval: 250ms
queue:
  driver: stdio
`)
	cfg, err := parseConfig([]string{
		"--config", path,
		"--rpc-url", "http://flag:8545",
		"--poll-attempts", "3",
		"--queue-brokers", "a:9092, b:9092",
	})
	if err != nil {
		t.Fatalf("parseConfig: %v", err)
	}
	if cfg.RPCURL != "http://flag:8545" {
		t.Fatalf("rpc url: got %q", cfg.RPCURL)
	}
	if cfg.ChainID != 8453 {
		t.Fatalf("chain id: got %d", cfg.ChainID)
	}
	// Unset flags keep the file's values.
	if cfg.Polling.Attempts != 3 || cfg.Polling.Interval != 250*time.Millisecond {
		t.Fatalf("polling: %+v", cfg.Polling)
	}
	if cfg.Queue.Driver != "stdio" {
		t.Fatalf("queue driver: got %q", cfg.Queue.Driver)
	}
	if len(cfg.Queue.Brokers) != 2 || cfg.Queue.Brokers[1] != "b:9092" {
		t.Fatalf("brokers: %v", cfg.Queue.Brokers)
	}
}

func TestParseConfig_DefaultsWithoutFile(t *testing.T) {
	t.Parallel()

	cfg, err := parseConfig([]string{"--rpc-url", "http://node:8545", "--chain-id", "1"})
	if err != nil {
		t.Fatalf("parseConfig: %v", err)
	}
	if cfg.Polling.Attempts != 40 || cfg.Polling.Interval != 100*time.Millisecond {
		t.Fatalf("default polling: %+v", cfg.Polling)
	}
	if cfg.Signer.Mode != config.SignerLocal || cfg.Journal.Driver != "memory" {
		t.Fatalf("defaults: %+v", cfg)
	}
}

func TestParseConfig_Invalid(t *testing.T) {
	t.Parallel()

	if _, err := parseConfig(nil); !errors.Is(err, config.ErrInvalidConfig) {
		t.Fatalf("missing rpc url: expected ErrInvalidConfig, got %v", err)
	}
	if _, err := parseConfig([]string{"--rpc-url", "http://x", "--chain-id", "1", "--signer", "hsm"}); !errors.Is(err, config.ErrInvalidConfig) {
		t.Fatalf("bad signer: expected ErrInvalidConfig, got %v", err)
	}
	if _, err := parseConfig([]string{"--nope"}); err == nil {
		t.Fatalf("unknown flag: expected error")
	}
	path := writeConfig(t, "unknown_key: 1\n")
	if _, err := parseConfig([]string{"--config", path}); !errors.Is(err, config.ErrInvalidConfig) {
		t.Fatalf("unknown key: expected ErrInvalidConfig, got %v", err)
	}
}

func TestOpenJournal_Memory(t *testing.T) {
	t.Parallel()

	store, closeFn, err := openJournal(context.Background(), config.Journal{Driver: "memory"}, nil)
	if err != nil {
		t.Fatalf("openJournal: %v", err)
	}
	defer closeFn()
	if _, ok := store.(*journal.MemoryStore); !ok {
		t.Fatalf("store type: %T", store)
	}

	if _, _, err := openJournal(context.Background(), config.Journal{Driver: "sqlite"}, nil); !errors.Is(err, config.ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestOpenArchive(t *testing.T) {
	t.Parallel()

	arch, err := openArchive(context.Background(), config.Archive{Driver: "none"})
	if err != nil || arch != nil {
		t.Fatalf("none: arch=%v err=%v", arch, err)
	}
	arch, err = openArchive(context.Background(), config.Archive{Driver: "memory", Prefix: "t"})
	if err != nil || arch == nil {
		t.Fatalf("memory: arch=%v err=%v", arch, err)
	}
	if _, err := openArchive(context.Background(), config.Archive{Driver: "gcs"}); !errors.Is(err, config.ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}
