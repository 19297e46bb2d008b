package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load defaults: %v", err)
	}
	if cfg.Server.Address != ":8080" {
		t.Fatalf("unexpected address %q", cfg.Server.Address)
	}
	if cfg.Operator.MaxWait != 10*time.Minute || cfg.Operator.PollInterval != 5*time.Second {
		t.Fatalf("unexpected operator defaults %+v", cfg.Operator)
	}
	if cfg.Operator.CreationWorkers != 4 || cfg.Operator.CreationMaxAttempts != 3 || cfg.Operator.CreationTimeout != time.Minute {
		t.Fatalf("unexpected creation defaults %+v", cfg.Operator)
	}
	if cfg.Storage.TaskStore.Driver != "memory" || cfg.Queue.Driver != "memory" {
		t.Fatalf("unexpected storage defaults")
	}
	if len(cfg.Logging.OutputPaths) != 1 || cfg.Logging.OutputPaths[0] != "stdout" {
		t.Fatalf("unexpected logging outputs %v", cfg.Logging.OutputPaths)
	}
}

func TestLoadYAMLAndResolvePaths(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "auctionmesh.yaml")
	content := `
server:
  address: ":9090"
storage:
  task_store:
    driver: sqlite
ledger:
  chain_config: chains.yaml
agents:
  registry_file: agents.yaml
operator:
  poll_interval: 250ms
  max_wait: 2m
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Address != ":9090" {
		t.Fatalf("unexpected address %q", cfg.Server.Address)
	}
	if cfg.Operator.PollInterval != 250*time.Millisecond || cfg.Operator.MaxWait != 2*time.Minute {
		t.Fatalf("durations not decoded: %+v", cfg.Operator)
	}
	if cfg.Ledger.ChainConfig != filepath.Join(dir, "chains.yaml") {
		t.Fatalf("chain config not resolved: %s", cfg.Ledger.ChainConfig)
	}
	if cfg.Agents.RegistryFile != filepath.Join(dir, "agents.yaml") {
		t.Fatalf("agent registry not resolved: %s", cfg.Agents.RegistryFile)
	}
	if cfg.Storage.TaskStore.DSN != filepath.Join(dir, "data", "auctionmesh.db") {
		t.Fatalf("sqlite dsn not derived: %s", cfg.Storage.TaskStore.DSN)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("AUCTIONMESH_OPERATOR_MAX_WAIT", "42s")
	t.Setenv("AUCTIONMESH_SERVER_ADDRESS", "127.0.0.1:7000")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Operator.MaxWait != 42*time.Second {
		t.Fatalf("env override ignored: %v", cfg.Operator.MaxWait)
	}
	if cfg.Server.Address != "127.0.0.1:7000" {
		t.Fatalf("env override ignored: %q", cfg.Server.Address)
	}
}

func TestValidateRejectsInconsistentConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.json")
	content := `{"queue": {"driver": "redis"}, "storage": {"task_store": {"driver": "mysql"}}, "operator": {"max_wait": "0s"}}`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error")
	}
}
