package main

import (
	"context"
	"path/filepath"
	"testing"

	"AuctionMesh/internal/agent"
	"AuctionMesh/internal/config"
	"AuctionMesh/internal/task"
)

func TestNewDecomposerProviders(t *testing.T) {
	if _, err := newDecomposer(config.DecomposerConfig{Provider: "lines", CacheSize: 8}); err != nil {
		t.Fatalf("lines decomposer: %v", err)
	}
	if _, err := newDecomposer(config.DecomposerConfig{Provider: "openai"}); err == nil {
		t.Fatal("expected openai decomposer without api key to fail")
	}
	if _, err := newDecomposer(config.DecomposerConfig{Provider: "magic"}); err == nil {
		t.Fatal("expected unknown provider to fail")
	}
}

func TestNewExecutorTransports(t *testing.T) {
	registry, err := agent.NewRegistry()
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	if _, err := newExecutor(config.AgentsConfig{Transport: "http"}, registry); err != nil {
		t.Fatalf("http executor: %v", err)
	}
	if _, err := newExecutor(config.AgentsConfig{Transport: "amqp"}, registry); err == nil {
		t.Fatal("expected amqp without url to fail")
	}
	if _, err := newExecutor(config.AgentsConfig{Transport: "carrier-pigeon"}, registry); err == nil {
		t.Fatal("expected unknown transport to fail")
	}
}

func TestNewTaskStoreDrivers(t *testing.T) {
	ctx := context.Background()

	mem, err := newTaskStore(ctx, config.TaskStoreConfig{Driver: "memory"})
	if err != nil {
		t.Fatalf("memory store: %v", err)
	}
	if _, ok := mem.(*task.MemoryStore); !ok {
		t.Fatalf("expected memory store, got %T", mem)
	}

	sqlStore, err := newTaskStore(ctx, config.TaskStoreConfig{
		Driver:      "sqlite",
		DSN:         filepath.Join(t.TempDir(), "tasks.db"),
		AutoMigrate: true,
	})
	if err != nil {
		t.Fatalf("sqlite store: %v", err)
	}
	defer sqlStore.Close()
	if _, ok := sqlStore.(*task.SQLStore); !ok {
		t.Fatalf("expected sql store, got %T", sqlStore)
	}

	if _, err := newTaskStore(ctx, config.TaskStoreConfig{Driver: "etcd"}); err == nil {
		t.Fatal("expected unknown driver to fail")
	}
}

func TestNewAlerterDisabled(t *testing.T) {
	if d := newAlerter(config.AlertingConfig{}); d != nil {
		t.Fatalf("expected nil dispatcher when alerting is disabled, got %T", d)
	}
	if d := newAlerter(config.AlertingConfig{Enabled: true, WebhookURL: "http://127.0.0.1:1/hook"}); d == nil {
		t.Fatal("expected dispatcher when alerting is enabled")
	}
}
