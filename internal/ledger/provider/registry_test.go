package provider

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"AuctionMesh/internal/config"
	"AuctionMesh/internal/ledger"
)

func TestRegistryFallsBackToMemory(t *testing.T) {
	reg, err := NewRegistry(context.Background(), config.LedgerConfig{})
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	defer reg.Close()

	if reg.DefaultChain() != "memory" {
		t.Fatalf("unexpected default chain %q", reg.DefaultChain())
	}
	l, err := reg.Default()
	if err != nil {
		t.Fatalf("default ledger: %v", err)
	}
	if _, ok := l.(*ledger.MemoryLedger); !ok {
		t.Fatalf("expected memory ledger, got %T", l)
	}
	if _, ok := reg.BidSource(""); !ok {
		t.Fatal("memory ledger should expose bids")
	}
}

func TestRegistryFromChainFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chains.yaml")
	content := "chains:\n  beta:\n    type: memory\n  alpha:\n    type: memory\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write chains: %v", err)
	}

	reg, err := NewRegistry(context.Background(), config.LedgerConfig{ChainConfig: path})
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	defer reg.Close()

	chains := reg.Chains()
	if len(chains) != 2 || chains[0] != "alpha" || chains[1] != "beta" {
		t.Fatalf("unexpected chains %v", chains)
	}
	if reg.DefaultChain() != "alpha" {
		t.Fatalf("expected alphabetical default, got %q", reg.DefaultChain())
	}
	if _, ok := reg.Ledger("beta"); !ok {
		t.Fatal("beta not registered")
	}
}

func TestRegistryRejectsUnknownDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chains.yaml")
	if err := os.WriteFile(path, []byte("chains:\n  dev:\n    type: memory\n"), 0o600); err != nil {
		t.Fatalf("write chains: %v", err)
	}
	if _, err := NewRegistry(context.Background(), config.LedgerConfig{ChainConfig: path, DefaultChain: "prod"}); err == nil {
		t.Fatal("expected unknown default chain error")
	}
}

func TestRegistryRejectsUnsupportedType(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chains.yaml")
	content := "chains:\n  sol:\n    type: solana\n    auction_contract: x\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write chains: %v", err)
	}
	if _, err := NewRegistry(context.Background(), config.LedgerConfig{ChainConfig: path}); err == nil {
		t.Fatal("expected unsupported type error")
	}
}

func TestStaticRegistry(t *testing.T) {
	mem := ledger.NewMemoryLedger()
	reg, err := NewStaticRegistry("dev", map[string]ledger.Ledger{"dev": mem})
	if err != nil {
		t.Fatalf("static registry: %v", err)
	}
	l, err := reg.Default()
	if err != nil || l != mem {
		t.Fatalf("unexpected default %v %v", l, err)
	}
	if _, err := NewStaticRegistry("missing", map[string]ledger.Ledger{"dev": mem}); err == nil {
		t.Fatal("expected missing default error")
	}
}
