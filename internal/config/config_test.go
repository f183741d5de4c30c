package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "ap2.json")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `{}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	if cfg.Server.Address != ":8080" {
		t.Fatalf("unexpected server address: %s", cfg.Server.Address)
	}
	if cfg.Metrics.Address != ":9091" {
		t.Fatalf("unexpected metrics address: %s", cfg.Metrics.Address)
	}
	if cfg.Storage.Driver != "memory" {
		t.Fatalf("unexpected storage driver: %s", cfg.Storage.Driver)
	}
	if cfg.Queue.Driver != "memory" {
		t.Fatalf("unexpected queue driver: %s", cfg.Queue.Driver)
	}
	if cfg.Ledger.Mode != "local" {
		t.Fatalf("unexpected ledger mode: %s", cfg.Ledger.Mode)
	}
	if cfg.Agent.Mode != "embedded" {
		t.Fatalf("unexpected agent mode: %s", cfg.Agent.Mode)
	}
	if want := filepath.Join(dir, "data"); cfg.Runtime.DataDir != want {
		t.Fatalf("data dir = %s, want %s", cfg.Runtime.DataDir, want)
	}
	if want := filepath.Join(dir, "data", "agent.cursor"); cfg.Agent.CursorFile != want {
		t.Fatalf("cursor file = %s, want %s", cfg.Agent.CursorFile, want)
	}
}

func TestLoadResolvesRelativePaths(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `{
		"runtime": {"data_dir": "state"},
		"web3": {"chain_config": "chains.yaml"},
		"agent": {"cursor_file": "agent.cursor"},
		"logging": {"audit": {"enabled": true, "path": "audit.log"}}
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	if want := filepath.Join(dir, "state"); cfg.Runtime.DataDir != want {
		t.Fatalf("data dir = %s, want %s", cfg.Runtime.DataDir, want)
	}
	if want := filepath.Join(dir, "chains.yaml"); cfg.Web3.ChainConfig != want {
		t.Fatalf("chain config = %s, want %s", cfg.Web3.ChainConfig, want)
	}
	if want := filepath.Join(dir, "agent.cursor"); cfg.Agent.CursorFile != want {
		t.Fatalf("cursor file = %s, want %s", cfg.Agent.CursorFile, want)
	}
	if want := filepath.Join(dir, "audit.log"); cfg.Logging.Audit.Path != want {
		t.Fatalf("audit path = %s, want %s", cfg.Logging.Audit.Path, want)
	}
}

func TestLoadKeepsExplicitValues(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `{
		"server": {"address": ":9000"},
		"storage": {"driver": "mysql", "dsn": "user:pass@tcp(127.0.0.1:3306)/ap2"},
		"queue": {"driver": "redis", "worker": 4, "redis": {"address": "127.0.0.1:6379", "queue": "ap2:test"}},
		"settlement": {"max_retries": 5},
		"ledger": {"mode": "chain", "escrow_address": "0x1111111111111111111111111111111111111111"},
		"web3": {"rpc_url": "http://127.0.0.1:8545"},
		"runtime": {"data_dir": "/var/lib/ap2"}
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	if cfg.Server.Address != ":9000" {
		t.Fatalf("unexpected server address: %s", cfg.Server.Address)
	}
	if cfg.Storage.Driver != "mysql" || cfg.Storage.DSN == "" {
		t.Fatalf("storage not preserved: %+v", cfg.Storage)
	}
	if cfg.Queue.Driver != "redis" || cfg.Queue.Worker != 4 {
		t.Fatalf("queue not preserved: %+v", cfg.Queue)
	}
	if cfg.Queue.Redis.Queue != "ap2:test" {
		t.Fatalf("redis queue not preserved: %s", cfg.Queue.Redis.Queue)
	}
	if cfg.Settlement.MaxRetries != 5 {
		t.Fatalf("max retries not preserved: %d", cfg.Settlement.MaxRetries)
	}
	if cfg.Ledger.Mode != "chain" {
		t.Fatalf("ledger mode not preserved: %s", cfg.Ledger.Mode)
	}
	if cfg.Runtime.DataDir != "/var/lib/ap2" {
		t.Fatalf("absolute data dir rewritten: %s", cfg.Runtime.DataDir)
	}
}

func TestLoadValidation(t *testing.T) {
	cases := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "unknown storage driver",
			content: `{"storage": {"driver": "postgres"}}`,
			wantErr: "存储驱动",
		},
		{
			name:    "mysql without dsn",
			content: `{"storage": {"driver": "mysql"}}`,
			wantErr: "dsn",
		},
		{
			name:    "unknown queue driver",
			content: `{"queue": {"driver": "kafka"}}`,
			wantErr: "队列驱动",
		},
		{
			name:    "unknown ledger mode",
			content: `{"ledger": {"mode": "testnet"}}`,
			wantErr: "账本模式",
		},
		{
			name:    "chain mode without web3",
			content: `{"ledger": {"mode": "chain"}}`,
			wantErr: "chain 模式",
		},
		{
			name:    "unknown agent mode",
			content: `{"agent": {"mode": "auto"}}`,
			wantErr: "代理模式",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeConfig(t, t.TempDir(), tc.content)
			_, err := Load(path)
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("error %q does not mention %q", err, tc.wantErr)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(""); err == nil {
		t.Fatal("expected error for empty path")
	}
	if _, err := Load(filepath.Join(t.TempDir(), "absent.json")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
