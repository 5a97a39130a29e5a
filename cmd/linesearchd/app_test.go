package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"pkt.systems/pslog"

	"github.com/MachariaP/linesearchd"
)

func writeINI(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "linesearchd.ini")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write ini: %v", err)
	}
	return path
}

func TestBindConfigFromINIFile(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	path := writeINI(t, `
data-path = /var/lib/linesearchd/200k.txt
reread-on-query = true
host = 0.0.0.0
port = 5555
max-workers = 7
cache-capacity = 128
buffer-size = 64KiB
max-query-bytes = 2MiB
read-timeout = 3s
requests-per-minute = 42
rate-limit = false
metrics-listen = 127.0.0.1:9100
`)
	viper.Set("config", path)
	loaded, err := loadConfigFile()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if loaded == "" {
		t.Fatal("expected config file to load")
	}

	var cfg linesearchd.Config
	if err := bindConfig(&cfg); err != nil {
		t.Fatalf("bind config: %v", err)
	}
	if cfg.DataPath != "/var/lib/linesearchd/200k.txt" {
		t.Fatalf("unexpected data path %q", cfg.DataPath)
	}
	if !cfg.RereadOnQuery {
		t.Fatal("expected reread-on-query true")
	}
	if cfg.Host != "0.0.0.0" || cfg.Port != 5555 {
		t.Fatalf("unexpected endpoint %s:%d", cfg.Host, cfg.Port)
	}
	if cfg.MaxWorkers != 7 {
		t.Fatalf("unexpected max workers %d", cfg.MaxWorkers)
	}
	if cfg.CacheCapacity != 128 || !cfg.CacheCapacitySet {
		t.Fatalf("unexpected cache capacity %d (set=%v)", cfg.CacheCapacity, cfg.CacheCapacitySet)
	}
	if cfg.BufferSize != 64<<10 {
		t.Fatalf("unexpected buffer size %d", cfg.BufferSize)
	}
	if cfg.MaxQueryBytes != 2<<20 {
		t.Fatalf("unexpected max query bytes %d", cfg.MaxQueryBytes)
	}
	if cfg.ReadTimeout != 3*time.Second {
		t.Fatalf("unexpected read timeout %v", cfg.ReadTimeout)
	}
	if cfg.RequestsPerMinute != 42 {
		t.Fatalf("unexpected requests per minute %d", cfg.RequestsPerMinute)
	}
	if cfg.RateLimitEnabled {
		t.Fatal("expected rate limiting disabled")
	}
	if cfg.MetricsListen != "127.0.0.1:9100" {
		t.Fatalf("unexpected metrics listen %q", cfg.MetricsListen)
	}
}

func TestBindConfigLinuxPathFallback(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	path := writeINI(t, "linuxpath = /data/200k.txt\n")
	viper.Set("config", path)
	if _, err := loadConfigFile(); err != nil {
		t.Fatalf("load config: %v", err)
	}

	var cfg linesearchd.Config
	if err := bindConfig(&cfg); err != nil {
		t.Fatalf("bind config: %v", err)
	}
	if cfg.DataPath != "/data/200k.txt" {
		t.Fatalf("expected linuxpath fallback, got %q", cfg.DataPath)
	}
}

func TestBindConfigRejectsBadSizes(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	viper.Set("buffer-size", "lots")
	var cfg linesearchd.Config
	if err := bindConfig(&cfg); err == nil {
		t.Fatal("expected error for unparseable buffer-size")
	}
}

func TestLoadConfigFileMissingExplicitPathFails(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	viper.Set("config", filepath.Join(t.TempDir(), "absent.ini"))
	if _, err := loadConfigFile(); err == nil {
		t.Fatal("expected error for missing explicit config file")
	}
}

func TestRootCommandStructure(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	cmd := newRootCommand(pslog.NoopLogger())
	want := map[string]bool{"cert": false, "query": false, "version": false}
	for _, sub := range cmd.Commands() {
		if _, ok := want[sub.Name()]; ok {
			want[sub.Name()] = true
		}
	}
	for name, seen := range want {
		if !seen {
			t.Fatalf("missing subcommand %q", name)
		}
	}
	for _, flag := range []string{
		"data-path", "reread-on-query", "host", "port", "backlog",
		"max-workers", "cache-capacity", "buffer-size", "max-query-bytes",
		"tls", "tls-cert", "tls-key", "rate-limit", "requests-per-minute",
		"metrics-listen",
	} {
		if cmd.Flags().Lookup(flag) == nil {
			t.Fatalf("missing flag %q", flag)
		}
	}
}

func TestVersionCommandPrintsModule(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	cmd := newVersionCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	if err := cmd.RunE(cmd, nil); err != nil {
		t.Fatalf("version: %v", err)
	}
	if out.Len() == 0 {
		t.Fatal("expected version output")
	}
}
