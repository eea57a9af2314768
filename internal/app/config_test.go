package app

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
)

func newServeFlags(t *testing.T, args ...string) *pflag.FlagSet {
	t.Helper()
	flags := pflag.NewFlagSet("serve", pflag.ContinueOnError)
	BindServeFlags(flags)
	if err := flags.Parse(args); err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	return flags
}

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("PRESENCE_DATA_DIR", t.TempDir())
	cfg, err := LoadConfig(newServeFlags(t))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.ListenAddr() != ":5000" {
		t.Fatalf("listen addr %q", cfg.ListenAddr())
	}
	if cfg.Presence.InactivityTimeout != 300*time.Second || cfg.Presence.ReapInterval != 5*time.Second {
		t.Fatalf("unexpected presence defaults %+v", cfg.Presence)
	}
	if cfg.Presence.RollupCadence != time.Minute || cfg.Presence.RetentionDays != 30 {
		t.Fatalf("unexpected rollup defaults %+v", cfg.Presence)
	}
	if cfg.DB.QueryTimeout != 5*time.Second || cfg.HTTP.WSPath != "/ws" {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if filepath.Base(cfg.DB.Path) != "presence.db" {
		t.Fatalf("unexpected db path %q", cfg.DB.Path)
	}
}

func TestLoadConfigEnvironment(t *testing.T) {
	t.Setenv("PORT", "8123")
	t.Setenv("SECRET_KEY", "s3cret")
	t.Setenv("PRESENCE_PRESENCE_INACTIVITY_TIMEOUT", "45s")
	t.Setenv("PRESENCE_DB_PATH", filepath.Join(t.TempDir(), "env.db"))
	t.Setenv("PRESENCE_LEVEL", "debug")

	cfg, err := LoadConfig(newServeFlags(t))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.ListenAddr() != ":8123" || cfg.SecretKey != "s3cret" {
		t.Fatalf("legacy env ignored: %+v", cfg)
	}
	if cfg.Presence.InactivityTimeout != 45*time.Second || cfg.Level != "debug" {
		t.Fatalf("prefixed env ignored: %+v", cfg)
	}
	if filepath.Base(cfg.DB.Path) != "env.db" {
		t.Fatalf("db path %q", cfg.DB.Path)
	}
}

func TestLoadConfigFlagsOverrideFile(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "presence.yaml")
	content := "http:\n  addr: 127.0.0.1:9000\n  ws_path: live\npresence:\n  retention_days: 7\n  inactivity_timeout: 120s\n"
	if err := os.WriteFile(file, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadConfig(newServeFlags(t, "--config", file, "--retention-days", "3", "--db", filepath.Join(dir, "flag.db")))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.ListenAddr() != "127.0.0.1:9000" || cfg.HTTP.WSPath != "/live" {
		t.Fatalf("file values ignored: %+v", cfg.HTTP)
	}
	if cfg.Presence.InactivityTimeout != 120*time.Second {
		t.Fatalf("file duration ignored: %v", cfg.Presence.InactivityTimeout)
	}
	if cfg.Presence.RetentionDays != 3 {
		t.Fatalf("flag should win over file: %d", cfg.Presence.RetentionDays)
	}
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	t.Setenv("PRESENCE_DATA_DIR", t.TempDir())
	if _, err := LoadConfig(newServeFlags(t, "--inactivity", "0s")); err == nil {
		t.Fatalf("expected error for zero inactivity timeout")
	}
	if _, err := LoadConfig(newServeFlags(t, "--retention-days", "-1")); err == nil {
		t.Fatalf("expected error for negative retention")
	}
}

func TestNormalizeWSPath(t *testing.T) {
	cases := map[string]string{"": "/ws", "ws": "/ws", "/live": "/live"}
	for in, want := range cases {
		if got := NormalizeWSPath(in); got != want {
			t.Errorf("NormalizeWSPath(%q) = %q, want %q", in, got, want)
		}
	}
}
