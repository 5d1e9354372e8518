package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
)

func TestApplyEnv(t *testing.T) {
	cfg, err := Default()
	if err != nil {
		t.Fatal(err)
	}
	env := map[string]string{
		"STUDIO_LISTEN_ADDR":    ":8080",
		"STUDIO_PROBE_INTERVAL": "50ms",
		"STUDIO_PROBE_ATTEMPTS": "3",
		"STUDIO_SSH_KEY":        "~/keys/id",
	}
	if err := cfg.applyEnv(func(k string) string { return env[k] }); err != nil {
		t.Fatal(err)
	}
	if cfg.ListenAddr != ":8080" {
		t.Errorf("ListenAddr = %q", cfg.ListenAddr)
	}
	if cfg.ProbeInterval != 50*time.Millisecond {
		t.Errorf("ProbeInterval = %v", cfg.ProbeInterval)
	}
	if cfg.ProbeAttempts != 3 {
		t.Errorf("ProbeAttempts = %d", cfg.ProbeAttempts)
	}
	home, _ := os.UserHomeDir()
	if want := filepath.Join(home, "keys", "id"); cfg.SSHKeyPath != want {
		t.Errorf("SSHKeyPath = %q, want %q", cfg.SSHKeyPath, want)
	}
	if cfg.Path != DefaultPath {
		t.Errorf("Path = %q", cfg.Path)
	}
}

func TestApplyEnvRejectsBadValues(t *testing.T) {
	for _, env := range []map[string]string{
		{"STUDIO_PROBE_DELAY": "soon"},
		{"STUDIO_PROBE_ATTEMPTS": "0"},
		{"STUDIO_PROBE_ATTEMPTS": "many"},
	} {
		cfg, _ := Default()
		if err := cfg.applyEnv(func(k string) string { return env[k] }); err == nil {
			t.Errorf("expected error for %v", env)
		}
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	if err := os.WriteFile(envFile, []byte("STUDIO_GATEWAY_WS_PATH=/ws\n"), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("STUDIO_GATEWAY_WS_PATH", "")
	os.Unsetenv("STUDIO_GATEWAY_WS_PATH")

	cfg, err := Load(envFile)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Path != "/ws" {
		t.Errorf("Path = %q, want /ws", cfg.Path)
	}
}

func TestFlagsOverride(t *testing.T) {
	cfg, _ := Default()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	cfg.RegisterFlags(fs)
	if err := fs.Parse([]string{"--path", "/gw", "--probe-attempts", "5"}); err != nil {
		t.Fatal(err)
	}
	if cfg.Path != "/gw" || cfg.ProbeAttempts != 5 {
		t.Errorf("flags not applied: %+v", cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}

	cfg.Path = "gw"
	if err := cfg.Validate(); err == nil {
		t.Error("expected relative path to be rejected")
	}
}

func TestExpandTilde(t *testing.T) {
	home, _ := os.UserHomeDir()
	if got := ExpandTilde("~/a/b"); got != filepath.Join(home, "a", "b") {
		t.Errorf("ExpandTilde = %q", got)
	}
	if got := ExpandTilde("/abs"); got != "/abs" {
		t.Errorf("ExpandTilde = %q", got)
	}
}
