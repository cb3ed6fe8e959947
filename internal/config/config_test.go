package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	if cfg.Root == "" {
		t.Fatal("empty default root")
	}
	if cfg.StopGrace != 5*time.Second {
		t.Fatalf("stop grace = %v", cfg.StopGrace)
	}
	if cfg.Server.Addr != ":8560" || cfg.Server.BasePath != "/api/v1" {
		t.Fatalf("server defaults: %+v", cfg.Server)
	}
	if cfg.History.Enabled {
		t.Fatal("history enabled by default")
	}
}

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg != Default() {
		t.Fatalf("got %+v", cfg)
	}
}

func TestLoadTOMLOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tracelane.toml")
	body := `
root = "/data/tracelane"
stop_grace = "10s"

[server]
addr = ":9000"
base_path = "/profiler"

[log]
level = "debug"
file = "/var/log/tracelane.log"

[history]
enabled = true
path = "/data/tracelane/history.sqlite"
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Root != "/data/tracelane" || cfg.StopGrace != 10*time.Second {
		t.Fatalf("core fields: %+v", cfg)
	}
	if cfg.Server.Addr != ":9000" || cfg.Server.BasePath != "/profiler" {
		t.Fatalf("server: %+v", cfg.Server)
	}
	if cfg.Log.Level != "debug" || cfg.Log.File != "/var/log/tracelane.log" {
		t.Fatalf("log: %+v", cfg.Log)
	}
	if !cfg.History.Enabled || cfg.History.Path != "/data/tracelane/history.sqlite" {
		t.Fatalf("history: %+v", cfg.History)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.toml")); err == nil {
		t.Fatal("expected an error")
	}
}

func TestResolveRootRejectsRemote(t *testing.T) {
	for _, root := range []string{"s3://bucket/runs", "nfs://host/share", "gs://bucket"} {
		if _, err := ResolveRoot(root); !errors.Is(err, ErrRemoteStorage) {
			t.Errorf("%s: err = %v, want ErrRemoteStorage", root, err)
		}
	}
}

func TestResolveRootCreatesDirectory(t *testing.T) {
	want := filepath.Join(t.TempDir(), "nested", "runs")
	got, err := ResolveRoot(want)
	if err != nil {
		t.Fatalf("ResolveRoot: %v", err)
	}
	if got != want {
		t.Fatalf("resolved %q, want %q", got, want)
	}
	st, err := os.Stat(got)
	if err != nil || !st.IsDir() {
		t.Fatalf("root not created: %v", err)
	}
}

func TestResolveRootRejectsEmpty(t *testing.T) {
	if _, err := ResolveRoot("   "); err == nil {
		t.Fatal("expected an error")
	}
}
