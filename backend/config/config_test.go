package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Errorf("Expected port 8080, got %d", cfg.Server.Port)
	}
	if cfg.App.Name != "barkest" {
		t.Errorf("Expected app name 'barkest', got '%s'", cfg.App.Name)
	}
	if cfg.Session.Backend != SessionBackendDatabase {
		t.Errorf("Expected session backend '%s', got '%s'", SessionBackendDatabase, cfg.Session.Backend)
	}
	if cfg.Logging.AppLog != filepath.Join("./data/logs", "app.log") {
		t.Errorf("Unexpected app log path '%s'", cfg.Logging.AppLog)
	}
	if cfg.Tasks.ShutdownTimeout != 30*time.Second {
		t.Errorf("Expected shutdown timeout 30s, got %v", cfg.Tasks.ShutdownTimeout)
	}
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
app:
  name: "Test App"
  version: "2.0.0"
workdir:
  candidates:
    - /srv/work
session:
  backend: leveldb
  ttl: 1h
logging:
  dir: /var/log/barkest
  level: debug
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("Expected port 9090, got %d", cfg.Server.Port)
	}
	if cfg.App.Name != "Test App" || cfg.App.Version != "2.0.0" {
		t.Errorf("Unexpected app section: %+v", cfg.App)
	}
	if len(cfg.WorkDir.Candidates) != 1 || cfg.WorkDir.Candidates[0] != "/srv/work" {
		t.Errorf("Unexpected workdir candidates: %v", cfg.WorkDir.Candidates)
	}
	if cfg.Session.Backend != SessionBackendLevelDB {
		t.Errorf("Expected leveldb backend, got '%s'", cfg.Session.Backend)
	}
	if cfg.Session.TTL != time.Hour {
		t.Errorf("Expected ttl 1h, got %v", cfg.Session.TTL)
	}
	if cfg.Logging.AppLog != "/var/log/barkest/app.log" {
		t.Errorf("Expected app log under logging dir, got '%s'", cfg.Logging.AppLog)
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	path := writeConfig(t, "server: [not a map")
	if _, err := Load(path); err == nil {
		t.Error("Expected error for invalid YAML")
	}
}

func TestLoadFromEnv(t *testing.T) {
	path := writeConfig(t, `
workdir:
  candidates:
    - /srv/work
`)

	t.Setenv("BARKEST_WORKDIR", "/env/work")
	t.Setenv("DB_PATH", "/env/barkest.db")
	t.Setenv("LOG_DIR", "/env/logs")
	t.Setenv("SESSION_BACKEND", SessionBackendMemory)
	t.Setenv("NATS_URL", "nats://localhost:4222")
	t.Setenv("PORT", "7000")

	cfg, err := LoadFromEnv(path)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if len(cfg.WorkDir.Candidates) != 2 || cfg.WorkDir.Candidates[0] != "/env/work" {
		t.Errorf("Expected env workdir first, got %v", cfg.WorkDir.Candidates)
	}
	if cfg.Database.Path != "/env/barkest.db" {
		t.Errorf("Unexpected database path '%s'", cfg.Database.Path)
	}
	if cfg.Logging.AppLog != filepath.Join("/env/logs", "app.log") {
		t.Errorf("Unexpected app log '%s'", cfg.Logging.AppLog)
	}
	if cfg.Session.Backend != SessionBackendMemory {
		t.Errorf("Unexpected session backend '%s'", cfg.Session.Backend)
	}
	if cfg.Events.NATSURL != "nats://localhost:4222" {
		t.Errorf("Unexpected NATS url '%s'", cfg.Events.NATSURL)
	}
	if cfg.Server.Port != 7000 {
		t.Errorf("Expected port 7000, got %d", cfg.Server.Port)
	}
}

func TestLoadCommandTasks(t *testing.T) {
	path := writeConfig(t, `
tasks:
  commands:
    - name: backup
      title: Nightly backup
      step_timeout: 10m
      env:
        TARGET: /srv/backup
      steps:
        - name: dump
          run: pg_dump app > $TARGET/app.sql
        - name: compress
          run: gzip -f $TARGET/app.sql
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if len(cfg.Tasks.Commands) != 1 {
		t.Fatalf("Expected 1 command task, got %d", len(cfg.Tasks.Commands))
	}
	cmd := cfg.Tasks.Commands[0]
	if cmd.Name != "backup" || cmd.Title != "Nightly backup" {
		t.Errorf("Unexpected command task: %+v", cmd)
	}
	if cmd.StepTimeout != 10*time.Minute {
		t.Errorf("Expected step timeout 10m, got %v", cmd.StepTimeout)
	}
	if cmd.Env["TARGET"] != "/srv/backup" {
		t.Errorf("Unexpected env: %v", cmd.Env)
	}
	if len(cmd.Steps) != 2 || cmd.Steps[1].Run != "gzip -f $TARGET/app.sql" {
		t.Errorf("Unexpected steps: %+v", cmd.Steps)
	}
	if cfg.Tasks.SampleDelay != 500*time.Millisecond {
		t.Errorf("Expected default sample delay, got %v", cfg.Tasks.SampleDelay)
	}
}
