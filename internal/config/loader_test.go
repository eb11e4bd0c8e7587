package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/llm-perf/perf-hub/internal/config"
	"github.com/llm-perf/perf-hub/internal/logging"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(content), 0600); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	return dir
}

const baseContent = `
service:
  port: 8080
  ready_file: "/tmp/repo-ready"
  termination_file: "/tmp/termination-log"
database:
  driver: sqlite
  url: "file::memory:?mode=memory&cache=shared"
dispatcher:
  workers: 2
  lease_ttl: 45s
env:
  mappings:
    perf_hub_port: service.port
    perf_hub_tool: runner.tool
`

func TestLoadConfig(t *testing.T) {
	logger := logging.DiscardLogger()
	now := time.Now().Format(time.RFC3339)

	t.Run("loading the bundled config", func(t *testing.T) {
		serviceConfig, err := config.LoadConfig(logger, "0.0.1", "local", now, "../../config")
		if err != nil {
			t.Fatalf("Failed to load config: %v", err)
		}
		if serviceConfig.Service.Version != "0.0.1" {
			t.Fatalf("Expected version 0.0.1, got %s", serviceConfig.Service.Version)
		}
		if serviceConfig.Runner.Commands.Benchmark["ft"] == "" || serviceConfig.Runner.Commands.Benchmark["amaas"] == "" {
			t.Fatalf("Benchmark templates are missing: %v", serviceConfig.Runner.Commands.Benchmark)
		}
	})

	t.Run("defaults are applied to unset values", func(t *testing.T) {
		serviceConfig, err := config.LoadConfig(logger, "0.0.1", "local", now, writeConfig(t, baseContent))
		if err != nil {
			t.Fatalf("Failed to load config: %v", err)
		}
		if serviceConfig.Dispatcher.Workers != 2 {
			t.Fatalf("Expected 2 workers, got %d", serviceConfig.Dispatcher.Workers)
		}
		if serviceConfig.Dispatcher.LeaseTTL != 45*time.Second {
			t.Fatalf("Expected lease ttl 45s, got %s", serviceConfig.Dispatcher.LeaseTTL)
		}
		if serviceConfig.Dispatcher.PollInterval != 2*time.Second {
			t.Fatalf("Expected default poll interval 2s, got %s", serviceConfig.Dispatcher.PollInterval)
		}
		if serviceConfig.Runner.LaunchPolicy != config.LaunchPolicyOnce {
			t.Fatalf("Expected launch policy once, got %s", serviceConfig.Runner.LaunchPolicy)
		}
		if serviceConfig.Dispatcher.Owner == "" {
			t.Fatalf("Dispatcher owner should be generated")
		}
	})

	t.Run("setting environment variables", func(t *testing.T) {
		t.Setenv("PERF_HUB_PORT", "9999")
		t.Setenv("PERF_HUB_TOOL", "/opt/appauto/bin/appauto")
		serviceConfig, err := config.LoadConfig(logger, "0.0.1", "local", now, writeConfig(t, baseContent))
		if err != nil {
			t.Fatalf("Failed to load config: %v", err)
		}
		if serviceConfig.Service.Port != 9999 {
			t.Fatalf("Port is not 9999, got %d", serviceConfig.Service.Port)
		}
		if serviceConfig.Runner.Tool != "/opt/appauto/bin/appauto" {
			t.Fatalf("Unexpected tool %s", serviceConfig.Runner.Tool)
		}
	})

	t.Run("invalid values fail validation", func(t *testing.T) {
		_, err := config.LoadConfig(logger, "0.0.1", "local", now, writeConfig(t, baseContent+`
runner:
  launch_policy: sometimes
`))
		if err == nil {
			t.Fatalf("Expected a validation error for the launch policy")
		}
	})

	t.Run("CONFIG_PATH overrides base config values", func(t *testing.T) {
		baseDir := writeConfig(t, baseContent)
		operatorDir := writeConfig(t, `
database:
  driver: pgx
  url: "postgres://localhost:5432/perf_hub"
dispatcher:
  workers: 8
`)
		t.Setenv(config.EnvVarConfigPath, filepath.Join(operatorDir, "config.yaml"))

		serviceConfig, err := config.LoadConfig(logger, "0.0.1", "local", now, baseDir)
		if err != nil {
			t.Fatalf("Failed to load config: %v", err)
		}
		db := *serviceConfig.Database
		if driver, ok := db["driver"]; !ok || driver.(string) != "pgx" {
			t.Fatalf("Expected database driver pgx from CONFIG_PATH, got %v", db["driver"])
		}
		if serviceConfig.Service.Port != 8080 {
			t.Fatalf("Expected port 8080 from base config, got %d", serviceConfig.Service.Port)
		}
		if serviceConfig.Dispatcher.Workers != 8 {
			t.Fatalf("Expected 8 workers from CONFIG_PATH, got %d", serviceConfig.Dispatcher.Workers)
		}
		// sibling keys of an overridden section survive
		if serviceConfig.Dispatcher.LeaseTTL != 45*time.Second {
			t.Fatalf("Expected lease ttl 45s from base config, got %s", serviceConfig.Dispatcher.LeaseTTL)
		}
	})

	t.Run("CONFIG_PATH replaces bundled secret mappings", func(t *testing.T) {
		secretsDir := t.TempDir()
		baseDir := writeConfig(t, baseContent+`
secrets:
  dir: `+secretsDir+`
  mappings:
    db_password: database.password
`)
		operatorDir := writeConfig(t, `
secrets:
  dir: `+secretsDir+`
  mappings:
    db-url:optional: database.url
`)
		t.Setenv(config.EnvVarConfigPath, filepath.Join(operatorDir, "config.yaml"))

		// the bundled db_password mapping is gone so the missing file is not an error
		serviceConfig, err := config.LoadConfig(logger, "0.0.1", "local", now, baseDir)
		if err != nil {
			t.Fatalf("Failed to load config: %v", err)
		}
		if serviceConfig == nil {
			t.Fatalf("Service config is nil")
		}
	})

	t.Run("loading config from secrets directory", func(t *testing.T) {
		secretsDir := t.TempDir()
		secret := "mysecret"
		if err := os.WriteFile(filepath.Join(secretsDir, "db_password"), []byte(secret+"\n"), 0600); err != nil {
			t.Fatalf("Failed to create secret: %v", err)
		}
		serviceConfig, err := config.LoadConfig(logger, "0.0.1", "local", now, writeConfig(t, baseContent+`
secrets:
  dir: `+secretsDir+`
  mappings:
    db_password: database.password
    missing:optional: database.user
`))
		if err != nil {
			t.Fatalf("Failed to load config: %v", err)
		}
		db := *serviceConfig.Database
		if password, ok := db["password"]; !ok || password.(string) != secret {
			t.Fatalf("Database password is not %s, got %v", secret, db["password"])
		}
		if _, ok := db["user"]; ok {
			t.Fatalf("Optional missing secret should not set a value")
		}
	})

	t.Run("missing required secret fails", func(t *testing.T) {
		secretsDir := t.TempDir()
		_, err := config.LoadConfig(logger, "0.0.1", "local", now, writeConfig(t, baseContent+`
secrets:
  dir: `+secretsDir+`
  mappings:
    db_password: database.password
`))
		if err == nil {
			t.Fatalf("Expected an error for the missing secret file")
		}
	})
}
