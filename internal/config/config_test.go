package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fleet-server.yml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func clearEnv(t *testing.T) {
	for _, k := range []string{
		"TELEGRAM_BOT_TOKEN", "FLEET_ADMIN_IDS", "DATABASE_URL", "STORAGE_DRIVER",
		"NATS_URL", "LOG_LEVEL", "API_PORT", "WEB_DIR",
	} {
		t.Setenv(k, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.API.Port != 3000 || cfg.Storage.Driver != "sqlite" || cfg.Device.SMSLogLimit != 500 {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
	if cfg.Device.OnlineWindow != time.Minute {
		t.Errorf("online window = %s", cfg.Device.OnlineWindow)
	}
	if cfg.API.Addr() != "0.0.0.0:3000" {
		t.Errorf("Addr = %q", cfg.API.Addr())
	}
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	clearEnv(t)

	path := writeConfig(t, `
api:
  port: 8080
  public_dir: web
telegram:
  token: "123:abc"
  admin_ids: [111, 222]
device:
  online_window: 2m
  sms_log_limit: 50
integrations:
  mqtt:
    enabled: true
    broker_url: tcp://localhost:1883
    topic_pattern: "ops/{device_id}/{event}"
log:
  format: json
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.API.Port != 8080 || cfg.API.PublicDir != "web" {
		t.Errorf("api = %+v", cfg.API)
	}
	if cfg.Telegram.Token != "123:abc" || !reflect.DeepEqual(cfg.Telegram.AdminIDs, []int64{111, 222}) {
		t.Errorf("telegram = %+v", cfg.Telegram)
	}
	if cfg.Device.OnlineWindow != 2*time.Minute || cfg.Device.SMSLogLimit != 50 || cfg.Device.SMSLogPage != 20 {
		t.Errorf("device = %+v", cfg.Device)
	}
	if !cfg.Integrations.MQTT.Enabled || cfg.Integrations.MQTT.TopicPattern != "ops/{device_id}/{event}" {
		t.Errorf("mqtt = %+v", cfg.Integrations.MQTT)
	}
	if cfg.Log.Format != "json" || cfg.Log.Level != "info" {
		t.Errorf("log = %+v", cfg.Log)
	}
}

func TestEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("TELEGRAM_BOT_TOKEN", "env-token")
	t.Setenv("FLEET_ADMIN_IDS", "5, 6")
	t.Setenv("DATABASE_URL", "postgres://u:p@localhost/fleet?sslmode=disable")
	t.Setenv("API_PORT", "9000")
	t.Setenv("WEB_DIR", "/srv/panel")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load(writeConfig(t, "telegram:\n  token: file-token\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Telegram.Token != "env-token" {
		t.Errorf("token = %q", cfg.Telegram.Token)
	}
	if !reflect.DeepEqual(cfg.Telegram.AdminIDs, []int64{5, 6}) {
		t.Errorf("admin ids = %v", cfg.Telegram.AdminIDs)
	}
	if cfg.Storage.Driver != "postgres" || cfg.Storage.DSN == "" {
		t.Errorf("storage = %+v", cfg.Storage)
	}
	if cfg.API.Port != 9000 || cfg.API.PublicDir != "/srv/panel" || cfg.Log.Level != "debug" {
		t.Errorf("cfg = %+v", cfg)
	}
}

func TestStorageDriverEnvWins(t *testing.T) {
	clearEnv(t)
	t.Setenv("DATABASE_URL", "postgres://localhost/fleet")
	t.Setenv("STORAGE_DRIVER", "memory")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Storage.Driver != "memory" {
		t.Errorf("driver = %q", cfg.Storage.Driver)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		body string
		env  map[string]string
	}{
		{name: "bad driver", body: "storage:\n  driver: redis\n"},
		{name: "postgres without dsn", body: "storage:\n  driver: postgres\n"},
		{name: "bad port", body: "api:\n  port: 70000\n"},
		{name: "bad log format", body: "log:\n  format: xml\n"},
		{name: "zero sms limit", body: "device:\n  sms_log_limit: -1\n"},
		{name: "bad yaml", body: "api: [\n"},
		{name: "bad admin ids", env: map[string]string{"FLEET_ADMIN_IDS": "one,two"}},
		{name: "bad port env", env: map[string]string{"API_PORT": "http"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			if _, err := Load(writeConfig(t, tt.body)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	clearEnv(t)
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yml")); err == nil {
		t.Error("expected error for missing file")
	}
}
