package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/zsprackett/execwatch/internal/config"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.Load("/nonexistent/path/config.json")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.WS.URL != "wss://localhost:7777/ws-linqra" {
		t.Errorf("ws url: got %q", cfg.WS.URL)
	}
	if cfg.WS.ReconnectDelay.Std() != 3*time.Second {
		t.Errorf("reconnect delay: got %v", cfg.WS.ReconnectDelay.Std())
	}
	if cfg.Tracker.TimerSeconds != 30 {
		t.Errorf("timer seconds: got %d", cfg.Tracker.TimerSeconds)
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	os.WriteFile(path, []byte(`{
		"ws": {"url": "ws://broker:9000/ws", "reconnectDelay": "5s"},
		"tracker": {"staleAfter": 20},
		"logLevel": "debug"
	}`), 0644)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.WS.URL != "ws://broker:9000/ws" {
		t.Errorf("got %q", cfg.WS.URL)
	}
	if cfg.WS.ReconnectDelay.Std() != 5*time.Second {
		t.Errorf("reconnect delay: got %v", cfg.WS.ReconnectDelay.Std())
	}
	if cfg.Tracker.StaleAfter.Std() != 20*time.Second {
		t.Errorf("numeric seconds: got %v", cfg.Tracker.StaleAfter.Std())
	}
	// Untouched fields keep their defaults.
	if cfg.WS.ExecutionTopic != "/topic/execution" {
		t.Errorf("execution topic: got %q", cfg.WS.ExecutionTopic)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("log level: got %q", cfg.LogLevel)
	}
}

func TestLoadRejectsBadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	os.WriteFile(path, []byte(`{"ws":{"reconnectDelay":"soon"}}`), 0644)

	if _, err := config.Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"EXECWATCH_WS_URL":    "ws://env/ws",
		"EXECWATCH_API_TOKEN": "tok",
	}
	cfg := config.Defaults()
	cfg.ApplyEnv(func(k string) string { return env[k] })

	if cfg.WS.URL != "ws://env/ws" {
		t.Errorf("ws url: got %q", cfg.WS.URL)
	}
	if cfg.API.Token != "tok" {
		t.Errorf("token: got %q", cfg.API.Token)
	}
	if cfg.API.BaseURL != config.Defaults().API.BaseURL {
		t.Errorf("unset env changed base url: %q", cfg.API.BaseURL)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.json")
	cfg := config.Defaults()
	cfg.Tracker.PollInterval = config.Duration(750 * time.Millisecond)

	if err := config.Save(path, cfg); err != nil {
		t.Fatal(err)
	}
	got, err := config.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if got.Tracker.PollInterval != cfg.Tracker.PollInterval {
		t.Errorf("poll interval: got %v", got.Tracker.PollInterval.Std())
	}
}
