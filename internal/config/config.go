package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/zsprackett/execwatch/internal/notify"
)

// Duration is a time.Duration that reads and writes Go duration strings
// ("3s", "1m30s") in JSON. Bare numbers are taken as seconds.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		var secs float64
		if err := json.Unmarshal(b, &secs); err != nil {
			return fmt.Errorf("duration must be a string or number of seconds: %s", b)
		}
		*d = Duration(secs * float64(time.Second))
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

type WSConfig struct {
	URL            string   `json:"url"`
	ReconnectDelay Duration `json:"reconnectDelay"`
	HandshakeDelay Duration `json:"handshakeDelay"`
	HeartBeat      Duration `json:"heartBeat"`
	ExecutionTopic string   `json:"executionTopic"`
	ExportTopic    string   `json:"exportTopic"` // "" disables the export feed
}

type APIConfig struct {
	BaseURL string   `json:"baseURL"`
	Token   string   `json:"token"`
	Timeout Duration `json:"timeout"`
}

type TrackerConfig struct {
	TimerSeconds int      `json:"timerSeconds"`
	StaleAfter   Duration `json:"staleAfter"`
	TerminalTTL  Duration `json:"terminalTTL"`
	PollInterval Duration `json:"pollInterval"`
	HistoryLimit int      `json:"historyLimit"`
}

type WebserverConfig struct {
	Enabled bool   `json:"enabled"`
	Port    int    `json:"port"`
	Host    string `json:"host"`
}

func (w WebserverConfig) Addr() string {
	return fmt.Sprintf("%s:%d", w.Host, w.Port)
}

type Config struct {
	WS            WSConfig        `json:"ws"`
	API           APIConfig       `json:"api"`
	Tracker       TrackerConfig   `json:"tracker"`
	Notifications notify.Config   `json:"notifications"`
	Webserver     WebserverConfig `json:"webserver"`
	LogDir        string          `json:"logDir"`
	LogLevel      string          `json:"logLevel"`
	DBPath        string          `json:"dbPath"`
}

func Defaults() Config {
	return Config{
		WS: WSConfig{
			URL:            "wss://localhost:7777/ws-linqra",
			ReconnectDelay: Duration(3 * time.Second),
			HandshakeDelay: Duration(100 * time.Millisecond),
			HeartBeat:      Duration(4 * time.Second),
			ExecutionTopic: "/topic/execution",
			ExportTopic:    "/topic/collection-export",
		},
		API: APIConfig{
			BaseURL: "https://localhost:7777",
			Timeout: Duration(10 * time.Second),
		},
		Tracker: TrackerConfig{
			TimerSeconds: 30,
			StaleAfter:   Duration(15 * time.Second),
			TerminalTTL:  Duration(30 * time.Second),
			PollInterval: Duration(2 * time.Second),
			HistoryLimit: 100,
		},
		Webserver: WebserverConfig{
			Enabled: true,
			Port:    8080,
			Host:    "127.0.0.1",
		},
		LogDir:   filepath.Join(Dir(), "logs"),
		LogLevel: "info",
		DBPath:   filepath.Join(Dir(), "state.db"),
	}
}

// Dir is the per-user state directory.
func Dir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".execwatch")
}

func DefaultPath() string {
	return filepath.Join(Dir(), "config.json")
}

// Load reads the config file at path over Defaults. A missing file is not
// an error.
func Load(path string) (Config, error) {
	cfg := Defaults()
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return cfg, err
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv overrides connection settings from the environment.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if getenv == nil {
		getenv = os.Getenv
	}
	if v := getenv("EXECWATCH_WS_URL"); v != "" {
		c.WS.URL = v
	}
	if v := getenv("EXECWATCH_API_URL"); v != "" {
		c.API.BaseURL = v
	}
	if v := getenv("EXECWATCH_API_TOKEN"); v != "" {
		c.API.Token = v
	}
}

// Save writes cfg as indented JSON, creating the parent directory.
func Save(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0600)
}
