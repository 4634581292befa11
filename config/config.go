// Package config holds daemon and client settings.
//
// Config is stored at $XDG_CONFIG_HOME/scrollr/config.yaml (defaults to
// ~/.config/scrollr/config.yaml). A missing file yields Default; fields
// absent from the file keep their default values.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Persistence backends.
const (
	BackendSQLite = "sqlite"
	BackendBadger = "badger"
	BackendFile   = "file"
	BackendMemory = "memory"
)

type Log struct {
	Level  string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	Format string `yaml:"format" validate:"omitempty,oneof=text json"`
}

type Config struct {
	// Socket is the unix socket the gRPC gateway listens on.
	Socket  string `yaml:"socket" validate:"required"`
	DataDir string `yaml:"data-dir" validate:"required"`
	Backend string `yaml:"backend" validate:"oneof=sqlite badger file memory"`
	// HTTPAddr serves the WebSocket gateway, /metrics and /healthz. Empty
	// disables the HTTP listener.
	HTTPAddr       string        `yaml:"http-addr" validate:"omitempty,hostname_port"`
	Log            Log           `yaml:"log"`
	RequestTimeout time.Duration `yaml:"request-timeout" validate:"gt=0"`
	WriteThrottle  time.Duration `yaml:"write-throttle" validate:"gte=0"`
	Tracing        bool          `yaml:"tracing"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Path returns the config file location. It respects XDG_CONFIG_HOME,
// falling back to ~/.config/scrollr/config.yaml.
func Path() string {
	return filepath.Join(xdgDir("XDG_CONFIG_HOME", ".config"), "scrollr", "config.yaml")
}

// Default returns the settings used when no config file exists.
func Default() Config {
	data := filepath.Join(xdgDir("XDG_DATA_HOME", filepath.Join(".local", "share")), "scrollr")
	socket := filepath.Join(data, "scrollr.sock")
	if rt := os.Getenv("XDG_RUNTIME_DIR"); rt != "" {
		socket = filepath.Join(rt, "scrollr.sock")
	}
	return Config{
		Socket:         socket,
		DataDir:        data,
		Backend:        BackendSQLite,
		HTTPAddr:       "127.0.0.1:7420",
		Log:            Log{Level: "info", Format: "text"},
		RequestTimeout: 5 * time.Second,
		WriteThrottle:  50 * time.Millisecond,
	}
}

func xdgDir(env, fallback string) string {
	if dir := os.Getenv(env); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return fallback
	}
	return filepath.Join(home, fallback)
}

// Load reads the config file at path, or Path() when path is empty. If the
// file does not exist, Default is returned (not an error).
func Load(path string) (Config, error) {
	if path == "" {
		path = Path()
	}
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes the config to path, or Path() when path is empty, creating
// directories as needed.
func (c Config) Save(path string) error {
	if path == "" {
		path = Path()
	}
	if err := c.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// Validate reports every invalid field.
func (c Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("validate config: %w", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s: fails %q (got %v)", fe.Namespace(), fe.Tag(), fe.Value()))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}

// StorePath is where the selected backend keeps the persisted record.
func (c Config) StorePath() string {
	switch c.Backend {
	case BackendSQLite:
		return filepath.Join(c.DataDir, "state.db")
	case BackendBadger:
		return filepath.Join(c.DataDir, "badger")
	case BackendFile:
		return filepath.Join(c.DataDir, "records")
	}
	return ""
}

// WebSocketURL is the gateway URL clients dial for HTTPAddr.
func (c Config) WebSocketURL() string {
	return "ws://" + c.HTTPAddr + "/v1/contexts"
}
