package cachestorage

import (
	"fmt"
	"os"
	"time"

	"github.com/always-cache/cache-storage/backend"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// FileConfig is the configuration file of the cache storage service.
type FileConfig struct {
	// Address to listen on, e.g. ":8080".
	Listen  string         `yaml:"listen"`
	Backend backend.Config `yaml:"backend"`
	Fetch   FetchConfig    `yaml:"fetch"`
	Log     LogConfig      `yaml:"log"`
}

type FetchConfig struct {
	// Timeout for fetches made by add requests. Zero means no timeout.
	Timeout time.Duration `yaml:"timeout"`
}

type LogConfig struct {
	// One of the zerolog level names, "debug" if empty.
	Level string `yaml:"level"`
	// Log file to write to in addition to stdout.
	File string `yaml:"file"`
}

// DefaultFileConfig returns the configuration used when no file is given.
func DefaultFileConfig() FileConfig {
	return FileConfig{
		Listen:  ":8080",
		Backend: backend.Config{Driver: backend.DialectSQLite, DSN: "cache.db"},
		Fetch:   FetchConfig{Timeout: 30 * time.Second},
		Log:     LogConfig{Level: "debug"},
	}
}

// LoadConfig reads a YAML configuration file.
// Fields missing from the file keep their default values.
func LoadConfig(filename string) (FileConfig, error) {
	config := DefaultFileConfig()
	configBytes, err := os.ReadFile(filename)
	if err != nil {
		return config, err
	}
	if err = yaml.Unmarshal(configBytes, &config); err != nil {
		return config, fmt.Errorf("cannot parse config %s: %w", filename, err)
	}
	return config, config.validate()
}

func (c FileConfig) validate() error {
	if c.Log.Level != "" {
		if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
			return fmt.Errorf("invalid log level %q: %w", c.Log.Level, err)
		}
	}
	if c.Fetch.Timeout < 0 {
		return fmt.Errorf("invalid fetch timeout %s", c.Fetch.Timeout)
	}
	return nil
}

// LogLevel returns the configured log level.
func (c FileConfig) LogLevel() zerolog.Level {
	level, err := zerolog.ParseLevel(c.Log.Level)
	if err != nil || c.Log.Level == "" {
		return zerolog.DebugLevel
	}
	return level
}
