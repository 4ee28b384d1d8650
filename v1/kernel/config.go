package kernel

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	rterrors "github.com/mirkobrombin/go-rtsync/v1/errors"
)

// ConfigVersion is the configuration surface version this package reads.
const ConfigVersion = 1

// Config is the versioned, file-backed kernel configuration.
type Config struct {
	Version    int    `yaml:"version"`
	TickRate   int    `yaml:"tickRate"`
	MaxReaders int    `yaml:"maxReaders"`
	Tracing    bool   `yaml:"tracing"`
	LogLevel   string `yaml:"logLevel"`
}

// LoadConfig decodes and validates a YAML configuration. Unknown fields are
// rejected.
func LoadConfig(r io.Reader) (Config, error) {
	var c Config
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil {
		return Config{}, fmt.Errorf("rtsync: decode config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks the configuration against this version's surface.
func (c Config) Validate() error {
	if c.Version != ConfigVersion {
		return fmt.Errorf("rtsync: config version %d: %w", c.Version, rterrors.ErrInvalidArgument)
	}
	if c.TickRate < 0 {
		return fmt.Errorf("rtsync: tick rate %d: %w", c.TickRate, rterrors.ErrInvalidArgument)
	}
	if c.MaxReaders < 0 || c.MaxReaders > SystemMaxReaders {
		return fmt.Errorf("rtsync: max readers %d: %w", c.MaxReaders, rterrors.ErrInvalidArgument)
	}
	if c.LogLevel != "" {
		var lvl slog.Level
		if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
			return fmt.Errorf("rtsync: log level %q: %w", c.LogLevel, rterrors.ErrInvalidArgument)
		}
	}
	return nil
}

// Options translates the configuration into kernel options.
func (c Config) Options() []Option {
	var opts []Option
	if c.TickRate > 0 {
		opts = append(opts, WithTickRate(c.TickRate))
	}
	if c.MaxReaders > 0 {
		opts = append(opts, WithMaxReaders(c.MaxReaders))
	}
	if c.Tracing {
		opts = append(opts, WithTracing())
	}
	if c.LogLevel != "" {
		var lvl slog.Level
		_ = lvl.UnmarshalText([]byte(c.LogLevel))
		opts = append(opts, WithLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))))
	}
	return opts
}
