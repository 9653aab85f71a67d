package gal

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config is the file form of the Open options.
//
//	backends = ["vulkan", "soft"]
//	adapter = "NVIDIA"
//	label = "renderer"
//	validation = true
//	fence_timeout = "2s"
//	log_level = "debug"
//
//	[[queues]]
//	family = 0
//	count = 2
type Config struct {
	Backends     []string      `toml:"backends"`
	Adapter      string        `toml:"adapter"`
	Label        string        `toml:"label"`
	Validation   bool          `toml:"validation"`
	FenceTimeout Duration      `toml:"fence_timeout"`
	LogLevel     slog.Level    `toml:"log_level"`
	Queues       []QueueConfig `toml:"queues"`
}

// QueueConfig requests Count queues of one family.
type QueueConfig struct {
	Family uint32 `toml:"family"`
	Count  int    `toml:"count"`
}

// Duration is a time.Duration written as a Go duration string.
type Duration struct {
	time.Duration
}

// UnmarshalText parses a duration such as "500ms".
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText formats the duration.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// ParseConfig decodes TOML configuration. Unknown keys are rejected.
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("gal: parse config: %w", err)
	}
	for i, q := range cfg.Queues {
		if q.Count <= 0 {
			return nil, fmt.Errorf("gal: parse config: queues[%d]: count must be positive", i)
		}
	}
	return &cfg, nil
}

// LoadConfig reads and decodes a TOML configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("gal: load config: %w", err)
	}
	return ParseConfig(data)
}
