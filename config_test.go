package gal

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gogpu/gal/gpucore"
)

func TestParseConfig(t *testing.T) {
	cfg, err := ParseConfig([]byte(`
backends = ["vulkan", "soft"]
adapter = "NVIDIA"
label = "renderer"
validation = true
fence_timeout = "2s"
log_level = "debug"

[[queues]]
family = 0
count = 2

[[queues]]
family = 1
count = 1
`))
	if err != nil {
		t.Fatalf("ParseConfig() error = %v", err)
	}
	if len(cfg.Backends) != 2 || cfg.Backends[0] != "vulkan" || cfg.Backends[1] != "soft" {
		t.Errorf("Backends = %v", cfg.Backends)
	}
	if cfg.Adapter != "NVIDIA" || cfg.Label != "renderer" || !cfg.Validation {
		t.Errorf("Adapter/Label/Validation = %q/%q/%v", cfg.Adapter, cfg.Label, cfg.Validation)
	}
	if cfg.FenceTimeout.Duration != 2*time.Second {
		t.Errorf("FenceTimeout = %v, want 2s", cfg.FenceTimeout)
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Errorf("LogLevel = %v, want DEBUG", cfg.LogLevel)
	}
	if len(cfg.Queues) != 2 || cfg.Queues[0] != (QueueConfig{Family: 0, Count: 2}) || cfg.Queues[1] != (QueueConfig{Family: 1, Count: 1}) {
		t.Errorf("Queues = %+v", cfg.Queues)
	}
}

func TestParseConfigErrors(t *testing.T) {
	tests := []struct {
		name string
		data string
		want string
	}{
		{"unknown key", `backend = "soft"`, "parse config"},
		{"bad duration", `fence_timeout = "soon"`, "parse config"},
		{"zero count", "[[queues]]\nfamily = 0\ncount = 0", "count must be positive"},
		{"negative count", "[[queues]]\nfamily = 1\ncount = -2", "queues[0]"},
		{"not toml", `backends = [`, "parse config"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseConfig([]byte(tt.data))
			if err == nil {
				t.Fatal("ParseConfig() succeeded")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("ParseConfig() error = %q, want it to contain %q", err, tt.want)
			}
		})
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gal.toml")
	if err := os.WriteFile(path, []byte("label = \"from-file\"\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.Label != "from-file" {
		t.Errorf("Label = %q, want from-file", cfg.Label)
	}

	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.toml")); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("LoadConfig(missing) error = %v, want not-exist", err)
	}
}

func TestWithConfigOverrides(t *testing.T) {
	cfg := &Config{
		Backends:     []string{"soft"},
		Label:        "from-config",
		FenceTimeout: Duration{time.Second},
		Queues:       []QueueConfig{{Family: 1, Count: 1}},
	}
	o := defaultOptions()
	for _, opt := range []Option{WithConfig(cfg), WithLabel("explicit"), WithConfig(nil)} {
		opt(&o)
	}
	if o.label != "explicit" {
		t.Errorf("label = %q, want the later WithLabel to win", o.label)
	}
	if o.fenceTimeout != time.Second {
		t.Errorf("fenceTimeout = %v, want 1s", o.fenceTimeout)
	}
	if len(o.queues) != 1 || o.queues[0] != (gpucore.QueueRequest{Family: 1, Count: 1}) {
		t.Errorf("queues = %+v", o.queues)
	}
	if len(o.backends) != 1 || o.backends[0] != "soft" {
		t.Errorf("backends = %v", o.backends)
	}
}

func TestDurationText(t *testing.T) {
	d := Duration{1500 * time.Millisecond}
	text, err := d.MarshalText()
	if err != nil {
		t.Fatalf("MarshalText() error = %v", err)
	}
	var back Duration
	if err := back.UnmarshalText(text); err != nil {
		t.Fatalf("UnmarshalText(%q) error = %v", text, err)
	}
	if back != d {
		t.Errorf("round trip = %v, want %v", back, d)
	}
}
