// Package config loads engine configuration from one or more files merged
// in order, with command line flags layered on top.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	flag "github.com/spf13/pflag"

	"github.com/Tabbuchauhan/pathway/connector"
)

// Config is the root configuration document.
type Config struct {
	Port     string `koanf:"port"`
	LogLevel string `koanf:"log_level"`
	Dev      bool   `koanf:"dev"`

	Engine    Engine             `koanf:"engine"`
	Storage   Storage            `koanf:"storage"`
	Sources   []connector.Config `koanf:"sources"`
	Sinks     []connector.Config `koanf:"sinks"`
	Pipelines []Pipeline         `koanf:"pipelines"`
}

// Engine tunes the execution core.
type Engine struct {
	Workers            int           `koanf:"workers"`
	Enterprise         bool          `koanf:"enterprise"`
	BatchSize          int           `koanf:"batch_size"`
	CheckpointEvery    int           `koanf:"checkpoint_every"`
	CheckpointInterval time.Duration `koanf:"checkpoint_interval"`
	MaxEpochs          int           `koanf:"max_epochs"`
	StopWhenIdle       bool          `koanf:"stop_when_idle"`
}

// Storage selects the checkpoint store backend.
type Storage struct {
	Backend string `koanf:"backend"` // badger or bolt; empty disables persistence
	Dir     string `koanf:"dir"`
}

// Pipeline wires one configured source to one configured sink by name.
type Pipeline struct {
	Name   string `koanf:"name"`
	Source string `koanf:"source"`
	Sink   string `koanf:"sink"`
}

// Load merges the given config files in order, then layers flag values on
// top so the command line always wins.
func Load(paths []string, f *flag.FlagSet) (Config, error) {
	ko := koanf.New(".")
	for _, path := range paths {
		var parser koanf.Parser
		switch path[strings.LastIndex(path, ".")+1:] {
		case "yaml", "yml":
			parser = yaml.Parser()
		case "json":
			parser = json.Parser()
		default:
			return Config{}, fmt.Errorf("config: unsupported file extension in %q", path)
		}
		if err := ko.Load(file.Provider(path), parser); err != nil {
			return Config{}, fmt.Errorf("config: read %q: %w", path, err)
		}
	}
	if f != nil {
		if err := ko.Load(posflag.Provider(f, ".", ko), nil); err != nil {
			return Config{}, fmt.Errorf("config: read flags: %w", err)
		}
	}

	cfg := Config{
		Port:     "8080",
		LogLevel: "info",
		Engine:   Engine{Workers: 4, CheckpointEvery: 10, CheckpointInterval: 30 * time.Second},
		Storage:  Storage{Backend: "badger"},
	}
	if err := ko.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	return cfg, cfg.Validate()
}

// Validate rejects configs that cannot possibly run.
func (c Config) Validate() error {
	sources := map[string]bool{}
	for _, s := range c.Sources {
		if s.Name == "" || s.Kind == "" {
			return fmt.Errorf("config: source needs name and kind, got %+v", s)
		}
		if sources[s.Name] {
			return fmt.Errorf("config: duplicate source %q", s.Name)
		}
		sources[s.Name] = true
	}
	sinks := map[string]bool{}
	for _, s := range c.Sinks {
		if s.Name == "" || s.Kind == "" {
			return fmt.Errorf("config: sink needs name and kind, got %+v", s)
		}
		if sinks[s.Name] {
			return fmt.Errorf("config: duplicate sink %q", s.Name)
		}
		sinks[s.Name] = true
	}
	for _, p := range c.Pipelines {
		if !sources[p.Source] {
			return fmt.Errorf("config: pipeline %q references unknown source %q", p.Name, p.Source)
		}
		if !sinks[p.Sink] {
			return fmt.Errorf("config: pipeline %q references unknown sink %q", p.Name, p.Sink)
		}
	}
	switch c.Storage.Backend {
	case "", "badger", "bolt":
	default:
		return fmt.Errorf("config: unknown storage backend %q", c.Storage.Backend)
	}
	if c.Engine.Workers <= 0 {
		return fmt.Errorf("config: workers must be positive, got %d", c.Engine.Workers)
	}
	return nil
}
