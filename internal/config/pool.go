package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"kworker/internal/spec"
)

const SupportedSchema = "v1"

const DefaultShutdownTimeout = 30 * time.Second

var ErrNoWorkers = errors.New("config: pool declares no workers")

// LoadPoolSpec parses a pool YAML, validates schema_version and returns it
// with every referenced config path made absolute.
func LoadPoolSpec(path string) (spec.File, error) {
	var cfg spec.File
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, err
	}
	if cfg.SchemaVersion == "" {
		cfg.SchemaVersion = SupportedSchema
	}
	if cfg.SchemaVersion != SupportedSchema {
		return cfg, fmt.Errorf("pool schema_version %q not supported (want %q)", cfg.SchemaVersion, SupportedSchema)
	}
	if len(cfg.Workers) == 0 {
		return cfg, ErrNoWorkers
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}

	dir := filepath.Dir(path)
	for i := range cfg.Workers {
		w := &cfg.Workers[i]
		if w.Kind == "" {
			return cfg, fmt.Errorf("pool: workers[%d]: kind is required", i)
		}
		if w.Count < 0 {
			return cfg, fmt.Errorf("pool: workers[%d] (%s): negative count", i, w.Kind)
		}
		if w.Count == 0 {
			w.Count = 1
		}
		w.Config = resolve(dir, w.Config)
	}
	if sp := cfg.SharedProducer; sp != nil {
		sp.Config = resolve(dir, sp.Config)
	}
	return cfg, nil
}

func resolve(dir, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(dir, p)
}
