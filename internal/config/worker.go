package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"kworker/internal/worker"
	"kworker/source/kafka"
	sinkkafka "kworker/sink/kafka"
	"kworker/sink/stdout"
)

// EnvPrefix marks overrides such as KWORKER__SOURCE__GROUP_ID.
const EnvPrefix = "KWORKER__"

type SinkSection struct {
	Driver string `koanf:"driver"` // kafka|stdout (default kafka)
	// Shared uses the pool's shared producer instead of a private one.
	Shared bool `koanf:"shared"`

	Kafka  sinkkafka.Config `koanf:"kafka"`
	Stdout stdout.Config    `koanf:"stdout"`
}

// DriverConfig returns the config struct matching Driver.
func (s SinkSection) DriverConfig() any {
	if s.Driver == "stdout" {
		return s.Stdout
	}
	return s.Kafka
}

type WorkerFile struct {
	Source kafka.Config  `koanf:"source"`
	Sink   SinkSection   `koanf:"sink"`
	Worker worker.Config `koanf:"worker"`
}

func load(path string) (*koanf.Koanf, error) {
	k := koanf.New(".")
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil &&
			!errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}
	// schema version check (only when YAML is present)
	sv := k.String("schema_version")
	if sv != "" && sv != SupportedSchema {
		return nil, fmt.Errorf("worker schema_version %q not supported (want %s)", sv, SupportedSchema)
	}

	_ = k.Load(env.Provider(EnvPrefix, "__", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	}), nil)
	return k, nil
}

// LoadWorkerFile merges YAML (if present) with env-vars and applies every
// section's defaults. RETRY and FORCE_COMMIT are honoured as well.
func LoadWorkerFile(path string) (WorkerFile, error) {
	var wf WorkerFile
	k, err := load(path)
	if err != nil {
		return wf, err
	}
	if err := k.Unmarshal("", &wf); err != nil {
		return wf, err
	}
	wf.Source.ApplyDefaults()
	if err := wf.Source.Validate(); err != nil {
		return wf, fmt.Errorf("%s: %w", path, err)
	}
	if wf.Sink.Driver == "" {
		wf.Sink.Driver = "kafka"
	}
	if wf.Sink.Driver == "kafka" && !wf.Sink.Shared && len(wf.Sink.Kafka.Brokers) == 0 {
		wf.Sink.Kafka.Brokers = wf.Source.Brokers
	}
	wf.Worker.ApplyEnv()
	wf.Worker.ApplyDefaults()
	if err := wf.Worker.Validate(); err != nil {
		return wf, fmt.Errorf("%s: %w", path, err)
	}
	return wf, nil
}

// LoadSinkFile reads only the sink section; used for the shared producer.
func LoadSinkFile(path string) (SinkSection, error) {
	var s SinkSection
	k, err := load(path)
	if err != nil {
		return s, err
	}
	if err := k.Unmarshal("sink", &s); err != nil {
		return s, err
	}
	if s.Driver == "" {
		s.Driver = "kafka"
	}
	return s, nil
}
