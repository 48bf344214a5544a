package spec

import "time"

type LogSection struct {
	Level      string `yaml:"level"`
	JSON       bool   `yaml:"json"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// SharedProducer is one producer connection handed to every worker whose
// sink section sets shared: true.
type SharedProducer struct {
	Driver string `yaml:"driver"` // "kafka", "stdout"
	Config string `yaml:"config"` // file with a sink section
}

type TracingSection struct {
	ServiceName string  `yaml:"service_name"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

type WorkerSpec struct {
	Kind   string `yaml:"kind"`
	Count  int    `yaml:"count"`
	Config string `yaml:"config"` // worker file (source, sink, worker)
}

type File struct {
	SchemaVersion string `yaml:"schema_version"`

	PIDFile         string        `yaml:"pid_file"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MetricsPort     int           `yaml:"metrics_port"`
	HealthPort      int           `yaml:"health_port"`

	Log            LogSection      `yaml:"log"`
	Tracing        TracingSection  `yaml:"tracing"`
	SharedProducer *SharedProducer `yaml:"shared_producer"`

	Workers []WorkerSpec `yaml:"workers"`
}
