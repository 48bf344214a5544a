package kafka

import (
	"errors"
	"fmt"

	"github.com/IBM/sarama"
)

const DefaultDriver = "sarama"

var (
	ErrNoBrokers   = errors.New("kafka: no brokers configured")
	ErrEmptyTopics = errors.New("kafka: no topics configured")
	ErrNoGroup     = errors.New("kafka: group_id is required")
)

type Config struct {
	Driver    string   `koanf:"driver"`
	Brokers   []string `koanf:"brokers"`
	Topics    []string `koanf:"topics"`
	GroupID   string   `koanf:"group_id"`
	ClientID  string   `koanf:"client_id"`
	StartFrom string   `koanf:"start_from"` // oldest|newest (default newest)
	Version   string   `koanf:"version"`
	TLSEn     bool     `koanf:"tls_enabled"`
	SASLUser  string   `koanf:"sasl_user"`
	SASLPass  string   `koanf:"sasl_pass"`

	// FetchBuffer bounds how many records one partition hands out before
	// the fetch goroutine blocks; together with pausing it caps a fetch batch.
	FetchBuffer int `koanf:"fetch_buffer"`
}

func (c *Config) ApplyDefaults() {
	if c.Driver == "" {
		c.Driver = DefaultDriver
	}
	if c.StartFrom == "" {
		c.StartFrom = "newest"
	}
	if c.Version == "" {
		c.Version = "2.8.0"
	}
	if c.ClientID == "" {
		c.ClientID = "kworker"
	}
	if c.FetchBuffer <= 0 {
		c.FetchBuffer = 256
	}
}

func (c Config) Validate() error {
	switch {
	case len(c.Brokers) == 0:
		return ErrNoBrokers
	case len(c.Topics) == 0:
		return ErrEmptyTopics
	case c.GroupID == "":
		return ErrNoGroup
	}
	if c.StartFrom != "oldest" && c.StartFrom != "newest" {
		return fmt.Errorf("kafka: start_from %q (want oldest|newest)", c.StartFrom)
	}
	return nil
}

// saramaConfig turns c into a consumer configuration with manual commits.
func (c Config) saramaConfig() (*sarama.Config, error) {
	ver, err := sarama.ParseKafkaVersion(c.Version)
	if err != nil {
		return nil, err
	}
	sc := sarama.NewConfig()
	sc.Version = ver
	sc.ClientID = c.ClientID
	sc.ChannelBufferSize = c.FetchBuffer
	sc.Consumer.Return.Errors = true
	sc.Consumer.Offsets.AutoCommit.Enable = false
	// out-of-range positions are repaired by the worker, not silently reset
	sc.Consumer.Group.ResetInvalidOffsets = false
	if c.TLSEn {
		sc.Net.TLS.Enable = true
	}
	if c.SASLUser != "" {
		sc.Net.SASL.Enable = true
		sc.Net.SASL.User, sc.Net.SASL.Password = c.SASLUser, c.SASLPass
	}
	switch c.StartFrom {
	case "oldest":
		sc.Consumer.Offsets.Initial = sarama.OffsetOldest
	default:
		sc.Consumer.Offsets.Initial = sarama.OffsetNewest
	}
	return sc, nil
}
