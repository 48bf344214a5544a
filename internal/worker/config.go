package worker

import (
	"fmt"
	"os"
	"strings"
	"time"
)

type CommitMode string

const (
	CommitMarker CommitMode = "marker" // group commit through the fetch checkpoint
	CommitOffset CommitMode = "offset" // positional commit of offset+1
)

type OffsetReset string

const (
	ResetEarliest OffsetReset = "earliest"
	ResetLatest   OffsetReset = "latest"
)

const (
	DefaultTraceTopic      = "MessageTrace"
	DefaultMaxSendCount    = 100
	DefaultMaxMessageBytes = 2 << 20
	DefaultRetryDelay      = 5 * time.Second
)

// Config is the engine section of a worker file. It is copied into the
// worker at construction and never changed afterwards.
type Config struct {
	RetryTopic          string `koanf:"retry_topic"`
	TraceTopic          string `koanf:"trace_topic"`
	MaxSendMessageCount int    `koanf:"max_send_message_count"`
	// MessageTracking defaults to true when unset.
	MessageTracking *bool `koanf:"message_tracking"`
	IsRetry         bool  `koanf:"is_retry"`
	RetryDisabled   bool  `koanf:"retry_disabled"`
	ForceCommit     bool  `koanf:"force_commit"`

	CommitMode       CommitMode    `koanf:"commit_mode"`
	OffsetReset      OffsetReset   `koanf:"offset_reset"`
	RetryDelay       time.Duration `koanf:"retry_delay"`
	CommitRetryDelay time.Duration `koanf:"commit_retry_delay"`
	MaxMessageBytes  int           `koanf:"max_message_bytes"`
}

func (c *Config) ApplyDefaults() {
	if c.TraceTopic == "" {
		c.TraceTopic = DefaultTraceTopic
	}
	if c.MaxSendMessageCount <= 0 {
		c.MaxSendMessageCount = DefaultMaxSendCount
	}
	if c.MessageTracking == nil {
		on := true
		c.MessageTracking = &on
	}
	if c.CommitMode == "" {
		c.CommitMode = CommitMarker
	}
	if c.OffsetReset == "" {
		c.OffsetReset = ResetEarliest
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	if c.CommitRetryDelay <= 0 {
		c.CommitRetryDelay = DefaultRetryDelay
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = DefaultMaxMessageBytes
	}
}

// ApplyEnv honours the operator overrides RETRY=false and FORCE_COMMIT=true.
func (c *Config) ApplyEnv() {
	if strings.EqualFold(os.Getenv("RETRY"), "false") {
		c.RetryDisabled = true
	}
	if strings.EqualFold(os.Getenv("FORCE_COMMIT"), "true") {
		c.ForceCommit = true
	}
}

func (c Config) Tracking() bool {
	return c.MessageTracking == nil || *c.MessageTracking
}

func (c Config) Validate() error {
	if c.RetryTopic == "" && !c.RetryDisabled {
		return fmt.Errorf("worker: retry_topic is required unless retry_disabled is set")
	}
	if c.CommitMode != CommitMarker && c.CommitMode != CommitOffset {
		return fmt.Errorf("worker: commit_mode %q (want marker|offset)", c.CommitMode)
	}
	if c.OffsetReset != ResetEarliest && c.OffsetReset != ResetLatest {
		return fmt.Errorf("worker: offset_reset %q (want earliest|latest)", c.OffsetReset)
	}
	if c.MaxSendMessageCount <= 0 {
		return fmt.Errorf("worker: max_send_message_count must be positive")
	}
	return nil
}
