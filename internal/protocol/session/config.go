package session

import (
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/uclink/internal/protocol/packet"
	"github.com/danmuck/uclink/internal/protocol/reassembler"
	"github.com/danmuck/uclink/internal/protocol/sender"
)

// BackoffConfig defines reconnect backoff behavior.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// Config defines the per-link protocol settings. The packet limit is fixed
// for the life of the link.
type Config struct {
	Name               string
	Limits             packet.Limits
	Retries            int
	AckTimeout         time.Duration
	MaxStaging         int
	QueueDepth         int
	AutoAck            bool
	StreamKeys         []packet.MajorKey
	Reconnect          bool
	MaxConnectAttempts int
	Backoff            BackoffConfig
}

func DefaultConfig() Config {
	return Config{
		Name:       "link",
		Limits:     packet.DefaultLimits(),
		Retries:    sender.DefaultPacketRetries,
		AckTimeout: 500 * time.Millisecond,
		MaxStaging: reassembler.DefaultMaxStaging,
		QueueDepth: 256,
		AutoAck:    true,
		StreamKeys: reassembler.DefaultStreamKeys(),
		Reconnect:  true,
		Backoff: BackoffConfig{
			InitialDelay: 250 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     5 * time.Second,
			Jitter:       true,
		},
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("link config missing name")
	}
	if err := c.Limits.Validate(); err != nil {
		return err
	}
	if c.Retries < 0 {
		return fmt.Errorf("packet_retries must be >= 0 (got %d)", c.Retries)
	}
	if c.AckTimeout <= 0 {
		return fmt.Errorf("ack_timeout must be positive")
	}
	if need := reassembler.MinStaging(c.Limits); c.MaxStaging < need {
		return fmt.Errorf("max_staging_bytes must hold one frame (>= %d, got %d)", need, c.MaxStaging)
	}
	if c.QueueDepth < 1 {
		return fmt.Errorf("queue_depth must be >= 1 (got %d)", c.QueueDepth)
	}
	if c.MaxConnectAttempts < 0 {
		return fmt.Errorf("max_connect_attempts must be >= 0 (got %d)", c.MaxConnectAttempts)
	}
	for _, k := range c.StreamKeys {
		if k.Reserved() {
			return fmt.Errorf("stream key %s is reserved", k)
		}
	}
	if c.Backoff.InitialDelay < 0 || c.Backoff.MaxDelay < 0 {
		return fmt.Errorf("backoff delays must be >= 0")
	}
	return nil
}

func (c Config) senderConfig() sender.Config {
	return sender.Config{Limits: c.Limits, Retries: c.Retries, AckTimeout: c.AckTimeout}
}

func (c Config) reassemblerConfig() reassembler.Config {
	return reassembler.Config{Limits: c.Limits, MaxStaging: c.MaxStaging, StreamKeys: c.StreamKeys}
}
