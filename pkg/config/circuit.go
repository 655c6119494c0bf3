package config

import (
	"fmt"
	"time"
)

// CircuitConfig contains transport tuning options. Durations are
// expressed in milliseconds so they can be set from YAML or environment
// variables without unit suffixes.
type CircuitConfig struct {
	ResendIntervalMS   int `mapstructure:"resend_interval_ms"`
	MaxRetries         int `mapstructure:"max_retries"`
	AckFlushMS         int `mapstructure:"ack_flush_ms"`
	MaxBatchedAcks     int `mapstructure:"max_batched_acks"`
	SeenWindow         int `mapstructure:"seen_window"`
	HandshakeTimeoutMS int `mapstructure:"handshake_timeout_ms"`
	MaxPacketSize      int `mapstructure:"max_packet_size"`
}

// DefaultCircuit returns the standard transport tuning.
func DefaultCircuit() CircuitConfig {
	return CircuitConfig{
		ResendIntervalMS:   3000,
		MaxRetries:         3,
		AckFlushMS:         500,
		MaxBatchedAcks:     10,
		SeenWindow:         256,
		HandshakeTimeoutMS: 15000,
		MaxPacketSize:      1200,
	}
}

func (c *CircuitConfig) validate() error {
	if c.MaxPacketSize < 64 {
		return fmt.Errorf("circuit.max_packet_size %d too small", c.MaxPacketSize)
	}
	if c.MaxBatchedAcks < 1 || c.MaxBatchedAcks > 255 {
		return fmt.Errorf("circuit.max_batched_acks %d outside 1..255", c.MaxBatchedAcks)
	}
	if c.ResendIntervalMS <= 0 || c.AckFlushMS <= 0 || c.HandshakeTimeoutMS <= 0 {
		return fmt.Errorf("circuit timers must be positive")
	}
	if c.SeenWindow <= 0 {
		return fmt.Errorf("circuit.seen_window must be positive")
	}
	return nil
}

func (c CircuitConfig) ResendInterval() time.Duration   { return time.Duration(c.ResendIntervalMS) * time.Millisecond }
func (c CircuitConfig) AckFlush() time.Duration         { return time.Duration(c.AckFlushMS) * time.Millisecond }
func (c CircuitConfig) HandshakeTimeout() time.Duration { return time.Duration(c.HandshakeTimeoutMS) * time.Millisecond }
