// SPDX-License-Identifier: AGPL-3.0-only

// Package config provides the engine configuration and its TOML loader.
package config

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	defaultTickDurationMS      = 15.625
	defaultHistoryWindowTicks  = 64
	defaultInputLeadMin        = 2
	defaultInputLeadMax        = 16
	defaultKeepaliveTimeoutMS  = 5000
	defaultMTUBytes            = 1200
	defaultMaxMessageSizeBytes = 65535
	defaultResyncThreshold     = 30
	defaultInterpolationFloor  = 2
	defaultHandshakeRetries    = 10
)

// Config is the recognized engine option set.  Zero values are replaced by
// defaults in FixupAndValidate.
type Config struct {
	// ProtocolID stamps every packet; both sides must agree.
	ProtocolID uint64 `toml:"protocol_id"`

	// TickDurationMS is the simulation step in milliseconds.
	TickDurationMS float64 `toml:"tick_duration_ms"`

	// HistoryWindowTicks bounds the retained per tick state.
	HistoryWindowTicks int `toml:"history_window_ticks"`

	// InputLeadTicksMin and InputLeadTicksMax clamp the estimated input
	// lead.
	InputLeadTicksMin int `toml:"input_lead_ticks_min"`
	InputLeadTicksMax int `toml:"input_lead_ticks_max"`

	// KeepaliveTimeoutMS is the silence interval after which a peer is
	// considered gone.
	KeepaliveTimeoutMS int `toml:"keepalive_timeout_ms"`

	// MTUBytes bounds assembled datagrams.
	MTUBytes int `toml:"mtu_bytes"`

	// MaxMessageSizeBytes bounds a reliable message before
	// fragmentation.
	MaxMessageSizeBytes int `toml:"max_message_size_bytes"`

	// InterpolationDelayTicks fixes the interpolation delay; 0 selects
	// automatic estimation, never below InterpolationFloor(), which is a
	// fixed constant rather than a setting.
	InterpolationDelayTicks int `toml:"interpolation_delay_ticks"`

	// ResyncThresholdTicks is the clock divergence past which the client
	// snaps instead of nudging.
	ResyncThresholdTicks int `toml:"resync_threshold_ticks"`

	// HandshakeRetries bounds connect attempts.
	HandshakeRetries int `toml:"handshake_retries"`
}

// Load reads a TOML config file.
func Load(path string) (*Config, error) {
	cfg := new(Config)
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the default configuration.
func Default() *Config {
	cfg := new(Config)
	if err := cfg.FixupAndValidate(); err != nil {
		panic(err)
	}
	return cfg
}

// FixupAndValidate applies defaults to zero fields and rejects unusable
// combinations.
func (c *Config) FixupAndValidate() error {
	if c.ProtocolID == 0 {
		c.ProtocolID = 0x6E74636B00000001 // "ntck" v1
	}
	if c.TickDurationMS == 0 {
		c.TickDurationMS = defaultTickDurationMS
	}
	if c.HistoryWindowTicks == 0 {
		c.HistoryWindowTicks = defaultHistoryWindowTicks
	}
	if c.InputLeadTicksMin == 0 {
		c.InputLeadTicksMin = defaultInputLeadMin
	}
	if c.InputLeadTicksMax == 0 {
		c.InputLeadTicksMax = defaultInputLeadMax
	}
	if c.KeepaliveTimeoutMS == 0 {
		c.KeepaliveTimeoutMS = defaultKeepaliveTimeoutMS
	}
	if c.MTUBytes == 0 {
		c.MTUBytes = defaultMTUBytes
	}
	if c.MaxMessageSizeBytes == 0 {
		c.MaxMessageSizeBytes = defaultMaxMessageSizeBytes
	}
	if c.ResyncThresholdTicks == 0 {
		c.ResyncThresholdTicks = defaultResyncThreshold
	}
	if c.HandshakeRetries == 0 {
		c.HandshakeRetries = defaultHandshakeRetries
	}

	if c.TickDurationMS <= 0 {
		return fmt.Errorf("config: tick_duration_ms %v must be positive", c.TickDurationMS)
	}
	if c.HistoryWindowTicks <= 0 || 65536%c.HistoryWindowTicks != 0 {
		return fmt.Errorf("config: history_window_ticks %d must evenly divide 65536", c.HistoryWindowTicks)
	}
	if c.InputLeadTicksMin > c.InputLeadTicksMax {
		return fmt.Errorf("config: input_lead_ticks_min %d exceeds max %d", c.InputLeadTicksMin, c.InputLeadTicksMax)
	}
	if c.MTUBytes < 128 {
		return fmt.Errorf("config: mtu_bytes %d is too small", c.MTUBytes)
	}
	if c.InterpolationDelayTicks < 0 {
		return fmt.Errorf("config: interpolation_delay_ticks must not be negative")
	}
	if c.ResyncThresholdTicks >= c.HistoryWindowTicks {
		return fmt.Errorf("config: resync_threshold_ticks %d must be below history_window_ticks %d",
			c.ResyncThresholdTicks, c.HistoryWindowTicks)
	}
	return nil
}

// TickDuration returns the simulation step as a time.Duration.
func (c *Config) TickDuration() time.Duration {
	return time.Duration(c.TickDurationMS * float64(time.Millisecond))
}

// KeepaliveTimeout returns the keepalive timeout as a time.Duration.
func (c *Config) KeepaliveTimeout() time.Duration {
	return time.Duration(c.KeepaliveTimeoutMS) * time.Millisecond
}

// InterpolationFloor is the minimum interpolation delay in ticks when the
// delay is estimated automatically.
func (c *Config) InterpolationFloor() int {
	return defaultInterpolationFloor
}
