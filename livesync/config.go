// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package livesync

import (
	"log/slog"
	"time"
)

// Config holds engine settings shared by every collection of a Registry.
type Config struct {
	Logger *slog.Logger

	// StatusDisplay is how long Saved and Error stay visible before the status
	// returns to Idle. Zero means the default; negative disables the reset.
	StatusDisplay time.Duration

	// Now stamps the updated_at column of written rows.
	Now func() time.Time

	StageMetrics    StageMetricsRecorder // optional
	LogStageTimings bool
}

// DefaultConfig returns the configuration used when nil is passed.
func DefaultConfig() *Config {
	return &Config{
		Logger:        slog.Default(),
		StatusDisplay: 2 * time.Second,
		Now:           time.Now,
	}
}

// withDefaults fills unset fields without modifying the receiver.
func (c *Config) withDefaults() *Config {
	out := DefaultConfig()
	if c == nil {
		return out
	}
	cp := *c
	if cp.Logger == nil {
		cp.Logger = out.Logger
	}
	if cp.StatusDisplay == 0 {
		cp.StatusDisplay = out.StatusDisplay
	}
	if cp.Now == nil {
		cp.Now = out.Now
	}
	return &cp
}
