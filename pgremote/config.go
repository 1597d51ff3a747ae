// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package pgremote

// Config controls where collection tables live and how change notifications
// are named.
type Config struct {
	// Schema holds one table per collection.
	Schema string
	// ChannelPrefix is prepended to the collection name to form the
	// LISTEN/NOTIFY channel.
	ChannelPrefix string
}

func DefaultConfig() *Config {
	return &Config{
		Schema:        "public",
		ChannelPrefix: "livesync_",
	}
}
