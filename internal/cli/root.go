// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package cli implements the livesync command.
package cli

import (
	"io"
	"log/slog"

	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose bool
	JSONLog bool
}

// NewRootCommand creates the root command.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "livesync",
		Short: "Live collection replicas over Postgres or SQLite",
		Long: `livesync serves collections of JSON documents with live change streams,
and includes client commands that read and watch them.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().BoolVar(&opts.JSONLog, "json-log", false, "log as JSON")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewDumpCommand(opts))
	cmd.AddCommand(NewWatchCommand(opts))

	return cmd
}

// logger builds the process logger on w.
func (o *RootOptions) logger(w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	if o.Verbose {
		level = slog.LevelDebug
	}
	handlerOpts := &slog.HandlerOptions{Level: level}
	if o.JSONLog {
		return slog.New(slog.NewJSONHandler(w, handlerOpts))
	}
	return slog.New(slog.NewTextHandler(w, handlerOpts))
}
