// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mobiletoly/go-livesync/livesync"
)

// NewDumpCommand creates the dump command.
func NewDumpCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ClientOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "dump <collection>",
		Short: "Print every document of a collection as JSON",
		Long: `Fetch a collection from the server and print its documents, one JSON
object per line, with the id merged into each object.

Example:
  livesync dump products --user alice
  livesync dump employees --server https://sync.example.com --token $TOKEN`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			remote, err := opts.remote(ctx)
			if err != nil {
				return err
			}
			rows, err := remote.FetchAll(ctx, args[0])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			for _, row := range rows {
				doc, err := livesync.DecodeRow[livesync.Document](row)
				if err != nil {
					return fmt.Errorf("failed to decode row %s: %w", row.ID, err)
				}
				if err := enc.Encode(doc); err != nil {
					return err
				}
			}
			return nil
		},
	}
	opts.addFlags(cmd)

	return cmd
}
