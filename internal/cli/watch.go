// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mobiletoly/go-livesync/livesync"
)

// NewWatchCommand creates the watch command.
func NewWatchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ClientOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "watch <collection>",
		Short: "Keep a live replica of a collection and print every change",
		Long: `Open a live replica of a collection, print its snapshot, then print every
change event and status transition until interrupted.

Example:
  livesync watch tasks --user alice`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()

			remote, err := opts.remote(ctx)
			if err != nil {
				return err
			}
			return runWatch(ctx, remote, args[0], opts.logger(os.Stderr), cmd.OutOrStdout())
		},
	}
	opts.addFlags(cmd)

	return cmd
}

// tapRemote reports every change event after the replica has applied it.
type tapRemote struct {
	livesync.Remote
	tap func(livesync.ChangeEvent)
}

func (r tapRemote) Subscribe(ctx context.Context, collection string, onEvent func(livesync.ChangeEvent)) (livesync.Subscription, error) {
	return r.Remote.Subscribe(ctx, collection, func(ev livesync.ChangeEvent) {
		onEvent(ev)
		r.tap(ev)
	})
}

// watchLine is one line of watch output.
type watchLine struct {
	Kind   string              `json:"kind"`
	Op     string              `json:"op,omitempty"`
	ID     string              `json:"id,omitempty"`
	Status string              `json:"status,omitempty"`
	Error  string              `json:"error,omitempty"`
	Size   int                 `json:"size"`
	Items  []livesync.Document `json:"items,omitempty"`
}

func runWatch(ctx context.Context, remote livesync.Remote, name string, logger *slog.Logger, out io.Writer) error {
	var (
		mu   sync.Mutex
		enc  = json.NewEncoder(out)
		coll *livesync.Collection[livesync.Document]
	)
	emit := func(line watchLine) {
		mu.Lock()
		defer mu.Unlock()
		if coll != nil {
			line.Size = len(coll.Read())
		}
		_ = enc.Encode(line)
	}

	reg := livesync.NewRegistry(tapRemote{Remote: remote, tap: func(ev livesync.ChangeEvent) {
		emit(watchLine{Kind: "change", Op: ev.Op, ID: ev.ID})
	}}, nil)
	defer reg.Close()

	c, err := livesync.Acquire[livesync.Document](ctx, reg, name, nil)
	if err != nil {
		return err
	}
	mu.Lock()
	coll = c
	mu.Unlock()

	cancel := c.OnStatus(func(s livesync.Status) {
		line := watchLine{Kind: "status", Status: s.Kind.String()}
		if s.Err != nil {
			line.Error = s.Err.Error()
		}
		emit(line)
	})
	defer cancel()

	items := c.Read()
	emit(watchLine{Kind: "snapshot", Items: items})
	if c.Stale() {
		emit(watchLine{Kind: "stale", Error: fmt.Sprint(c.LastError())})
	}
	logger.Info("Watching collection", "collection", name, "items", len(items))

	<-ctx.Done()
	return nil
}
