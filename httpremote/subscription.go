// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package httpremote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mobiletoly/go-livesync/livesync"
)

// Subscribe opens the websocket change stream of collection. It returns once
// the server has attached the stream to the store.
func (c *Client) Subscribe(ctx context.Context, collection string, onEvent func(livesync.ChangeEvent)) (livesync.Subscription, error) {
	if err := livesync.ValidateCollectionName(collection); err != nil {
		return nil, err
	}
	header := http.Header{}
	if err := c.authorize(ctx, header); err != nil {
		return nil, livesync.NewRemoteError(livesync.OpSubscribe, collection, livesync.ErrTransient, err)
	}

	wsURL := c.collectionURL(collection, "/subscribe")
	wsURL = "ws" + strings.TrimPrefix(wsURL, "http")
	conn, resp, err := c.dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			if resp.StatusCode >= 300 {
				return nil, responseError(livesync.OpSubscribe, collection, resp)
			}
		}
		return nil, livesync.NewRemoteError(livesync.OpSubscribe, collection, livesync.ErrTransient, err)
	}

	s := &stream{
		collection:  collection,
		conn:        conn,
		fn:          onEvent,
		readTimeout: c.readTimeout,
		logger:      c.logger,
		quit:        make(chan struct{}),
		done:        make(chan struct{}),
	}
	_ = conn.SetReadDeadline(time.Now().Add(s.readTimeout))
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(s.readTimeout))
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})
	go s.run()
	return s, nil
}

// stream is one websocket change subscription.
type stream struct {
	collection  string
	conn        *websocket.Conn
	fn          func(livesync.ChangeEvent)
	readTimeout time.Duration
	logger      *slog.Logger

	quit chan struct{}
	done chan struct{}
	once sync.Once

	mu  sync.Mutex
	err error
}

func (s *stream) run() {
	defer close(s.done)

	for {
		var ev livesync.ChangeEvent
		err := s.conn.ReadJSON(&ev)
		select {
		case <-s.quit:
			return
		default:
		}
		if err != nil {
			s.fail(err)
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(s.readTimeout))
		s.fn(ev)
	}
}

func (s *stream) fail(err error) {
	s.logger.Warn("Change stream dropped", "collection", s.collection, "error", err)
	s.mu.Lock()
	s.err = livesync.NewRemoteError(livesync.OpSubscribe, s.collection, livesync.ErrChannelDropped,
		fmt.Errorf("websocket read failed: %w", err))
	s.mu.Unlock()
	_ = s.conn.Close()
}

func (s *stream) Done() <-chan struct{} {
	return s.done
}

func (s *stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close sends a normal closure and waits for the reader to exit. It must not
// be called from inside the callback.
func (s *stream) Close() error {
	s.once.Do(func() {
		close(s.quit)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = s.conn.Close()
	})
	<-s.done
	s.logger.Debug("Change stream closed", "collection", s.collection)
	return nil
}
