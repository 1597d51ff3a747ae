// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package syncserver

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mobiletoly/go-livesync/internal/auth"
	"github.com/mobiletoly/go-livesync/livesync"
)

// Close codes sent when the server ends a change stream.
const (
	CloseSlowConsumer  = websocket.CloseTryAgainLater
	CloseChannelLost   = websocket.CloseGoingAway
	closeWriteDeadline = 10 * time.Second
)

// HandleSubscribe streams the collection's change events as JSON text
// frames. The remote subscription is opened before the upgrade completes, so
// once the client's handshake returns no later change is missed.
func (h *Handlers) HandleSubscribe(w http.ResponseWriter, r *http.Request) {
	name, ok := h.collection(w, r)
	if !ok {
		return
	}
	if !h.trackStream() {
		writeError(w, h.logger, http.StatusServiceUnavailable, CodeUnavailable, "server is shutting down")
		return
	}
	defer h.streams.Done()

	events := make(chan livesync.ChangeEvent, h.cfg.SubscriberBuffer)
	overflow := make(chan struct{})
	var overflowOnce sync.Once
	sub, err := h.remote.Subscribe(r.Context(), name, func(ev livesync.ChangeEvent) {
		select {
		case events <- ev:
		default:
			overflowOnce.Do(func() { close(overflow) })
		}
	})
	if err != nil {
		h.writeRemoteError(w, name, livesync.OpSubscribe, err)
		return
	}
	defer func() { _ = sub.Close() }()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied to the client.
		h.logger.Debug("WebSocket upgrade failed", "collection", name, "error", err)
		return
	}
	defer func() { _ = conn.Close() }()

	h.metrics.subscribers.WithLabelValues(name).Inc()
	defer h.metrics.subscribers.WithLabelValues(name).Dec()
	userID, _ := auth.GetUserID(r.Context())
	deviceID, _ := auth.GetDeviceID(r.Context())
	h.logger.Debug("Subscriber connected", "collection", name, "user_id", userID, "device_id", deviceID)

	pongWait := 2 * h.cfg.PingInterval
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	// The client sends nothing; reading surfaces its close and pongs.
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(h.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case ev := <-events:
			_ = conn.SetWriteDeadline(time.Now().Add(closeWriteDeadline))
			if err := conn.WriteJSON(ev); err != nil {
				h.logger.Debug("Subscriber write failed", "collection", name, "error", err)
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(closeWriteDeadline)); err != nil {
				return
			}
		case <-overflow:
			h.logger.Warn("Dropping slow subscriber", "collection", name, "remote_addr", r.RemoteAddr)
			h.closeStream(conn, CloseSlowConsumer, "subscriber too slow")
			return
		case <-sub.Done():
			reason := "change feed closed"
			if err := sub.Err(); err != nil {
				reason = err.Error()
			}
			h.closeStream(conn, CloseChannelLost, reason)
			return
		case <-readDone:
			return
		case <-h.shutdown:
			h.closeStream(conn, websocket.CloseGoingAway, "server shutting down")
			return
		}
	}
}

func (h *Handlers) closeStream(conn *websocket.Conn, code int, reason string) {
	// Control frame payloads are capped at 125 bytes.
	if len(reason) > 120 {
		reason = reason[:120]
	}
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWriteDeadline))
}
