// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package changefeed fans out committed row changes to in-process
// subscribers, one topic per collection.
package changefeed

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/mobiletoly/go-livesync/livesync"
)

var (
	// ErrSlowConsumer is the drop reason for a subscriber whose buffer filled up.
	ErrSlowConsumer = errors.New("subscriber buffer overflow")
	// ErrHubClosed is returned by Subscribe after Close, and is the drop
	// reason for subscribers still open when the hub closed.
	ErrHubClosed = errors.New("change feed closed")
)

type Config struct {
	// BufferSize is the number of undelivered events a subscriber may hold
	// before it is dropped.
	BufferSize int
}

func DefaultConfig() Config {
	return Config{BufferSize: 1024}
}

// Sub is one subscription to a topic. Events arrive on C in publish order.
// C is closed when the subscription ends; Reason tells why.
type Sub struct {
	ID    string
	Topic string

	hub     *Hub
	ch      chan livesync.ChangeEvent
	dropped atomic.Bool
	reason  atomic.Pointer[error]
}

func (s *Sub) C() <-chan livesync.ChangeEvent {
	return s.ch
}

// Dropped reports whether the hub ended the subscription.
func (s *Sub) Dropped() bool {
	return s.dropped.Load()
}

// Reason is nil for a subscription closed by its owner.
func (s *Sub) Reason() error {
	if p := s.reason.Load(); p != nil {
		return *p
	}
	return nil
}

// Close ends the subscription. It is safe to call more than once.
func (s *Sub) Close() {
	s.hub.remove(s, nil)
}

// Hub routes events published on a topic to every subscriber of that topic.
// Publish never blocks: a subscriber that cannot keep up is dropped rather
// than silently missing events.
type Hub struct {
	cfg    Config
	logger *slog.Logger

	mu     sync.RWMutex
	topics map[string]map[string]*Sub
	closed bool
}

func NewHub(cfg Config, logger *slog.Logger) *Hub {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultConfig().BufferSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		cfg:    cfg,
		logger: logger,
		topics: make(map[string]map[string]*Sub),
	}
}

func (h *Hub) Subscribe(topic string) (*Sub, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, ErrHubClosed
	}
	sub := &Sub{
		ID:    uuid.NewString(),
		Topic: topic,
		hub:   h,
		ch:    make(chan livesync.ChangeEvent, h.cfg.BufferSize),
	}
	subs, ok := h.topics[topic]
	if !ok {
		subs = make(map[string]*Sub)
		h.topics[topic] = subs
	}
	subs[sub.ID] = sub
	return sub, nil
}

// Publish hands ev to every subscriber of topic.
func (h *Hub) Publish(topic string, ev livesync.ChangeEvent) {
	var overflowed []*Sub

	h.mu.RLock()
	for _, sub := range h.topics[topic] {
		if sub.dropped.Load() {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			// Once a gap exists nothing more may be delivered to this sub.
			if sub.dropped.CompareAndSwap(false, true) {
				overflowed = append(overflowed, sub)
			}
		}
	}
	h.mu.RUnlock()

	for _, sub := range overflowed {
		h.logger.Warn("Dropping slow change feed subscriber",
			"topic", topic, "subscription", sub.ID, "buffer", h.cfg.BufferSize)
		h.remove(sub, ErrSlowConsumer)
	}
}

// Count returns the number of open subscriptions on topic.
func (h *Hub) Count(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}

// Close ends every subscription. Their Reason becomes ErrHubClosed.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	topics := h.topics
	h.topics = make(map[string]map[string]*Sub)
	for _, subs := range topics {
		for _, sub := range subs {
			sub.dropped.Store(true)
			reason := ErrHubClosed
			sub.reason.Store(&reason)
			close(sub.ch)
		}
	}
	h.mu.Unlock()
}

// remove detaches sub and closes its channel. Channels are only closed under
// the write lock, so Publish never sends on a closed channel.
func (h *Hub) remove(sub *Sub, reason error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs := h.topics[sub.Topic]
	if _, ok := subs[sub.ID]; !ok {
		return
	}
	delete(subs, sub.ID)
	if len(subs) == 0 {
		delete(h.topics, sub.Topic)
	}
	if reason != nil {
		sub.dropped.Store(true)
		sub.reason.Store(&reason)
	}
	close(sub.ch)
}
