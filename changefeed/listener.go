// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package changefeed

import (
	"sync"

	"github.com/mobiletoly/go-livesync/livesync"
)

// Listener delivers the events of one subscription to a callback on its own
// goroutine. It implements livesync.Subscription.
type Listener struct {
	sub     *Sub
	fn      func(livesync.ChangeEvent)
	quit    chan struct{}
	stopped chan struct{}

	mu   sync.Mutex
	err  error
	once sync.Once
}

// Listen subscribes to topic and calls fn for every event, in publish order,
// from a single goroutine.
func (h *Hub) Listen(topic string, fn func(livesync.ChangeEvent)) (*Listener, error) {
	sub, err := h.Subscribe(topic)
	if err != nil {
		return nil, err
	}
	l := &Listener{
		sub:     sub,
		fn:      fn,
		quit:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go l.run()
	return l, nil
}

func (l *Listener) run() {
	defer close(l.stopped)

	for {
		select {
		case <-l.quit:
			return
		case ev, ok := <-l.sub.C():
			if !ok {
				if reason := l.sub.Reason(); reason != nil {
					l.mu.Lock()
					l.err = livesync.NewRemoteError(livesync.OpSubscribe, l.sub.Topic, livesync.ErrChannelDropped, reason)
					l.mu.Unlock()
				}
				return
			}
			select {
			case <-l.quit:
				return
			default:
			}
			l.fn(ev)
		}
	}
}

func (l *Listener) Done() <-chan struct{} {
	return l.stopped
}

func (l *Listener) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

// Close stops delivery and waits until the callback goroutine has exited.
// It must not be called from inside the callback.
func (l *Listener) Close() error {
	l.once.Do(func() {
		close(l.quit)
		l.sub.Close()
	})
	<-l.stopped
	return nil
}
