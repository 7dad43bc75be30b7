/*
Copyright 2025 Jordi Gil.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"github.com/melodydashora/vecto-pilot/internal/database"
)

const (
	minReconnectInterval = 1 * time.Second
	maxReconnectInterval = 30 * time.Second
	maxConsecutiveFails  = 5
	connectWaitBound     = 30 * time.Second
	pingInterval         = 90 * time.Second
)

// Payload is the JSON body carried on every change notification.
type Payload struct {
	SnapshotID string `json:"snapshot_id"`
	RankingID  string `json:"ranking_id,omitempty"`
}

// ParsePayload decodes a notification payload.
func ParsePayload(raw string) (*Payload, error) {
	var p Payload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, fmt.Errorf("malformed notification payload: %w", err)
	}
	if p.SnapshotID == "" {
		return nil, fmt.Errorf("notification payload missing snapshot_id")
	}
	return &p, nil
}

// Handler receives every notification on a subscribed channel.
type Handler func(channel, payload string)

// Listener is the long-lived change-notification subscriber. It holds one
// dedicated, non-pooled connection that is never used for regular queries.
// Reconnection backoff doubles from 1s and caps at 30s; after five
// consecutive failed attempts the listener reports fatal through OnFatal and
// stops. After every (re)connect OnConnected runs the catch-up sweep.
type Listener struct {
	url      string
	channels []string
	handler  Handler
	logger   *logrus.Logger

	// OnConnected runs after each successful connect/reconnect, for the
	// catch-up sweep. OnFatal runs once when retries are exhausted.
	OnConnected func(ctx context.Context)
	OnFatal     func(err error)

	mu        sync.Mutex
	pql       *pq.Listener
	connected bool
	failures  int
	ready     chan struct{}
	closed    bool
}

// NewListener validates the URL (rewriting or refusing pooled endpoints) and
// builds the subscriber. Start must be called to connect.
func NewListener(rawURL string, channels []string, handler Handler, logger *logrus.Logger) (*Listener, error) {
	url, err := database.SanitizeListenerURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("listener connection: %w", err)
	}
	if len(channels) == 0 {
		return nil, fmt.Errorf("listener requires at least one channel")
	}
	return &Listener{
		url:      url,
		channels: channels,
		handler:  handler,
		logger:   logger,
		ready:    make(chan struct{}),
	}, nil
}

// Start connects, subscribes to the configured channels, and begins
// dispatching notifications until the context is canceled.
func (l *Listener) Start(ctx context.Context) error {
	l.mu.Lock()
	l.pql = pq.NewListener(l.url, minReconnectInterval, maxReconnectInterval, l.handleEvent)
	pql := l.pql
	l.mu.Unlock()

	for _, channel := range l.channels {
		if err := pql.Listen(channel); err != nil {
			pql.Close()
			return fmt.Errorf("subscribe to %s: %w", channel, err)
		}
	}

	go l.loop(ctx)
	return nil
}

// Connected reports whether the dedicated connection is currently up.
func (l *Listener) Connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connected
}

// WaitReady blocks until the listener is connected, bounded at 30s.
// Concurrent callers all wait on the in-progress attempt.
func (l *Listener) WaitReady() error {
	l.mu.Lock()
	if l.connected {
		l.mu.Unlock()
		return nil
	}
	ready := l.ready
	l.mu.Unlock()

	select {
	case <-ready:
		return nil
	case <-time.After(connectWaitBound):
		return fmt.Errorf("listener not connected after %s", connectWaitBound)
	}
}

// Close tears down the dedicated connection.
func (l *Listener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	if l.pql != nil {
		return l.pql.Close()
	}
	return nil
}

func (l *Listener) handleEvent(event pq.ListenerEventType, err error) {
	switch event {
	case pq.ListenerEventConnected, pq.ListenerEventReconnected:
		l.mu.Lock()
		l.failures = 0
		l.connected = true
		close(l.ready)
		l.ready = make(chan struct{})
		l.mu.Unlock()

		if event == pq.ListenerEventReconnected {
			l.logger.Info("Notification listener reconnected")
		} else {
			l.logger.Info("Notification listener connected")
		}
		if l.OnConnected != nil {
			go l.OnConnected(context.Background())
		}

	case pq.ListenerEventDisconnected:
		l.mu.Lock()
		l.connected = false
		l.mu.Unlock()
		l.logger.WithError(err).Warn("Notification listener disconnected, reconnecting with backoff")

	case pq.ListenerEventConnectionAttemptFailed:
		l.mu.Lock()
		l.failures++
		failures := l.failures
		l.mu.Unlock()

		l.logger.WithError(err).WithField("consecutive_failures", failures).
			Warn("Notification listener reconnect attempt failed")

		if failures >= maxConsecutiveFails {
			fatal := fmt.Errorf("listener gave up after %d consecutive reconnect failures: %w", failures, err)
			l.logger.WithError(fatal).Error("Notification listener fatal")
			_ = l.Close()
			if l.OnFatal != nil {
				l.OnFatal(fatal)
			}
		}
	}
}

func (l *Listener) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			_ = l.Close()
			return

		case n, ok := <-l.pql.Notify:
			if !ok {
				return
			}
			// A nil notification marks a connection re-establishment; the
			// catch-up sweep already runs from the reconnect event.
			if n == nil {
				continue
			}
			l.handler(n.Channel, n.Extra)

		case <-time.After(pingInterval):
			go func() {
				if err := l.pql.Ping(); err != nil {
					l.logger.WithError(err).Debug("Notification listener ping failed")
				}
			}()
		}
	}
}
