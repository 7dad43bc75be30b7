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
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

const (
	// DefaultMaxSubscribers is the soft cap per channel; Subscribe rejects
	// beyond it so one channel cannot exhaust the process.
	DefaultMaxSubscribers = 100

	// subscriberQueueSize bounds each subscriber's outbound queue. The
	// publish path never blocks: a full queue drops the message for that
	// subscriber only.
	subscriberQueueSize = 16
)

// ErrChannelFull is returned when a channel is at its subscriber cap.
var ErrChannelFull = fmt.Errorf("subscriber limit reached for channel")

// Event is one outbound server-sent event.
type Event struct {
	Channel string
	Payload string
}

// Subscription is one client's queue on a channel.
type Subscription struct {
	C       <-chan Event
	ch      chan Event
	channel string
}

// Broker fans database notifications out to SSE subscribers. Delivery is
// at-most-once per live subscriber: clients that connect after an event
// miss it and reconcile via HTTP GET.
type Broker struct {
	logger         *logrus.Logger
	maxSubscribers int

	mu   sync.RWMutex
	subs map[string]map[*Subscription]struct{}
}

// NewBroker creates an SSE broker with the default per-channel cap.
func NewBroker(logger *logrus.Logger) *Broker {
	return &Broker{
		logger:         logger,
		maxSubscribers: DefaultMaxSubscribers,
		subs:           make(map[string]map[*Subscription]struct{}),
	}
}

// Subscribe registers a client on a channel. Returns ErrChannelFull at the
// cap.
func (b *Broker) Subscribe(channel string) (*Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	set := b.subs[channel]
	if set == nil {
		set = make(map[*Subscription]struct{})
		b.subs[channel] = set
	}
	if len(set) >= b.maxSubscribers {
		return nil, fmt.Errorf("%w %s", ErrChannelFull, channel)
	}

	ch := make(chan Event, subscriberQueueSize)
	sub := &Subscription{C: ch, ch: ch, channel: channel}
	set[sub] = struct{}{}

	b.logger.WithFields(logrus.Fields{
		"channel":     channel,
		"subscribers": len(set),
	}).Debug("SSE subscriber registered")
	return sub, nil
}

// Unsubscribe removes a client and closes its queue.
func (b *Broker) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	set := b.subs[sub.channel]
	if set == nil {
		return
	}
	if _, ok := set[sub]; !ok {
		return
	}
	delete(set, sub)
	close(sub.ch)
	if len(set) == 0 {
		delete(b.subs, sub.channel)
	}
}

// Publish pushes an event to every live subscriber on the channel without
// blocking; subscribers with full queues drop the message.
func (b *Broker) Publish(channel, payload string) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	dropped := 0
	for sub := range b.subs[channel] {
		select {
		case sub.ch <- Event{Channel: channel, Payload: payload}:
		default:
			dropped++
		}
	}
	if dropped > 0 {
		b.logger.WithFields(logrus.Fields{
			"channel": channel,
			"dropped": dropped,
		}).Warn("SSE subscriber queues full, events dropped")
	}
}

// SubscriberCount reports live subscribers on a channel.
func (b *Broker) SubscriberCount(channel string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[channel])
}
