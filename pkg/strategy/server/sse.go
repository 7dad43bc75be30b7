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

package server

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/melodydashora/vecto-pilot/pkg/events"
)

const heartbeatInterval = 15 * time.Second

// handleSSE streams one notification channel to the client. Delivery is
// at-most-once per live subscriber; clients reconcile missed events through
// the GET endpoint.
func (s *Server) handleSSE(channel string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			s.writeError(w, http.StatusInternalServerError, "streaming unsupported")
			return
		}

		sub, err := s.cfg.Broker.Subscribe(channel)
		if err != nil {
			if errors.Is(err, events.ErrChannelFull) {
				s.writeError(w, http.StatusServiceUnavailable, "subscriber limit reached")
				return
			}
			s.writeError(w, http.StatusInternalServerError, "subscription failed")
			return
		}
		defer s.cfg.Broker.Unsubscribe(sub)

		if s.cfg.Recorder != nil {
			s.cfg.Recorder.SSESubscribers.WithLabelValues(channel).Inc()
			defer s.cfg.Recorder.SSESubscribers.WithLabelValues(channel).Dec()
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		heartbeat := time.NewTicker(heartbeatInterval)
		defer heartbeat.Stop()

		for {
			select {
			case <-r.Context().Done():
				return

			case <-heartbeat.C:
				fmt.Fprint(w, ": keep-alive\n\n")
				flusher.Flush()

			case event, open := <-sub.C:
				if !open {
					return
				}
				fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Channel, event.Payload)
				flusher.Flush()
			}
		}
	}
}
