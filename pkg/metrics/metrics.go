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

// Package metrics registers the service's prometheus collectors.
package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/melodydashora/vecto-pilot/pkg/ai/llm"
)

// Recorder holds the pipeline collectors.
type Recorder struct {
	RoleCalls          *prometheus.CounterVec
	ListenerReconnects prometheus.Counter
	SSESubscribers     *prometheus.GaugeVec
	AdmittedSnapshots  *prometheus.CounterVec
}

// NewRecorder builds and registers the collectors on the registerer.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		RoleCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vecto_role_calls_total",
			Help: "Role dispatches by role and outcome.",
		}, []string{"role", "outcome"}),
		ListenerReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vecto_listener_reconnects_total",
			Help: "Notification listener reconnections.",
		}),
		SSESubscribers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vecto_sse_subscribers",
			Help: "Live SSE subscribers per channel.",
		}, []string{"channel"}),
		AdmittedSnapshots: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vecto_admitted_snapshots_total",
			Help: "Pipeline admissions by trigger reason.",
		}, []string{"trigger"}),
	}

	reg.MustRegister(r.RoleCalls, r.ListenerReconnects, r.SSESubscribers, r.AdmittedSnapshots)
	return r
}

type instrumentedLLM struct {
	inner llm.Client
	calls *prometheus.CounterVec
}

// InstrumentLLM wraps a dispatcher so every role call lands in RoleCalls.
func (r *Recorder) InstrumentLLM(inner llm.Client) llm.Client {
	return &instrumentedLLM{inner: inner, calls: r.RoleCalls}
}

func (c *instrumentedLLM) Dispatch(ctx context.Context, role llm.Role, prompt llm.Prompt) (*llm.Response, error) {
	resp, err := c.inner.Dispatch(ctx, role, prompt)

	outcome := "ok"
	switch {
	case err != nil:
		outcome = "config_error"
	case !resp.Ok && resp.Transient:
		outcome = "transient_failure"
	case !resp.Ok:
		outcome = "failure"
	}
	c.calls.WithLabelValues(string(role), outcome).Inc()

	return resp, err
}
