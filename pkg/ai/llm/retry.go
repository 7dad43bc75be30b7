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

package llm

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/sony/gobreaker"
)

const (
	retryInitialDelay = 1 * time.Second
	retryMaxDelay     = 3 * time.Second
	defaultBudget     = 45 * time.Second
)

// callWithRetry runs the provider call through the family circuit breaker
// and retries transient failures with exponential backoff until the retry
// budget is spent. Non-transient failures short-circuit.
func (c *client) callWithRetry(ctx context.Context, fam family, prov provider, req *request) *Response {
	budget := defaultBudget
	if c.cfg.RetryBudget.Std() > 0 {
		budget = c.cfg.RetryBudget.Std()
	}
	callTimeout := c.cfg.CallTimeout.Std()

	deadline := time.Now().Add(budget)
	delay := retryInitialDelay

	for {
		resp := c.guardedCall(ctx, fam, prov, req, callTimeout)
		if resp.Ok || !resp.Transient {
			return resp
		}
		if time.Now().Add(delay).After(deadline) {
			return resp
		}

		select {
		case <-ctx.Done():
			return &Response{Ok: false, Err: ctx.Err().Error(), Transient: true}
		case <-time.After(delay):
		}

		delay *= 2
		if delay > retryMaxDelay {
			delay = retryMaxDelay
		}
	}
}

// guardedCall applies the per-call timeout and the provider circuit breaker.
func (c *client) guardedCall(ctx context.Context, fam family, prov provider, req *request, timeout time.Duration) *Response {
	callCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	result, err := c.breakers[fam].Execute(func() (interface{}, error) {
		resp := prov.call(callCtx, req)
		if !resp.Ok && resp.Transient {
			// Only transient failures count toward tripping the breaker.
			return resp, errors.New(resp.Err)
		}
		return resp, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return &Response{Ok: false, Err: "provider circuit open: " + string(fam), Transient: false}
		}
		if resp, ok := result.(*Response); ok {
			return resp
		}
		return &Response{Ok: false, Err: err.Error(), Transient: true}
	}
	return result.(*Response)
}

// isTransient classifies provider failures worth retrying: rate limits,
// upstream 5xx, gateway failures, timeouts, and aborted connections.
func isTransient(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}

	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		return transientStatus(apierr.StatusCode)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	// langchaingo surfaces HTTP failures as formatted errors; fall back to
	// inspecting the message for the transient classes.
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"429", "502", "503", "504", "gateway", "timeout", "timed out", "aborted", "connection reset", "connection refused", "overloaded"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

func transientStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504, 529:
		return true
	default:
		return false
	}
}
