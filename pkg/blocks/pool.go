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

// Package blocks runs the heavy downstream generation stage: a bounded
// worker pool with per-job deadlines, and the venue generator that consumes
// the consolidated strategy.
package blocks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Job is one unit of heavy generation work.
type Job func(ctx context.Context) (interface{}, error)

type task struct {
	ctx    context.Context
	job    Job
	result chan taskResult
}

type taskResult struct {
	value interface{}
	err   error
}

// Pool is a bounded FIFO worker pool. At most `concurrency` jobs run at
// once; waiting work queues in arrival order. Every job races a wall-clock
// deadline: a timed-out job surfaces exactly "timeout <ms>ms".
type Pool struct {
	concurrency int
	timeout     time.Duration
	logger      *logrus.Logger

	tasks chan *task
	wg    sync.WaitGroup

	mu      sync.Mutex
	started bool
}

// NewPool creates a pool. Start must be called before Submit.
func NewPool(concurrency int, timeout time.Duration, logger *logrus.Logger) *Pool {
	return &Pool{
		concurrency: concurrency,
		timeout:     timeout,
		logger:      logger,
		tasks:       make(chan *task),
	}
}

// Start launches the workers; they exit when the context is canceled.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true

	for i := 0; i < p.concurrency; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
}

// Wait blocks until all workers have exited.
func (p *Pool) Wait() {
	p.wg.Wait()
}

func (p *Pool) worker(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-p.tasks:
			t.result <- p.run(t)
		}
	}
}

func (p *Pool) run(t *task) taskResult {
	jobCtx, cancel := context.WithTimeout(t.ctx, p.timeout)
	defer cancel()

	done := make(chan taskResult, 1)
	start := time.Now()
	go func() {
		value, err := t.job(jobCtx)
		done <- taskResult{value: value, err: err}
	}()

	select {
	case res := <-done:
		// A job that returns its own context error right at the deadline
		// still reports the pool timeout.
		if res.err != nil && jobCtx.Err() == context.DeadlineExceeded {
			return taskResult{err: fmt.Errorf("timeout %dms", p.timeout.Milliseconds())}
		}
		return res
	case <-jobCtx.Done():
		if jobCtx.Err() == context.DeadlineExceeded {
			p.logger.WithField("duration_ms", time.Since(start).Milliseconds()).
				Warn("Pool job timed out")
			return taskResult{err: fmt.Errorf("timeout %dms", p.timeout.Milliseconds())}
		}
		return taskResult{err: jobCtx.Err()}
	}
}

// Submit enqueues a job and blocks for its result. The submitting context
// cancels both the wait and the job.
func (p *Pool) Submit(ctx context.Context, job Job) (interface{}, error) {
	t := &task{ctx: ctx, job: job, result: make(chan taskResult, 1)}

	select {
	case p.tasks <- t:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case res := <-t.result:
		return res.value, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
