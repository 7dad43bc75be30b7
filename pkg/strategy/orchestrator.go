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

package strategy

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	sharederrors "github.com/melodydashora/vecto-pilot/pkg/shared/errors"
	"github.com/melodydashora/vecto-pilot/pkg/shared/logging"
)

// runnerTimeout bounds each detached fan-out task. Provider calls inside are
// separately bounded by the dispatcher's call timeout and retry budget.
const runnerTimeout = 2 * time.Minute

// AdmitResult is the orchestrator's answer to an admission request.
type AdmitResult struct {
	Admitted bool
	Status   string
	Kicked   []string
}

// Orchestrator admits snapshots into the pipeline and fans out the three
// producers as detached tasks.
type Orchestrator struct {
	runner    *Runner
	store     Store
	snapshots SnapshotSource
	logger    *logrus.Logger

	// wg tracks detached tasks for clean shutdown in tests and main.
	wg sync.WaitGroup
}

// NewOrchestrator creates the pipeline entry point.
func NewOrchestrator(runner *Runner, store Store, snapshots SnapshotSource, logger *logrus.Logger) *Orchestrator {
	return &Orchestrator{runner: runner, store: store, snapshots: snapshots, logger: logger}
}

// Admit ensures the strategy row, takes the triad-job admission ticket, and
// kicks the runners. Returns Admitted=false when a job for the snapshot is
// already queued; the response never blocks on the runners.
func (o *Orchestrator) Admit(ctx context.Context, snapshotID string) (*AdmitResult, error) {
	if _, err := uuid.Parse(snapshotID); err != nil {
		return nil, sharederrors.InvalidInput("snapshot_id", "must be a UUID")
	}

	if err := o.store.EnsureRow(ctx, snapshotID, TriggerInitial); err != nil {
		return nil, err
	}

	admitted, err := o.store.EnqueueTriadJob(ctx, snapshotID, "triad")
	if err != nil {
		return nil, err
	}
	if !admitted {
		return &AdmitResult{Admitted: false, Status: JobQueued}, nil
	}

	o.kickRunners(snapshotID)

	return &AdmitResult{Admitted: true, Status: JobQueued, Kicked: KickedRunners}, nil
}

// Retry clones the snapshot preserving location context and reseeds the
// pipeline under a fresh id.
func (o *Orchestrator) Retry(ctx context.Context, originalID string) (string, error) {
	if _, err := uuid.Parse(originalID); err != nil {
		return "", sharederrors.InvalidInput("snapshot_id", "must be a UUID")
	}

	newID := uuid.NewString()
	if err := o.snapshots.Clone(ctx, originalID, newID, time.Now()); err != nil {
		return "", err
	}
	if err := o.store.EnsureRow(ctx, newID, TriggerRetry); err != nil {
		return "", err
	}
	if _, err := o.store.EnqueueTriadJob(ctx, newID, "triad"); err != nil {
		return "", err
	}

	o.kickRunners(newID)

	o.logger.WithFields(logging.NewFields().
		Component("orchestrator").Operation("retry").Snapshot(newID).Fields()).
		WithField("original_snapshot_id", originalID).
		Info("Pipeline reseeded from retry")
	return newID, nil
}

// kickRunners schedules the three producers as detached concurrent tasks.
// Holiday goes first so its UI-visible write lands within seconds. Failure
// of any one task never cancels the others: each gets its own context.
func (o *Orchestrator) kickRunners(snapshotID string) {
	if err := o.store.UpdateTriadJobStatus(context.Background(), snapshotID, JobRunning); err != nil {
		o.logger.WithFields(logging.NewFields().
			Component("orchestrator").Snapshot(snapshotID).Error(err).Fields()).
			Warn("Failed to mark triad job running")
	}

	tasks := []struct {
		name string
		run  func(context.Context, string) error
	}{
		{"holiday", o.runner.RunHolidayCheck},
		{"minstrategy", o.runner.RunMinStrategy},
		{"briefing", o.runner.RunBriefing},
	}

	var taskWG sync.WaitGroup
	failed := make([]bool, len(tasks))

	for i, task := range tasks {
		i, task := i, task
		o.wg.Add(1)
		taskWG.Add(1)
		go func() {
			defer o.wg.Done()
			defer taskWG.Done()

			ctx, cancel := context.WithTimeout(context.Background(), runnerTimeout)
			defer cancel()

			if err := task.run(ctx, snapshotID); err != nil {
				failed[i] = true
				o.logger.WithFields(logging.NewFields().
					Component("orchestrator").Operation(task.name).Snapshot(snapshotID).Error(err).Fields()).
					Error("Runner failed")
			}
		}()
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		taskWG.Wait()

		status := JobDone
		for _, f := range failed {
			if f {
				status = JobError
				break
			}
		}
		if err := o.store.UpdateTriadJobStatus(context.Background(), snapshotID, status); err != nil {
			o.logger.WithFields(logging.NewFields().
				Component("orchestrator").Snapshot(snapshotID).Error(err).Fields()).
				Warn("Failed to finalize triad job status")
		}
	}()
}

// Wait blocks until all detached tasks settle. Used on shutdown.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}
