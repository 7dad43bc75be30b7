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
	"errors"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/melodydashora/vecto-pilot/pkg/ai/llm"
	sharederrors "github.com/melodydashora/vecto-pilot/pkg/shared/errors"
	"github.com/melodydashora/vecto-pilot/pkg/shared/logging"
)

const errorMessageMax = 500

// Consolidator merges the strategist and briefer outputs into the final
// consolidated strategy, exactly once per snapshot across all workers.
type Consolidator struct {
	llm    llm.Client
	store  Store
	logger *logrus.Logger
}

// NewConsolidator creates the consolidation stage.
func NewConsolidator(client llm.Client, store Store, logger *logrus.Logger) *Consolidator {
	return &Consolidator{llm: client, store: store, logger: logger}
}

// MaybeConsolidate runs the readiness check and, when both role outputs are
// present, performs the merge under the cross-worker advisory lock. Safe to
// call on every change notification: missing rows, unready rows, already
// consolidated rows, and lock contention all return nil.
func (c *Consolidator) MaybeConsolidate(ctx context.Context, snapshotID string) error {
	row, err := c.store.Get(ctx, snapshotID)
	if err != nil {
		if errors.Is(err, sharederrors.ErrStrategyNotFound) {
			return nil
		}
		return err
	}

	if row.Consolidated() {
		return nil
	}

	strategistOutput := strings.TrimSpace(row.MinStrategy.String)

	briefing, err := c.store.GetBriefing(ctx, snapshotID)
	if err != nil {
		return err
	}
	brieferOutput := ""
	if briefing != nil && !briefing.Empty() {
		brieferOutput = briefing.Serialize()
	}

	if strategistOutput == "" || brieferOutput == "" {
		return c.store.MarkPendingMissingOutputs(ctx, snapshotID)
	}

	lock, acquired, err := c.store.TryConsolidationLock(ctx, snapshotID)
	if err != nil {
		return err
	}
	if !acquired {
		// Another worker owns this consolidation.
		c.logger.WithFields(logging.NewFields().
			Component("consolidator").Snapshot(snapshotID).Fields()).
			Debug("Advisory lock held elsewhere, skipping")
		return nil
	}
	defer func() {
		if releaseErr := lock.Release(context.WithoutCancel(ctx)); releaseErr != nil {
			c.logger.WithFields(logging.NewFields().
				Component("consolidator").Snapshot(snapshotID).Error(releaseErr).Fields()).
				Warn("Failed to release advisory lock")
		}
	}()

	prompt := buildConsolidatorPrompt(strategistOutput, brieferOutput, row.UserResolvedAddress.String)

	output := ""
	resp, err := c.llm.Dispatch(ctx, llm.RoleConsolidator, prompt)
	if err == nil && resp.Ok {
		output = strings.TrimSpace(resp.Output)
	}

	degraded := false
	if output == "" {
		// Documented fallback: unblock the UI with the strategist output
		// alone. updated_at still advances so downstream observers do too.
		output = strategistOutput
		degraded = true
	}

	if err := c.store.SaveConsolidated(ctx, snapshotID, output); err != nil {
		if markErr := c.store.MarkFailed(ctx, snapshotID, sharederrors.Truncate(err, errorMessageMax)); markErr != nil {
			c.logger.WithFields(logging.NewFields().
				Component("consolidator").Snapshot(snapshotID).Error(markErr).Fields()).
				Error("Failed to record consolidation failure")
		}
		return err
	}

	c.logger.WithFields(logging.NewFields().
		Component("consolidator").Snapshot(snapshotID).Fields()).
		WithField("degraded", degraded).
		Info("Consolidated strategy persisted")
	return nil
}
