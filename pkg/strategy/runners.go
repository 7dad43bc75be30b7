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
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/melodydashora/vecto-pilot/pkg/ai/llm"
	"github.com/melodydashora/vecto-pilot/pkg/shared/logging"
	"github.com/melodydashora/vecto-pilot/pkg/snapshot"
)

// holidayBudget bounds the holiday classification so its UI-visible write
// lands within seconds of admission.
const holidayBudget = 5 * time.Second

// Store is the strategy persistence surface the pipeline depends on.
// Implemented by *Repository; faked in tests.
type Store interface {
	EnsureRow(ctx context.Context, snapshotID, trigger string) error
	EnqueueTriadJob(ctx context.Context, snapshotID, kind string) (bool, error)
	UpdateTriadJobStatus(ctx context.Context, snapshotID, status string) error
	Get(ctx context.Context, snapshotID string) (*StrategyRow, error)
	SaveMinStrategy(ctx context.Context, snapshotID, text, address, city, state string) error
	MarkWriteFailed(ctx context.Context, snapshotID, msg string) error
	SetHoliday(ctx context.Context, snapshotID, holiday string) error
	GetBriefing(ctx context.Context, snapshotID string) (*Briefing, error)
	UpsertBriefing(ctx context.Context, b *Briefing) error
	MarkPendingMissingOutputs(ctx context.Context, snapshotID string) error
	SaveConsolidated(ctx context.Context, snapshotID, text string) error
	MarkFailed(ctx context.Context, snapshotID, msg string) error
	TryConsolidationLock(ctx context.Context, snapshotID string) (Unlocker, bool, error)
	PendingSnapshotIDs(ctx context.Context) ([]string, error)
	History(ctx context.Context, userID string) ([]HistoryAttempt, error)
}

// SnapshotSource is the slice of the snapshot repository the pipeline uses.
type SnapshotSource interface {
	GetContext(ctx context.Context, snapshotID string) (*snapshot.Context, error)
	PatchHoliday(ctx context.Context, snapshotID, holiday string, isHoliday bool) error
	Clone(ctx context.Context, originalID, newID string, now time.Time) error
}

// Runner executes the three fan-out producers for a snapshot. Runners are
// independent: any subset may succeed or fail without affecting the others'
// writes.
type Runner struct {
	llm       llm.Client
	snapshots SnapshotSource
	store     Store
	logger    *logrus.Logger

	// inflight coalesces concurrent briefing assemblies per snapshot.
	// Entries settle (and are dropped) with the assembly, so a failure is
	// never served to a later caller.
	inflight singleflight.Group
}

// NewRunner creates the runner set.
func NewRunner(client llm.Client, snapshots SnapshotSource, store Store, logger *logrus.Logger) *Runner {
	return &Runner{llm: client, snapshots: snapshots, store: store, logger: logger}
}

// RunMinStrategy produces the 2-3 sentence tactical assessment and persists
// it with the denormalized location fields in one transactional update.
func (r *Runner) RunMinStrategy(ctx context.Context, snapshotID string) error {
	sc, err := r.snapshots.GetContext(ctx, snapshotID)
	if err != nil {
		return err
	}

	resp, err := r.llm.Dispatch(ctx, llm.RoleStrategist, buildStrategistPrompt(sc))
	if err != nil {
		return err
	}
	if !resp.Ok {
		return fmt.Errorf("strategist call failed: %s", resp.Err)
	}

	text := strings.TrimSpace(resp.Output)
	if err := r.store.SaveMinStrategy(ctx, snapshotID, text, sc.ResolvedAddress(), sc.City, sc.State); err != nil {
		if markErr := r.store.MarkWriteFailed(ctx, snapshotID, err.Error()); markErr != nil {
			r.logger.WithFields(logging.NewFields().
				Component("strategist").Snapshot(snapshotID).Error(markErr).Fields()).
				Error("Failed to record write failure")
		}
		return err
	}

	r.logger.WithFields(logging.NewFields().
		Component("strategist").Snapshot(snapshotID).Fields()).
		Info("Minstrategy persisted")
	return nil
}

// RunHolidayCheck runs the short holiday classification. Non-fatal by
// contract: any failure leaves the column null and the pipeline continues.
func (r *Runner) RunHolidayCheck(ctx context.Context, snapshotID string) error {
	ctx, cancel := context.WithTimeout(ctx, holidayBudget)
	defer cancel()

	sc, err := r.snapshots.GetContext(ctx, snapshotID)
	if err != nil {
		return err
	}

	resp, err := r.llm.Dispatch(ctx, llm.RoleHoliday, buildHolidayPrompt(sc))
	if err != nil {
		return err
	}
	if !resp.Ok {
		r.logger.WithFields(logging.NewFields().
			Component("holiday").Snapshot(snapshotID).Fields()).
			WithField("error", resp.Err).Warn("Holiday check failed, continuing without")
		return nil
	}

	name := strings.TrimSpace(strings.Split(resp.Output, "\n")[0])
	if name == "" || strings.EqualFold(name, "none") {
		return r.snapshots.PatchHoliday(ctx, snapshotID, "", false)
	}

	if err := r.snapshots.PatchHoliday(ctx, snapshotID, name, true); err != nil {
		return err
	}
	return r.store.SetHoliday(ctx, snapshotID, name)
}

// RunBriefing assembles and persists the briefing. Idempotent under
// concurrent invocation for the same snapshot: duplicate calls share the
// pending assembly through the single-flight group.
func (r *Runner) RunBriefing(ctx context.Context, snapshotID string) error {
	_, err, shared := r.inflight.Do(snapshotID, func() (interface{}, error) {
		return nil, r.assembleBriefing(ctx, snapshotID)
	})
	if shared {
		r.logger.WithFields(logging.NewFields().
			Component("briefer").Snapshot(snapshotID).Fields()).
			Debug("Briefing assembly shared with concurrent caller")
	}
	return err
}

// brieferPayload is the JSON shape the main briefer call is asked for.
type brieferPayload struct {
	GlobalTravel   string   `json:"global_travel"`
	DomesticTravel string   `json:"domestic_travel"`
	LocalTraffic   string   `json:"local_traffic"`
	WeatherImpacts string   `json:"weather_impacts"`
	EventsNearby   string   `json:"events_nearby"`
	RideshareIntel string   `json:"rideshare_intel"`
	Citations      []string `json:"citations"`
}

func (r *Runner) assembleBriefing(ctx context.Context, snapshotID string) error {
	sc, err := r.snapshots.GetContext(ctx, snapshotID)
	if err != nil {
		return err
	}

	resp, err := r.llm.Dispatch(ctx, llm.RoleBriefer, buildBrieferPrompt(sc))
	if err != nil {
		return err
	}
	if !resp.Ok {
		return fmt.Errorf("briefer call failed: %s", resp.Err)
	}

	b := &Briefing{SnapshotID: snapshotID, Citations: resp.Citations}

	var payload brieferPayload
	if jsonErr := json.Unmarshal([]byte(llm.ExtractJSON(resp.Output)), &payload); jsonErr != nil {
		// Parse failure keeps the content rather than losing it: the whole
		// response lands in local_traffic and the structured fields stay empty.
		b.LocalTraffic = resp.Output
	} else {
		b.GlobalTravel = payload.GlobalTravel
		b.DomesticTravel = payload.DomesticTravel
		b.LocalTraffic = payload.LocalTraffic
		b.WeatherImpacts = payload.WeatherImpacts
		b.EventsNearby = payload.EventsNearby
		b.RideshareIntel = payload.RideshareIntel
		b.Citations = append(b.Citations, payload.Citations...)
	}

	r.runSecondarySearches(ctx, sc, b)

	existing, err := r.store.GetBriefing(ctx, snapshotID)
	if err != nil {
		return err
	}
	merged := SmartMerge(existing, b)

	if err := r.store.UpsertBriefing(ctx, merged); err != nil {
		return err
	}

	r.logger.WithFields(logging.NewFields().
		Component("briefer").Snapshot(snapshotID).Fields()).
		Info("Briefing persisted")
	return nil
}

// runSecondarySearches fans out the supplemental search calls in parallel.
// Each is failure-contained: an error yields an empty field, never a failed
// briefing.
func (r *Runner) runSecondarySearches(ctx context.Context, sc *snapshot.Context, b *Briefing) {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if out := r.secondary(gctx, sc.SnapshotID, "events", buildEventsPrompt(sc)); out != "" {
			var items []string
			if err := json.Unmarshal([]byte(llm.ExtractJSON(out)), &items); err == nil {
				b.Events = items
			} else {
				b.EventsNearby = pickNonStub(b.EventsNearby, out)
			}
		}
		return nil
	})
	g.Go(func() error {
		b.TrafficConditions = r.secondary(gctx, sc.SnapshotID, "traffic", buildTrafficPrompt(sc))
		return nil
	})
	g.Go(func() error {
		b.SchoolClosures = r.secondary(gctx, sc.SnapshotID, "school_closures", buildSchoolClosuresPrompt(sc))
		return nil
	})
	g.Go(func() error {
		b.News = r.secondary(gctx, sc.SnapshotID, "news", buildNewsPrompt(sc))
		return nil
	})

	_ = g.Wait()

	if sc.Weather != nil {
		if sc.Weather.TempF != nil {
			b.WeatherCurrent = fmt.Sprintf("%.0f°F %s", *sc.Weather.TempF, sc.Weather.Conditions)
		} else {
			b.WeatherCurrent = sc.Weather.Conditions
		}
		b.WeatherForecast = sc.Weather.Forecast
	}
}

// secondary runs one supplemental search call, returning "" on any failure.
func (r *Runner) secondary(ctx context.Context, snapshotID, name string, prompt llm.Prompt) string {
	resp, err := r.llm.Dispatch(ctx, llm.RoleBriefer, prompt)
	if err != nil || !resp.Ok {
		r.logger.WithFields(logging.NewFields().
			Component("briefer").Operation(name).Snapshot(snapshotID).Fields()).
			Debug("Secondary search failed, field left empty")
		return ""
	}
	return strings.TrimSpace(resp.Output)
}

func pickNonStub(current, candidate string) string {
	if !isStub(current) {
		return current
	}
	return candidate
}
