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

// Package strategy implements the snapshot-keyed generation pipeline: the
// provider runners, the consolidator, and the orchestrator that fans them
// out.
package strategy

import (
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/lib/pq"
)

// Strategy row statuses. "complete" marks the strategist stage done;
// "ok" marks the consolidated strategy available. Readers treat both as
// consolidated when consolidated_strategy is non-empty.
const (
	StatusPending     = "pending"
	StatusComplete    = "complete"
	StatusOK          = "ok"
	StatusFailed      = "failed"
	StatusWriteFailed = "write_failed"
)

// Trigger reasons recorded on admission.
const (
	TriggerInitial = "initial"
	TriggerRetry   = "retry"
)

// Triad job statuses.
const (
	JobQueued  = "queued"
	JobRunning = "running"
	JobDone    = "done"
	JobError   = "error"
)

// Runner names reported in the admit response, in kick order.
var KickedRunners = []string{"holiday", "minstrategy", "briefing"}

// StrategyRow is the mutable state bag for one pipeline run, keyed 1:1 by
// snapshot id.
type StrategyRow struct {
	SnapshotID           string         `db:"snapshot_id"`
	MinStrategy          sql.NullString `db:"minstrategy"`
	ConsolidatedStrategy sql.NullString `db:"consolidated_strategy"`
	Status               string         `db:"status"`
	ErrorMessage         sql.NullString `db:"error_message"`
	ErrorCode            sql.NullString `db:"error_code"`
	Holiday              sql.NullString `db:"holiday"`
	StrategyTimestamp    sql.NullTime   `db:"strategy_timestamp"`
	UserResolvedAddress  sql.NullString `db:"user_resolved_address"`
	UserResolvedCity     sql.NullString `db:"user_resolved_city"`
	UserResolvedState    sql.NullString `db:"user_resolved_state"`
	TriggerReason        sql.NullString `db:"trigger_reason"`
	CreatedAt            time.Time      `db:"created_at"`
	UpdatedAt            time.Time      `db:"updated_at"`
}

// Consolidated reports whether the consolidated strategy is available.
func (r *StrategyRow) Consolidated() bool {
	return strings.TrimSpace(r.ConsolidatedStrategy.String) != ""
}

// Briefing is the structured briefer output for one snapshot: the six core
// fields from the main briefer call plus the secondary search results.
type Briefing struct {
	SnapshotID string `db:"snapshot_id" json:"snapshot_id"`

	GlobalTravel   string `db:"global_travel" json:"global_travel"`
	DomesticTravel string `db:"domestic_travel" json:"domestic_travel"`
	LocalTraffic   string `db:"local_traffic" json:"local_traffic"`
	WeatherImpacts string `db:"weather_impacts" json:"weather_impacts"`
	EventsNearby   string `db:"events_nearby" json:"events_nearby"`
	RideshareIntel string `db:"rideshare_intel" json:"rideshare_intel"`

	Events            pq.StringArray `db:"events" json:"events"`
	News              string         `db:"news" json:"news"`
	TrafficConditions string         `db:"traffic_conditions" json:"traffic_conditions"`
	WeatherCurrent    string         `db:"weather_current" json:"weather_current"`
	WeatherForecast   string         `db:"weather_forecast" json:"weather_forecast"`
	SchoolClosures    string         `db:"school_closures" json:"school_closures"`
	Citations         pq.StringArray `db:"citations" json:"citations"`

	CreatedAt time.Time `db:"created_at" json:"-"`
	UpdatedAt time.Time `db:"updated_at" json:"-"`
}

// Empty reports whether the briefing carries no usable content.
func (b *Briefing) Empty() bool {
	if b == nil {
		return true
	}
	for _, field := range []string{
		b.GlobalTravel, b.DomesticTravel, b.LocalTraffic, b.WeatherImpacts,
		b.EventsNearby, b.RideshareIntel, b.News, b.TrafficConditions,
		b.WeatherCurrent, b.WeatherForecast, b.SchoolClosures,
	} {
		if strings.TrimSpace(field) != "" {
			return false
		}
	}
	return len(b.Events) == 0
}

// Serialize renders the briefing as JSON for the consolidator prompt.
func (b *Briefing) Serialize() string {
	data, err := json.Marshal(b)
	if err != nil {
		return ""
	}
	return string(data)
}

// TriadJob is the append-only queue ticket proving a request was admitted.
type TriadJob struct {
	SnapshotID string    `db:"snapshot_id"`
	Kind       string    `db:"kind"`
	Status     string    `db:"status"`
	CreatedAt  time.Time `db:"created_at"`
}

// HistoryAttempt is one row of the per-user strategy history projection.
type HistoryAttempt struct {
	SnapshotID string    `db:"snapshot_id" json:"snapshot_id"`
	Status     string    `db:"status" json:"status"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time `db:"updated_at" json:"updated_at"`
}
