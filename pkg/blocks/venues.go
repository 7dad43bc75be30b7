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

package blocks

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/melodydashora/vecto-pilot/pkg/ai/llm"
	"github.com/melodydashora/vecto-pilot/pkg/shared/logging"
	"github.com/melodydashora/vecto-pilot/pkg/strategy"
)

// VenueCount is the exact number of venues a ranking carries.
const VenueCount = 8

// Venue is one staged positioning recommendation.
type Venue struct {
	Name       string  `json:"name"`
	Lat        float64 `json:"lat"`
	Lng        float64 `json:"lng"`
	StagingLat float64 `json:"staging_lat"`
	StagingLng float64 `json:"staging_lng"`
	Reason     string  `json:"reason"`
}

// StrategyReader is the slice of the strategy store the generator needs.
type StrategyReader interface {
	Get(ctx context.Context, snapshotID string) (*strategy.StrategyRow, error)
}

// RankingStore persists a generated ranking and emits blocks_ready.
type RankingStore interface {
	SaveRanking(ctx context.Context, snapshotID, rankingID string, venues []Venue) error
}

// Generator consumes the consolidated strategy and produces venue rankings
// through the bounded pool. Generation is only accepted once the
// consolidated strategy is available.
type Generator struct {
	llm        llm.Client
	strategies StrategyReader
	store      RankingStore
	pool       *Pool
	logger     *logrus.Logger
}

// NewGenerator creates the venue generator.
func NewGenerator(client llm.Client, strategies StrategyReader, store RankingStore, pool *Pool, logger *logrus.Logger) *Generator {
	return &Generator{llm: client, strategies: strategies, store: store, pool: pool, logger: logger}
}

const venueSystem = `You produce staging venues for a rideshare driver from a strategy. Respond with
a JSON array of exactly 8 objects, each with string "name", string "reason", and numbers "lat",
"lng", "staging_lat", "staging_lng". staging coordinates are a legal place to wait near the venue.
No other text.`

// Generate runs venue generation for a snapshot and returns the new ranking
// id.
func (g *Generator) Generate(ctx context.Context, snapshotID string) (string, error) {
	row, err := g.strategies.Get(ctx, snapshotID)
	if err != nil {
		return "", err
	}
	if !row.Consolidated() {
		return "", fmt.Errorf("consolidated strategy not available for snapshot %s", snapshotID)
	}

	result, err := g.pool.Submit(ctx, func(jobCtx context.Context) (interface{}, error) {
		return g.generateVenues(jobCtx, row)
	})
	if err != nil {
		return "", err
	}
	venues := result.([]Venue)

	rankingID := uuid.NewString()
	if err := g.store.SaveRanking(ctx, snapshotID, rankingID, venues); err != nil {
		return "", err
	}

	g.logger.WithFields(logging.NewFields().
		Component("blocks").Snapshot(snapshotID).Fields()).
		WithField("ranking_id", rankingID).
		Info("Venue ranking persisted")
	return rankingID, nil
}

func (g *Generator) generateVenues(ctx context.Context, row *strategy.StrategyRow) ([]Venue, error) {
	prompt := llm.Prompt{
		System: venueSystem,
		User: fmt.Sprintf("Driver location: %s\n\nStrategy:\n%s",
			row.UserResolvedAddress.String, row.ConsolidatedStrategy.String),
		WantJSON: true,
	}

	resp, err := g.llm.Dispatch(ctx, llm.RoleVenueGenerator, prompt)
	if err != nil {
		return nil, err
	}
	if !resp.Ok {
		return nil, fmt.Errorf("venue generator call failed: %s", resp.Err)
	}

	var venues []Venue
	if err := json.Unmarshal([]byte(llm.ExtractJSON(resp.Output)), &venues); err != nil {
		return nil, fmt.Errorf("parse venue payload: %w", err)
	}
	if len(venues) != VenueCount {
		return nil, fmt.Errorf("venue generator returned %d venues, want %d", len(venues), VenueCount)
	}
	return venues, nil
}
