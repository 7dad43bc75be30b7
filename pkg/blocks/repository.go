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

	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"

	"github.com/melodydashora/vecto-pilot/pkg/events"
	sharederrors "github.com/melodydashora/vecto-pilot/pkg/shared/errors"
)

// Repository persists rankings and venues. The blocks_ready notification is
// emitted in the same transaction as the writes.
type Repository struct {
	db     *sqlx.DB
	logger *logrus.Logger
}

// NewRepository creates a blocks repository.
func NewRepository(db *sqlx.DB, logger *logrus.Logger) *Repository {
	return &Repository{db: db, logger: logger}
}

// SaveRanking inserts the ranking row and its venues, then notifies
// blocks_ready with both ids.
func (r *Repository) SaveRanking(ctx context.Context, snapshotID, rankingID string, venues []Venue) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return sharederrors.FailedTo("persist ranking", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO rankings (ranking_id, snapshot_id, created_at)
		VALUES ($1, $2, NOW())`,
		rankingID, snapshotID); err != nil {
		return sharederrors.FailedTo("persist ranking", err)
	}

	for position, v := range venues {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO venues (ranking_id, position, name, lat, lng, staging_lat, staging_lng, reason)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			rankingID, position+1, v.Name, v.Lat, v.Lng, v.StagingLat, v.StagingLng, v.Reason); err != nil {
			return sharederrors.FailedTo("persist venue", err)
		}
	}

	payload, err := json.Marshal(map[string]string{
		"snapshot_id": snapshotID,
		"ranking_id":  rankingID,
	})
	if err != nil {
		return sharederrors.FailedTo("persist ranking", err)
	}
	if _, err := tx.ExecContext(ctx, `SELECT pg_notify($1, $2)`,
		events.ChannelBlocksReady, string(payload)); err != nil {
		return sharederrors.FailedTo("persist ranking", err)
	}

	if err := tx.Commit(); err != nil {
		return sharederrors.FailedTo("persist ranking", err)
	}
	return nil
}
