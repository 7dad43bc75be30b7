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

package snapshot

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"

	sharederrors "github.com/melodydashora/vecto-pilot/pkg/shared/errors"
)

const snapshotColumns = `snapshot_id, user_id, lat, lng, city, state, country, formatted_address,
	timezone, local_iso, day_of_week, day_part_key, hour, weather, airport_context, device,
	holiday, is_holiday, local_date, trigger_reason, created_at`

// Repository reads and (narrowly) writes snapshot rows. The pipeline treats
// snapshots as read-only except for the holiday patch and the retry clone.
type Repository struct {
	db     *sqlx.DB
	logger *logrus.Logger
}

// NewRepository creates a snapshot repository.
func NewRepository(db *sqlx.DB, logger *logrus.Logger) *Repository {
	return &Repository{db: db, logger: logger}
}

// Get loads a raw snapshot row.
func (r *Repository) Get(ctx context.Context, snapshotID string) (*Row, error) {
	var row Row
	query := fmt.Sprintf(`SELECT %s FROM snapshots WHERE snapshot_id = $1`, snapshotColumns)
	if err := r.db.GetContext(ctx, &row, query, snapshotID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sharederrors.NotFoundf(sharederrors.ErrSnapshotNotFound, "snapshot", snapshotID)
		}
		return nil, sharederrors.FailedTo("load snapshot", err)
	}
	return &row, nil
}

// GetContext loads the canonical prompt context. It re-reads on every call
// so a holiday patched mid-pipeline is visible to later runners.
func (r *Repository) GetContext(ctx context.Context, snapshotID string) (*Context, error) {
	row, err := r.Get(ctx, snapshotID)
	if err != nil {
		return nil, err
	}
	return contextFromRow(row)
}

func contextFromRow(row *Row) (*Context, error) {
	sc := &Context{
		SnapshotID:       row.SnapshotID,
		UserID:           row.UserID.String,
		Lat:              row.Lat,
		Lng:              row.Lng,
		City:             row.City.String,
		State:            row.State.String,
		Country:          row.Country.String,
		FormattedAddress: row.FormattedAddress.String,
		Timezone:         row.Timezone,
		LocalTime:        row.LocalISO.String,
		DayOfWeek:        row.DayOfWeek.String,
		DayPart:          row.DayPartKey.String,
		Hour:             int(row.Hour.Int64),
		Holiday:          row.Holiday.String,
		IsHoliday:        row.IsHoliday.Bool,
	}

	if len(row.WeatherJSON) > 0 {
		var w Weather
		if err := json.Unmarshal(row.WeatherJSON, &w); err != nil {
			return nil, sharederrors.FailedTo("parse snapshot weather", err)
		}
		sc.Weather = &w
	}
	if len(row.AirportJSON) > 0 {
		var a AirportContext
		if err := json.Unmarshal(row.AirportJSON, &a); err != nil {
			return nil, sharederrors.FailedTo("parse snapshot airport context", err)
		}
		sc.Airport = &a
	}
	return sc, nil
}

// PatchHoliday records the holiday classification on the snapshot itself.
// The strategy row carries a denormalized copy for the UI.
func (r *Repository) PatchHoliday(ctx context.Context, snapshotID, holiday string, isHoliday bool) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE snapshots SET holiday = $2, is_holiday = $3 WHERE snapshot_id = $1`,
		snapshotID, holiday, isHoliday)
	if err != nil {
		return sharederrors.FailedTo("patch snapshot holiday", err)
	}
	return nil
}

// Clone inserts a new snapshot copying all location, weather, airport, and
// device fields from the original, marked trigger_reason='retry'. The local
// date is recomputed in the snapshot's own timezone, never server-local.
func (r *Repository) Clone(ctx context.Context, originalID, newID string, now time.Time) error {
	original, err := r.Get(ctx, originalID)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO snapshots (
			snapshot_id, user_id, lat, lng, city, state, country, formatted_address,
			timezone, local_iso, day_of_week, day_part_key, hour, weather, airport_context, device,
			holiday, is_holiday, local_date, trigger_reason, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, 'retry', NOW())`,
		newID, original.UserID, original.Lat, original.Lng,
		original.City, original.State, original.Country, original.FormattedAddress,
		original.Timezone, original.LocalISO, original.DayOfWeek, original.DayPartKey, original.Hour,
		original.WeatherJSON, original.AirportJSON, original.DeviceJSON,
		original.Holiday, original.IsHoliday,
		LocalDate(original.Timezone, now))
	if err != nil {
		return sharederrors.FailedTo("clone snapshot", err)
	}

	r.logger.WithFields(logrus.Fields{
		"original_snapshot_id": originalID,
		"new_snapshot_id":      newID,
	}).Info("Snapshot cloned for retry")
	return nil
}
