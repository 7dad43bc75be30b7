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
	"crypto/sha1"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"

	"github.com/melodydashora/vecto-pilot/pkg/events"
	sharederrors "github.com/melodydashora/vecto-pilot/pkg/shared/errors"
)

// Repository owns the strategy_row, briefing, and triad_job tables. Every
// write that should wake observers issues pg_notify inside the same
// transaction as the row change, so a committed change always has a matching
// notification.
type Repository struct {
	db     *sqlx.DB
	logger *logrus.Logger
}

// NewRepository creates a strategy repository.
func NewRepository(db *sqlx.DB, logger *logrus.Logger) *Repository {
	return &Repository{db: db, logger: logger}
}

const strategyColumns = `snapshot_id, minstrategy, consolidated_strategy, status, error_message,
	error_code, holiday, strategy_timestamp, user_resolved_address, user_resolved_city,
	user_resolved_state, trigger_reason, created_at, updated_at`

// EnsureRow creates the strategy row if absent. Idempotent: a concurrent or
// repeated admit is a no-op.
func (r *Repository) EnsureRow(ctx context.Context, snapshotID, trigger string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO strategies (snapshot_id, status, trigger_reason, created_at, updated_at)
		VALUES ($1, $2, $3, NOW(), NOW())
		ON CONFLICT (snapshot_id) DO NOTHING`,
		snapshotID, StatusPending, trigger)
	if err != nil {
		return sharederrors.FailedTo("ensure strategy row", err)
	}
	return nil
}

// EnqueueTriadJob inserts the admission ticket. Returns false when a job for
// the snapshot already exists, which distinguishes first admission from
// duplicates.
func (r *Repository) EnqueueTriadJob(ctx context.Context, snapshotID, kind string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO triad_jobs (snapshot_id, kind, status, created_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (snapshot_id) DO NOTHING`,
		snapshotID, kind, JobQueued)
	if err != nil {
		return false, sharederrors.FailedTo("enqueue triad job", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, sharederrors.FailedTo("enqueue triad job", err)
	}
	return n > 0, nil
}

// UpdateTriadJobStatus moves the admission ticket through its lifecycle.
func (r *Repository) UpdateTriadJobStatus(ctx context.Context, snapshotID, status string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE triad_jobs SET status = $2 WHERE snapshot_id = $1`, snapshotID, status)
	if err != nil {
		return sharederrors.FailedTo("update triad job status", err)
	}
	return nil
}

// Get loads the strategy row.
func (r *Repository) Get(ctx context.Context, snapshotID string) (*StrategyRow, error) {
	var row StrategyRow
	query := fmt.Sprintf(`SELECT %s FROM strategies WHERE snapshot_id = $1`, strategyColumns)
	if err := r.db.GetContext(ctx, &row, query, snapshotID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sharederrors.NotFoundf(sharederrors.ErrStrategyNotFound, "strategy", snapshotID)
		}
		return nil, sharederrors.FailedTo("load strategy row", err)
	}
	return &row, nil
}

// SaveMinStrategy persists the strategist output in a single transaction so
// the progress notification observes the new minstrategy.
func (r *Repository) SaveMinStrategy(ctx context.Context, snapshotID, text, address, city, state string) error {
	return r.inTx(ctx, "persist minstrategy", func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			UPDATE strategies SET
				minstrategy = $2,
				user_resolved_address = $3,
				user_resolved_city = $4,
				user_resolved_state = $5,
				status = $6,
				strategy_timestamp = NOW(),
				error_message = NULL,
				updated_at = NOW()
			WHERE snapshot_id = $1`,
			snapshotID, text, address, city, state, StatusComplete); err != nil {
			return err
		}
		return notifyTx(ctx, tx, events.ChannelStrategyProgress, snapshotID)
	})
}

// MarkWriteFailed records a persist failure on the row itself so the UI can
// distinguish "model failed" from "database failed".
func (r *Repository) MarkWriteFailed(ctx context.Context, snapshotID, msg string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE strategies SET status = $2, error_message = $3, updated_at = NOW()
		WHERE snapshot_id = $1`,
		snapshotID, StatusWriteFailed, msg)
	if err != nil {
		return sharederrors.FailedTo("mark strategy write_failed", err)
	}
	return nil
}

// SetHoliday denormalizes the holiday classification for fast UI reads.
func (r *Repository) SetHoliday(ctx context.Context, snapshotID, holiday string) error {
	return r.inTx(ctx, "persist holiday", func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			UPDATE strategies SET holiday = $2, updated_at = NOW() WHERE snapshot_id = $1`,
			snapshotID, holiday); err != nil {
			return err
		}
		return notifyTx(ctx, tx, events.ChannelStrategyProgress, snapshotID)
	})
}

// GetBriefing loads the briefing row, or nil when the briefer has not
// completed for the snapshot.
func (r *Repository) GetBriefing(ctx context.Context, snapshotID string) (*Briefing, error) {
	var b Briefing
	err := r.db.GetContext(ctx, &b, `
		SELECT snapshot_id, global_travel, domestic_travel, local_traffic, weather_impacts,
			events_nearby, rideshare_intel, events, news, traffic_conditions, weather_current,
			weather_forecast, school_closures, citations, created_at, updated_at
		FROM briefings WHERE snapshot_id = $1`, snapshotID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, sharederrors.FailedTo("load briefing", err)
	}
	return &b, nil
}

// UpsertBriefing writes the briefing with insert-or-update semantics keyed
// on snapshot_id and emits a progress notification in the same transaction.
// Callers are expected to have smart-merged against the existing row.
func (r *Repository) UpsertBriefing(ctx context.Context, b *Briefing) error {
	return r.inTx(ctx, "persist briefing", func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO briefings (
				snapshot_id, global_travel, domestic_travel, local_traffic, weather_impacts,
				events_nearby, rideshare_intel, events, news, traffic_conditions, weather_current,
				weather_forecast, school_closures, citations, created_at, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, NOW(), NOW())
			ON CONFLICT (snapshot_id) DO UPDATE SET
				global_travel = EXCLUDED.global_travel,
				domestic_travel = EXCLUDED.domestic_travel,
				local_traffic = EXCLUDED.local_traffic,
				weather_impacts = EXCLUDED.weather_impacts,
				events_nearby = EXCLUDED.events_nearby,
				rideshare_intel = EXCLUDED.rideshare_intel,
				events = EXCLUDED.events,
				news = EXCLUDED.news,
				traffic_conditions = EXCLUDED.traffic_conditions,
				weather_current = EXCLUDED.weather_current,
				weather_forecast = EXCLUDED.weather_forecast,
				school_closures = EXCLUDED.school_closures,
				citations = EXCLUDED.citations,
				updated_at = NOW()`,
			b.SnapshotID, b.GlobalTravel, b.DomesticTravel, b.LocalTraffic, b.WeatherImpacts,
			b.EventsNearby, b.RideshareIntel, b.Events, b.News, b.TrafficConditions,
			b.WeatherCurrent, b.WeatherForecast, b.SchoolClosures, b.Citations); err != nil {
			return err
		}
		return notifyTx(ctx, tx, events.ChannelStrategyProgress, b.SnapshotID)
	})
}

// MarkPendingMissingOutputs records a failed readiness check. Deliberately
// no notification: emitting progress here would re-trigger the consolidator
// in a loop.
func (r *Repository) MarkPendingMissingOutputs(ctx context.Context, snapshotID string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE strategies SET status = $2, error_message = $3, updated_at = NOW()
		WHERE snapshot_id = $1`,
		snapshotID, StatusPending, sharederrors.ErrMissingRoleOutputs.Error())
	if err != nil {
		return sharederrors.FailedTo("mark strategy pending", err)
	}
	return nil
}

// SaveConsolidated persists the consolidated strategy and emits
// strategy_ready in the same transaction.
func (r *Repository) SaveConsolidated(ctx context.Context, snapshotID, text string) error {
	return r.inTx(ctx, "persist consolidated strategy", func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			UPDATE strategies SET
				consolidated_strategy = $2,
				status = $3,
				error_message = NULL,
				updated_at = NOW()
			WHERE snapshot_id = $1`,
			snapshotID, text, StatusOK); err != nil {
			return err
		}
		return notifyTx(ctx, tx, events.ChannelStrategyReady, snapshotID)
	})
}

// MarkFailed records a terminal pipeline failure.
func (r *Repository) MarkFailed(ctx context.Context, snapshotID, msg string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE strategies SET status = $2, error_message = $3, updated_at = NOW()
		WHERE snapshot_id = $1`,
		snapshotID, StatusFailed, msg)
	if err != nil {
		return sharederrors.FailedTo("mark strategy failed", err)
	}
	return nil
}

// PendingSnapshotIDs lists rows awaiting consolidation, used by the
// listener's catch-up sweep after a reconnect.
func (r *Repository) PendingSnapshotIDs(ctx context.Context) ([]string, error) {
	var ids []string
	if err := r.db.SelectContext(ctx, &ids,
		`SELECT snapshot_id FROM strategies WHERE status = $1`, StatusPending); err != nil {
		return nil, sharederrors.FailedTo("list pending strategies", err)
	}
	return ids, nil
}

// History returns the per-user attempt projection, newest first.
func (r *Repository) History(ctx context.Context, userID string) ([]HistoryAttempt, error) {
	attempts := []HistoryAttempt{}
	err := r.db.SelectContext(ctx, &attempts, `
		SELECT s.snapshot_id, s.status, s.created_at, s.updated_at
		FROM strategies s
		JOIN snapshots snap ON snap.snapshot_id = s.snapshot_id
		WHERE snap.user_id = $1
		ORDER BY s.created_at DESC
		LIMIT 50`, userID)
	if err != nil {
		return nil, sharederrors.FailedTo("load strategy history", err)
	}
	return attempts, nil
}

// Unlocker releases an acquired advisory lock.
type Unlocker interface {
	Release(ctx context.Context) error
}

type advisoryLock struct {
	conn *sqlx.Conn
	key  int64
}

func (l *advisoryLock) Release(ctx context.Context) error {
	defer l.conn.Close()
	if _, err := l.conn.ExecContext(ctx, `SELECT pg_advisory_unlock($1)`, l.key); err != nil {
		return sharederrors.FailedTo("release advisory lock", err)
	}
	return nil
}

// LockKey derives the stable 64-bit advisory lock key for a snapshot:
// SHA-1 of "consolidate:<snapshot_id>" truncated to the first 8 bytes.
func LockKey(snapshotID string) int64 {
	sum := sha1.Sum([]byte("consolidate:" + snapshotID))
	return int64(binary.BigEndian.Uint64(sum[:8]))
}

// TryConsolidationLock attempts the non-blocking cross-worker lock for the
// snapshot. The lock is session-scoped, so it is held on a dedicated
// connection that stays pinned until Release.
func (r *Repository) TryConsolidationLock(ctx context.Context, snapshotID string) (Unlocker, bool, error) {
	key := LockKey(snapshotID)

	conn, err := r.db.Connx(ctx)
	if err != nil {
		return nil, false, sharederrors.FailedTo("acquire advisory lock connection", err)
	}

	var acquired bool
	if err := conn.QueryRowxContext(ctx, `SELECT pg_try_advisory_lock($1)`, key).Scan(&acquired); err != nil {
		conn.Close()
		return nil, false, sharederrors.FailedTo("try advisory lock", err)
	}
	if !acquired {
		conn.Close()
		return nil, false, nil
	}
	return &advisoryLock{conn: conn, key: key}, true, nil
}

func (r *Repository) inTx(ctx context.Context, op string, fn func(tx *sqlx.Tx) error) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return sharederrors.FailedTo(op, err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return sharederrors.FailedTo(op, err)
	}
	if err := tx.Commit(); err != nil {
		return sharederrors.FailedTo(op, err)
	}
	return nil
}

// notifyTx emits a change notification with the standard payload inside the
// caller's transaction.
func notifyTx(ctx context.Context, tx *sqlx.Tx, channel, snapshotID string) error {
	payload, err := json.Marshal(map[string]string{"snapshot_id": snapshotID})
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `SELECT pg_notify($1, $2)`, channel, string(payload))
	return err
}
