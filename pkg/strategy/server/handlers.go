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

package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/melodydashora/vecto-pilot/pkg/cache"
	sharederrors "github.com/melodydashora/vecto-pilot/pkg/shared/errors"
	"github.com/melodydashora/vecto-pilot/pkg/strategy"
)

const maxBodyBytes = 1 << 20

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Warn("Failed to encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]interface{}{"ok": false, "error": msg})
}

// handleBlocks admits a snapshot into the pipeline with duplicate-POST
// protection via the idempotency cache.
func (s *Server) handleBlocks(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}

	key := cache.RequestKey(r, body)
	if cached, hit, cacheErr := s.cfg.Idempotency.Get(r.Context(), key); cacheErr == nil && hit {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Idempotent-Replay", "true")
		w.WriteHeader(cached.Status)
		_, _ = w.Write(cached.Body)
		return
	}

	var req struct {
		SnapshotID string `json:"snapshotId"`
	}
	if err := json.Unmarshal(body, &req); err != nil || req.SnapshotID == "" {
		s.writeError(w, http.StatusBadRequest, "body must carry snapshotId")
		return
	}

	result, err := s.cfg.Pipeline.Admit(r.Context(), req.SnapshotID)
	if err != nil {
		if strings.Contains(err.Error(), "invalid snapshot_id") {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.WithError(err).Error("Admission failed")
		s.writeError(w, http.StatusInternalServerError, "failed to enqueue")
		return
	}

	var (
		status  int
		payload map[string]interface{}
	)
	if result.Admitted {
		if s.cfg.Recorder != nil {
			s.cfg.Recorder.AdmittedSnapshots.WithLabelValues(strategy.TriggerInitial).Inc()
		}
		status = http.StatusAccepted
		payload = map[string]interface{}{
			"ok":         true,
			"status":     "queued",
			"snapshotId": req.SnapshotID,
			"kicked":     result.Kicked,
		}
	} else {
		existing := result.Status
		if row, rowErr := s.cfg.Store.Get(r.Context(), req.SnapshotID); rowErr == nil {
			existing = row.Status
		}
		status = http.StatusOK
		payload = map[string]interface{}{
			"ok":         true,
			"status":     existing,
			"snapshotId": req.SnapshotID,
		}
	}

	encoded, _ := json.Marshal(payload)
	if err := s.cfg.Idempotency.Put(r.Context(), key, &cache.CachedResponse{Status: status, Body: encoded}); err != nil {
		s.logger.WithError(err).Debug("Idempotency cache write failed")
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(encoded)
}

// handleSeed ensures a strategy row without kicking the runners.
func (s *Server) handleSeed(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SnapshotID string `json:"snapshot_id"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil || req.SnapshotID == "" {
		s.writeError(w, http.StatusBadRequest, "body must carry snapshot_id")
		return
	}

	if err := s.cfg.Store.EnsureRow(r.Context(), req.SnapshotID, strategy.TriggerInitial); err != nil {
		s.logger.WithError(err).Error("Seed failed")
		s.writeError(w, http.StatusInternalServerError, "failed to seed strategy row")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "snapshot_id": req.SnapshotID})
}

// handleRun admits a snapshot without the idempotency layer; used by
// internal re-triggers.
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	snapshotID := chi.URLParam(r, "snapshotID")

	result, err := s.cfg.Pipeline.Admit(r.Context(), snapshotID)
	if err != nil {
		if strings.Contains(err.Error(), "invalid snapshot_id") {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.WithError(err).Error("Run failed")
		s.writeError(w, http.StatusInternalServerError, "failed to run pipeline")
		return
	}

	s.writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"status":      "pending",
		"snapshot_id": snapshotID,
		"kicked":      result.Kicked,
	})
}

// handleGetStrategy reports pipeline progress: the partial outputs plus a
// waitFor list enumerating what is still missing.
func (s *Server) handleGetStrategy(w http.ResponseWriter, r *http.Request) {
	snapshotID := chi.URLParam(r, "snapshotID")

	row, err := s.cfg.Store.Get(r.Context(), snapshotID)
	if err != nil {
		if errors.Is(err, sharederrors.ErrStrategyNotFound) {
			s.writeError(w, http.StatusNotFound, "strategy not found")
			return
		}
		s.logger.WithError(err).Error("Strategy read failed")
		s.writeError(w, http.StatusInternalServerError, "failed to load strategy")
		return
	}

	briefing, err := s.cfg.Store.GetBriefing(r.Context(), snapshotID)
	if err != nil {
		s.logger.WithError(err).Error("Briefing read failed")
		s.writeError(w, http.StatusInternalServerError, "failed to load briefing")
		return
	}

	waitFor := []string{}
	if strings.TrimSpace(row.MinStrategy.String) == "" {
		waitFor = append(waitFor, "minstrategy")
	}
	if briefing == nil || briefing.Empty() {
		waitFor = append(waitFor, "briefing")
	}
	if !row.Consolidated() {
		waitFor = append(waitFor, "consolidated")
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":        row.Status,
		"snapshot_id":   row.SnapshotID,
		"min":           row.MinStrategy.String,
		"briefing":      briefing,
		"consolidated":  row.ConsolidatedStrategy.String,
		"waitFor":       waitFor,
		"timeElapsedMs": time.Since(row.CreatedAt).Milliseconds(),
	})
}

// handleGetBriefing serves the briefing projection.
func (s *Server) handleGetBriefing(w http.ResponseWriter, r *http.Request) {
	snapshotID := chi.URLParam(r, "snapshotID")

	briefing, err := s.cfg.Store.GetBriefing(r.Context(), snapshotID)
	if err != nil {
		s.logger.WithError(err).Error("Briefing read failed")
		s.writeError(w, http.StatusInternalServerError, "failed to load briefing")
		return
	}
	if briefing == nil {
		s.writeError(w, http.StatusNotFound, "briefing not found")
		return
	}
	s.writeJSON(w, http.StatusOK, briefing)
}

// handleRetry clones the snapshot and reseeds the pipeline.
func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	originalID := chi.URLParam(r, "snapshotID")

	newID, err := s.cfg.Pipeline.Retry(r.Context(), originalID)
	if err != nil {
		switch {
		case errors.Is(err, sharederrors.ErrSnapshotNotFound):
			s.writeError(w, http.StatusNotFound, "snapshot not found")
		case strings.Contains(err.Error(), "invalid snapshot_id"):
			s.writeError(w, http.StatusBadRequest, err.Error())
		default:
			s.logger.WithError(err).Error("Retry failed")
			s.writeError(w, http.StatusInternalServerError, "failed to retry")
		}
		return
	}

	if s.cfg.Recorder != nil {
		s.cfg.Recorder.AdmittedSnapshots.WithLabelValues(strategy.TriggerRetry).Inc()
	}
	s.writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"ok":                   true,
		"new_snapshot_id":      newID,
		"original_snapshot_id": originalID,
		"status":               "pending",
	})
}

// handleHistory lists a user's attempts.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		s.writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	attempts, err := s.cfg.Store.History(r.Context(), userID)
	if err != nil {
		s.logger.WithError(err).Error("History read failed")
		s.writeError(w, http.StatusInternalServerError, "failed to load history")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "attempts": attempts})
}

// handleHealth reports process liveness and listener state.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	listener := true
	if s.cfg.ListenerReady != nil {
		listener = s.cfg.ListenerReady()
	}
	status := http.StatusOK
	health := "ok"
	if !listener {
		status = http.StatusServiceUnavailable
		health = "degraded"
	}
	s.writeJSON(w, status, map[string]interface{}{
		"status":   health,
		"listener": listener,
	})
}
