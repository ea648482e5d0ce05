/*
 * Relay
 * Copyright (C) 2025  Gravitational, Inc.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

package service

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gravitational/relay/lib/aorta"
	"github.com/gravitational/relay/lib/pipeline"
)

// maxEventBytes caps an event submission body.
const maxEventBytes = 1024 * 1024

// eventCategoryHeader optionally classifies a submission for
// category-scoped rate limits.
const eventCategoryHeader = "X-Event-Category"

type storeResponse struct {
	// ID is the event id assigned to the submission; set on accepted
	// events only.
	ID      string           `json:"id,omitempty"`
	Outcome pipeline.Outcome `json:"outcome"`
}

// newIngestHandler serves the event front door. Each submission becomes an
// envelope and the pipeline's admission outcome maps onto the HTTP status.
func (s *Service) newIngestHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/store/{project}", s.handleStore)
	return mux
}

func (s *Service) handleStore(w http.ResponseWriter, r *http.Request) {
	projectID := aorta.ProjectID(r.PathValue("project"))
	if projectID == "" {
		http.Error(w, "missing project id", http.StatusBadRequest)
		return
	}
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxEventBytes+1))
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}
	if len(payload) > maxEventBytes {
		http.Error(w, "event too large", http.StatusRequestEntityTooLarge)
		return
	}

	env := pipeline.Envelope{
		EventID:    uuid.NewString(),
		ProjectID:  projectID,
		Category:   r.Header.Get(eventCategoryHeader),
		Payload:    payload,
		ReceivedAt: s.cfg.Clock.Now().UTC(),
	}
	outcome := s.pipe.Process(r.Context(), env)

	resp := storeResponse{Outcome: outcome}
	if outcome == pipeline.OutcomeForwarded || outcome == pipeline.OutcomeForwardedUnchecked {
		resp.ID = env.EventID
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(storeStatus(outcome))
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.log.DebugContext(r.Context(), "Failed to write store response.", "error", err)
	}
}

// storeStatus maps an admission outcome onto an HTTP status code.
func storeStatus(outcome pipeline.Outcome) int {
	switch outcome {
	case pipeline.OutcomeForwarded, pipeline.OutcomeForwardedUnchecked:
		return http.StatusOK
	case pipeline.OutcomeRateLimited:
		return http.StatusTooManyRequests
	case pipeline.OutcomeUnknownProject:
		return http.StatusNotFound
	case pipeline.OutcomeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

type healthResponse struct {
	State         string    `json:"state"`
	RelayID       string    `json:"relay_id,omitempty"`
	RegisteredAt  time.Time `json:"registered_at,omitzero"`
	LastHeartbeat time.Time `json:"last_heartbeat,omitzero"`
	HeartbeatErrs int       `json:"heartbeat_errs,omitempty"`
}

// newDiagHandler serves the diagnostics endpoints: Prometheus metrics and a
// health check that reports the registration state.
func (s *Service) newDiagHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", s.handleHealth)
	return mux
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := s.engine.Status()
	w.Header().Set("Content-Type", "application/json")
	if status.State != aorta.StateRegistered {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	resp := healthResponse{
		State:         status.State.String(),
		RelayID:       status.RelayID,
		RegisteredAt:  status.RegisteredAt,
		LastHeartbeat: status.LastHeartbeat,
		HeartbeatErrs: status.HeartbeatErrs,
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.log.DebugContext(r.Context(), "Failed to write health response.", "error", err)
	}
}
