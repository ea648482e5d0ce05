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

// Package pipeline makes the admission decision for every inbound envelope:
// resolve the project's state through the cache, enforce its rate limits,
// and forward accepted events upstream. Internal error kinds never cross
// this boundary; callers always observe one of the admission outcomes.
package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gravitational/relay"
	"github.com/gravitational/relay/lib/aorta"
	"github.com/gravitational/relay/lib/utils"
	logutils "github.com/gravitational/relay/lib/utils/log"
)

var admissionOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "relay_admission_outcomes_total",
	Help: "Admission outcomes of inbound envelopes.",
}, []string{"outcome"})

// Outcome is the admission decision for one envelope.
type Outcome string

const (
	// OutcomeForwarded means the envelope was accepted and forwarded.
	OutcomeForwarded Outcome = "forwarded"
	// OutcomeForwardedUnchecked means project state was unavailable and
	// the fail-open policy forwarded the envelope without an admission
	// check. Degraded mode, always logged.
	OutcomeForwardedUnchecked Outcome = "forwarded_unchecked"
	// OutcomeRateLimited means the envelope exceeded the project's rate
	// limits and was dropped.
	OutcomeRateLimited Outcome = "rate_limited"
	// OutcomeUnknownProject means the upstream does not know the project.
	OutcomeUnknownProject Outcome = "unknown_project"
	// OutcomeUnavailable means project state could not be resolved and
	// the fail-closed policy dropped the envelope.
	OutcomeUnavailable Outcome = "unavailable"
)

// Envelope is one inbound event submission. The payload is opaque to the
// relay core.
type Envelope struct {
	// EventID is the id assigned to the submission at the front door.
	EventID string
	// ProjectID is the project the event was submitted to.
	ProjectID aorta.ProjectID
	// Category optionally classifies the event for category-scoped rate
	// limits; empty matches only unscoped limits.
	Category string
	// Payload is the raw event bytes.
	Payload []byte
	// ReceivedAt is when the front door accepted the submission.
	ReceivedAt time.Time
}

// Forwarder delivers accepted envelopes to the upstream event submission
// path.
type Forwarder interface {
	Forward(ctx context.Context, env Envelope) error
}

// StateSource resolves current project state; the trove cache is the
// production implementation.
type StateSource interface {
	Get(ctx context.Context, id aorta.ProjectID) (*aorta.ProjectState, error)
}

// Config configures a Pipeline.
type Config struct {
	// States resolves project state.
	States StateSource
	// Forwarder receives accepted envelopes.
	Forwarder Forwarder
	// FailOpen forwards envelopes unchecked when project state is
	// temporarily unavailable. When false (the default), such envelopes
	// are dropped.
	FailOpen bool
	// Clock drives rate limiter timing.
	Clock clockwork.Clock
	// Logger emits pipeline logs.
	Logger *slog.Logger
}

// CheckAndSetDefaults checks and sets default pipeline parameters.
func (c *Config) CheckAndSetDefaults() error {
	if c.States == nil {
		return trace.BadParameter("missing parameter States")
	}
	if c.Forwarder == nil {
		return trace.BadParameter("missing parameter Forwarder")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = logutils.NewPackageLogger(relay.ComponentKey, relay.ComponentPipeline)
	}
	return nil
}

// Pipeline applies the admission decision to inbound envelopes. It holds no
// mutable state of its own beyond the rate limiter buckets.
type Pipeline struct {
	cfg      Config
	limiters *limiterRegistry
}

// New returns a pipeline enforcing the given policy.
func New(cfg Config) (*Pipeline, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := utils.RegisterPrometheusCollectors(admissionOutcomes); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Pipeline{
		cfg:      cfg,
		limiters: newLimiterRegistry(cfg.Clock),
	}, nil
}

// Process admits or drops one envelope. Every internal error maps to an
// outcome here; none escape.
func (p *Pipeline) Process(ctx context.Context, env Envelope) Outcome {
	outcome := p.process(ctx, env)
	admissionOutcomes.WithLabelValues(string(outcome)).Inc()
	return outcome
}

func (p *Pipeline) process(ctx context.Context, env Envelope) Outcome {
	state, err := p.cfg.States.Get(ctx, env.ProjectID)
	switch {
	case err == nil:
	case trace.IsNotFound(err):
		return OutcomeUnknownProject
	default:
		// Covers TemporarilyUnavailable and anything else the cache
		// could not classify: the configured policy decides.
		if !p.cfg.FailOpen {
			return OutcomeUnavailable
		}
		p.cfg.Logger.WarnContext(ctx, "Project state unavailable, forwarding unchecked (fail-open).",
			"project_id", env.ProjectID,
			"error", err,
		)
		if err := p.cfg.Forwarder.Forward(ctx, env); err != nil {
			p.cfg.Logger.WarnContext(ctx, "Failed to forward envelope.", "project_id", env.ProjectID, "error", err)
			return OutcomeUnavailable
		}
		return OutcomeForwardedUnchecked
	}

	if !p.limiters.allow(state, env.Category) {
		return OutcomeRateLimited
	}

	if err := p.cfg.Forwarder.Forward(ctx, env); err != nil {
		p.cfg.Logger.WarnContext(ctx, "Failed to forward envelope.", "project_id", env.ProjectID, "error", err)
		return OutcomeUnavailable
	}
	return OutcomeForwarded
}
