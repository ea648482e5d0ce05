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

package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/gravitational/relay/lib/aorta"
	"github.com/gravitational/relay/lib/trove"
)

type fakeStates struct {
	mu     sync.Mutex
	states map[aorta.ProjectID]*aorta.ProjectState
	err    error
}

func (f *fakeStates) Get(ctx context.Context, id aorta.ProjectID) (*aorta.ProjectState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	state, ok := f.states[id]
	if !ok {
		return nil, trace.NotFound("project %q is not known to the upstream", id)
	}
	return state, nil
}

func (f *fakeStates) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

type fakeForwarder struct {
	mu        sync.Mutex
	forwarded []Envelope
	err       error
}

func (f *fakeForwarder) Forward(ctx context.Context, env Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.forwarded = append(f.forwarded, env)
	return nil
}

func (f *fakeForwarder) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.forwarded)
}

func newTestPipeline(t *testing.T, states *fakeStates, fwd *fakeForwarder, clock clockwork.Clock, failOpen bool) *Pipeline {
	t.Helper()
	p, err := New(Config{
		States:    states,
		Forwarder: fwd,
		FailOpen:  failOpen,
		Clock:     clock,
	})
	require.NoError(t, err)
	return p
}

func projectState(id aorta.ProjectID, limits ...aorta.RateLimit) *aorta.ProjectState {
	return &aorta.ProjectState{
		ProjectID:  id,
		RateLimits: limits,
		FetchedAt:  time.Now().UTC(),
		Validity:   time.Minute,
	}
}

func TestProcessForwardsKnownProject(t *testing.T) {
	states := &fakeStates{states: map[aorta.ProjectID]*aorta.ProjectState{
		"42": projectState("42"),
	}}
	fwd := &fakeForwarder{}
	p := newTestPipeline(t, states, fwd, clockwork.NewFakeClock(), false)

	outcome := p.Process(context.Background(), Envelope{ProjectID: "42", Payload: []byte(`{"event":"x"}`)})
	require.Equal(t, OutcomeForwarded, outcome)
	require.Equal(t, 1, fwd.count())
}

func TestProcessUnknownProject(t *testing.T) {
	states := &fakeStates{states: map[aorta.ProjectID]*aorta.ProjectState{}}
	fwd := &fakeForwarder{}
	p := newTestPipeline(t, states, fwd, clockwork.NewFakeClock(), false)

	outcome := p.Process(context.Background(), Envelope{ProjectID: "7"})
	require.Equal(t, OutcomeUnknownProject, outcome)
	require.Zero(t, fwd.count())
}

func TestProcessFailClosed(t *testing.T) {
	states := &fakeStates{}
	states.setErr(&trove.TemporarilyUnavailableError{Err: trace.ConnectionProblem(nil, "upstream unreachable")})
	fwd := &fakeForwarder{}
	p := newTestPipeline(t, states, fwd, clockwork.NewFakeClock(), false)

	outcome := p.Process(context.Background(), Envelope{ProjectID: "42"})
	require.Equal(t, OutcomeUnavailable, outcome)
	require.Zero(t, fwd.count())
}

func TestProcessFailOpen(t *testing.T) {
	states := &fakeStates{}
	states.setErr(&trove.TemporarilyUnavailableError{Err: trace.ConnectionProblem(nil, "upstream unreachable")})
	fwd := &fakeForwarder{}
	p := newTestPipeline(t, states, fwd, clockwork.NewFakeClock(), true)

	outcome := p.Process(context.Background(), Envelope{ProjectID: "42"})
	require.Equal(t, OutcomeForwardedUnchecked, outcome)
	require.Equal(t, 1, fwd.count())
}

func TestProcessRateLimited(t *testing.T) {
	states := &fakeStates{states: map[aorta.ProjectID]*aorta.ProjectState{
		"42": projectState("42", aorta.RateLimit{Limit: 1, Burst: 2}),
	}}
	fwd := &fakeForwarder{}
	clock := clockwork.NewFakeClock()
	p := newTestPipeline(t, states, fwd, clock, false)

	ctx := context.Background()
	env := Envelope{ProjectID: "42"}

	// Burst of 2 is admitted, the third is dropped.
	require.Equal(t, OutcomeForwarded, p.Process(ctx, env))
	require.Equal(t, OutcomeForwarded, p.Process(ctx, env))
	require.Equal(t, OutcomeRateLimited, p.Process(ctx, env))
	require.Equal(t, 2, fwd.count())

	// One token refills per second.
	clock.Advance(time.Second)
	require.Equal(t, OutcomeForwarded, p.Process(ctx, env))
	require.Equal(t, OutcomeRateLimited, p.Process(ctx, env))
}

func TestProcessCategoryScopedLimits(t *testing.T) {
	states := &fakeStates{states: map[aorta.ProjectID]*aorta.ProjectState{
		"42": projectState("42",
			aorta.RateLimit{Category: "error", Limit: 1, Burst: 1},
			aorta.RateLimit{Limit: 100, Burst: 100},
		),
	}}
	fwd := &fakeForwarder{}
	p := newTestPipeline(t, states, fwd, clockwork.NewFakeClock(), false)

	ctx := context.Background()
	require.Equal(t, OutcomeForwarded, p.Process(ctx, Envelope{ProjectID: "42", Category: "error"}))
	require.Equal(t, OutcomeRateLimited, p.Process(ctx, Envelope{ProjectID: "42", Category: "error"}))
	// Other categories only hit the unscoped limit.
	require.Equal(t, OutcomeForwarded, p.Process(ctx, Envelope{ProjectID: "42", Category: "transaction"}))
	require.Equal(t, OutcomeForwarded, p.Process(ctx, Envelope{ProjectID: "42"}))
}

func TestProcessZeroQuotaRejectsAll(t *testing.T) {
	states := &fakeStates{states: map[aorta.ProjectID]*aorta.ProjectState{
		"42": projectState("42", aorta.RateLimit{Limit: 0}),
	}}
	fwd := &fakeForwarder{}
	p := newTestPipeline(t, states, fwd, clockwork.NewFakeClock(), false)

	require.Equal(t, OutcomeRateLimited, p.Process(context.Background(), Envelope{ProjectID: "42"}))
	require.Zero(t, fwd.count())
}

func TestLimiterStateSurvivesStateRefresh(t *testing.T) {
	states := &fakeStates{states: map[aorta.ProjectID]*aorta.ProjectState{
		"42": projectState("42", aorta.RateLimit{Limit: 1, Burst: 2}),
	}}
	fwd := &fakeForwarder{}
	clock := clockwork.NewFakeClock()
	p := newTestPipeline(t, states, fwd, clock, false)

	ctx := context.Background()
	env := Envelope{ProjectID: "42"}
	require.Equal(t, OutcomeForwarded, p.Process(ctx, env))

	// A refreshed snapshot with identical descriptors must not reset the
	// bucket fill level.
	states.mu.Lock()
	states.states["42"] = projectState("42", aorta.RateLimit{Limit: 1, Burst: 2})
	states.mu.Unlock()

	require.Equal(t, OutcomeForwarded, p.Process(ctx, env))
	require.Equal(t, OutcomeRateLimited, p.Process(ctx, env))
}

func TestLimiterRebuiltOnDescriptorChange(t *testing.T) {
	states := &fakeStates{states: map[aorta.ProjectID]*aorta.ProjectState{
		"42": projectState("42", aorta.RateLimit{Limit: 1, Burst: 1}),
	}}
	fwd := &fakeForwarder{}
	clock := clockwork.NewFakeClock()
	p := newTestPipeline(t, states, fwd, clock, false)

	ctx := context.Background()
	env := Envelope{ProjectID: "42"}
	require.Equal(t, OutcomeForwarded, p.Process(ctx, env))
	require.Equal(t, OutcomeRateLimited, p.Process(ctx, env))

	// Raising the quota takes effect on the next admission.
	states.mu.Lock()
	states.states["42"] = projectState("42", aorta.RateLimit{Limit: 10, Burst: 10})
	states.mu.Unlock()

	require.Equal(t, OutcomeForwarded, p.Process(ctx, env))
}

func TestProcessForwarderFailure(t *testing.T) {
	states := &fakeStates{states: map[aorta.ProjectID]*aorta.ProjectState{
		"42": projectState("42"),
	}}
	fwd := &fakeForwarder{err: trace.ConnectionProblem(nil, "upstream down")}
	p := newTestPipeline(t, states, fwd, clockwork.NewFakeClock(), false)

	outcome := p.Process(context.Background(), Envelope{ProjectID: "42"})
	require.Equal(t, OutcomeUnavailable, outcome)
}
