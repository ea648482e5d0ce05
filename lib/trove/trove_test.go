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

package trove

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/gravitational/relay/lib/aorta"
)

// fakeFetcher is a scripted Fetcher that counts upstream fetches.
type fakeFetcher struct {
	clock clockwork.Clock
	calls atomic.Int64

	mu sync.Mutex
	fn func(id aorta.ProjectID) (*aorta.ProjectState, error)
}

func (f *fakeFetcher) set(fn func(id aorta.ProjectID) (*aorta.ProjectState, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fn = fn
}

func (f *fakeFetcher) FetchProjectState(ctx context.Context, id aorta.ProjectID) (*aorta.ProjectState, error) {
	f.calls.Add(1)
	f.mu.Lock()
	fn := f.fn
	f.mu.Unlock()
	return fn(id)
}

// stateFor builds a fresh immutable state as the engine would.
func (f *fakeFetcher) stateFor(id aorta.ProjectID, validity time.Duration) *aorta.ProjectState {
	return &aorta.ProjectState{
		ProjectID: id,
		FetchedAt: f.clock.Now().UTC(),
		Validity:  validity,
	}
}

func newTestCache(t *testing.T, clock clockwork.Clock, serveStale bool) (*Cache, *fakeFetcher) {
	fetcher := &fakeFetcher{clock: clock}
	fetcher.set(func(id aorta.ProjectID) (*aorta.ProjectState, error) {
		return fetcher.stateFor(id, time.Minute), nil
	})
	cache, err := NewCache(CacheConfig{
		Fetcher:        fetcher,
		ServeStale:     serveStale,
		EvictAfterIdle: time.Hour,
		Clock:          clock,
	})
	require.NoError(t, err)
	return cache, fetcher
}

func TestGetCachesState(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	cache, fetcher := newTestCache(t, clock, false)

	first, err := cache.Get(ctx, aorta.ProjectID("42"))
	require.NoError(t, err)
	require.Equal(t, aorta.ProjectID("42"), first.ProjectID)
	require.EqualValues(t, 1, fetcher.calls.Load())

	// An immediate second read is a hit: same instance, no second fetch.
	second, err := cache.Get(ctx, aorta.ProjectID("42"))
	require.NoError(t, err)
	require.Same(t, first, second)
	require.EqualValues(t, 1, fetcher.calls.Load())
}

func TestExpiryLaw(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	cache, fetcher := newTestCache(t, clock, false)

	const validity = time.Minute
	fetcher.set(func(id aorta.ProjectID) (*aorta.ProjectState, error) {
		return fetcher.stateFor(id, validity), nil
	})

	first, err := cache.Get(ctx, aorta.ProjectID("42"))
	require.NoError(t, err)

	// Just before expiry the cached value is served without a fetch.
	clock.Advance(validity - time.Second)
	cached, err := cache.Get(ctx, aorta.ProjectID("42"))
	require.NoError(t, err)
	require.Same(t, first, cached)
	require.EqualValues(t, 1, fetcher.calls.Load())

	// Just after expiry a fetch is triggered and a distinct, newer
	// instance replaces the old one.
	clock.Advance(2 * time.Second)
	refreshed, err := cache.Get(ctx, aorta.ProjectID("42"))
	require.NoError(t, err)
	require.NotSame(t, first, refreshed)
	require.True(t, refreshed.FetchedAt.After(first.FetchedAt))
	require.EqualValues(t, 2, fetcher.calls.Load())
}

func TestProjectUnknown(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	cache, fetcher := newTestCache(t, clock, false)

	fetcher.set(func(id aorta.ProjectID) (*aorta.ProjectState, error) {
		return nil, trace.NotFound("project %q is not known to the upstream", id)
	})

	_, err := cache.Get(ctx, aorta.ProjectID("7"))
	require.Error(t, err)
	require.True(t, trace.IsNotFound(err))
	require.False(t, IsTemporarilyUnavailable(err))
}

func TestTemporarilyUnavailable(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	cache, fetcher := newTestCache(t, clock, false)

	fetcher.set(func(id aorta.ProjectID) (*aorta.ProjectState, error) {
		return nil, trace.Wrap(&aorta.UnreachableError{Err: trace.ConnectionProblem(nil, "refused")})
	})

	_, err := cache.Get(ctx, aorta.ProjectID("42"))
	require.Error(t, err)
	require.True(t, IsTemporarilyUnavailable(err))
	require.False(t, trace.IsNotFound(err))
}

func TestSingleFlight(t *testing.T) {
	ctx := context.Background()
	cache, fetcher := newTestCache(t, clockwork.NewRealClock(), false)

	fetcher.set(func(id aorta.ProjectID) (*aorta.ProjectState, error) {
		time.Sleep(50 * time.Millisecond)
		return fetcher.stateFor(id, time.Minute), nil
	})

	const callers = 10
	results := make([]*aorta.ProjectState, callers)
	errs := make([]error, callers)

	var wg sync.WaitGroup
	start := time.Now()
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = cache.Get(ctx, aorta.ProjectID("99"))
		}()
	}
	wg.Wait()
	elapsed := time.Since(start)

	// Exactly one upstream fetch, all callers sharing its result in
	// roughly one fetch latency.
	require.EqualValues(t, 1, fetcher.calls.Load())
	require.Less(t, elapsed, time.Second)
	for i := range callers {
		require.NoError(t, errs[i])
		require.Same(t, results[0], results[i])
	}
}

func TestSingleFlightSharesError(t *testing.T) {
	ctx := context.Background()
	cache, fetcher := newTestCache(t, clockwork.NewRealClock(), false)

	fetcher.set(func(id aorta.ProjectID) (*aorta.ProjectState, error) {
		time.Sleep(20 * time.Millisecond)
		return nil, trace.Wrap(&aorta.TimeoutError{Err: context.DeadlineExceeded})
	})

	const callers = 5
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = cache.Get(ctx, aorta.ProjectID("99"))
		}()
	}
	wg.Wait()

	require.EqualValues(t, 1, fetcher.calls.Load())
	for i := range callers {
		require.Error(t, errs[i])
		require.True(t, IsTemporarilyUnavailable(errs[i]), "all coalesced waiters must see the same classified error")
	}
}

func TestWaiterHonorsContext(t *testing.T) {
	cache, fetcher := newTestCache(t, clockwork.NewRealClock(), false)

	release := make(chan struct{})
	defer close(release)
	fetcher.set(func(id aorta.ProjectID) (*aorta.ProjectState, error) {
		<-release
		return fetcher.stateFor(id, time.Minute), nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := cache.Get(ctx, aorta.ProjectID("42"))
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestFailedRefreshKeepsPriorState(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	cache, fetcher := newTestCache(t, clock, false)

	first, err := cache.Get(ctx, aorta.ProjectID("42"))
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)
	fetcher.set(func(id aorta.ProjectID) (*aorta.ProjectState, error) {
		return nil, trace.Wrap(&aorta.UnreachableError{Err: trace.ConnectionProblem(nil, "refused")})
	})

	// The failed refresh surfaces its error to the caller...
	_, err = cache.Get(ctx, aorta.ProjectID("42"))
	require.Error(t, err)
	require.True(t, IsTemporarilyUnavailable(err))

	// ...but does not discard the previously fetched state: once the
	// upstream recovers the entry refreshes normally, and in the meantime
	// the prior instance was never mutated.
	require.Equal(t, aorta.ProjectID("42"), first.ProjectID)
	fetcher.set(func(id aorta.ProjectID) (*aorta.ProjectState, error) {
		return fetcher.stateFor(id, time.Minute), nil
	})
	recovered, err := cache.Get(ctx, aorta.ProjectID("42"))
	require.NoError(t, err)
	require.NotSame(t, first, recovered)
}

func TestLastFetchTracksAttempts(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	cache, fetcher := newTestCache(t, clock, false)

	_, ok := cache.LastFetch(aorta.ProjectID("42"))
	require.False(t, ok, "no attempt has settled yet")

	fetcher.set(func(id aorta.ProjectID) (*aorta.ProjectState, error) {
		return nil, trace.Wrap(&aorta.UnreachableError{Err: trace.ConnectionProblem(nil, "refused")})
	})
	_, err := cache.Get(ctx, aorta.ProjectID("42"))
	require.Error(t, err)

	status, ok := cache.LastFetch(aorta.ProjectID("42"))
	require.True(t, ok)
	require.Equal(t, clock.Now(), status.At)
	require.True(t, IsTemporarilyUnavailable(status.Err))

	clock.Advance(2 * time.Minute)
	fetcher.set(func(id aorta.ProjectID) (*aorta.ProjectState, error) {
		return fetcher.stateFor(id, time.Minute), nil
	})
	_, err = cache.Get(ctx, aorta.ProjectID("42"))
	require.NoError(t, err)

	status, ok = cache.LastFetch(aorta.ProjectID("42"))
	require.True(t, ok)
	require.Equal(t, clock.Now(), status.At)
	require.NoError(t, status.Err, "a successful fetch clears the prior attempt error")
}

func TestServeStaleRefreshBehind(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	cache, fetcher := newTestCache(t, clock, true)

	first, err := cache.Get(ctx, aorta.ProjectID("42"))
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)

	release := make(chan struct{})
	fetcher.set(func(id aorta.ProjectID) (*aorta.ProjectState, error) {
		<-release
		return fetcher.stateFor(id, time.Minute), nil
	})

	// The expired state is served immediately while the refresh runs.
	stale, err := cache.Get(ctx, aorta.ProjectID("42"))
	require.NoError(t, err)
	require.Same(t, first, stale)

	close(release)
	require.Eventually(t, func() bool {
		state, err := cache.Get(ctx, aorta.ProjectID("42"))
		return err == nil && state != first
	}, 5*time.Second, 10*time.Millisecond, "refreshed state must replace the stale one")
	require.EqualValues(t, 2, fetcher.calls.Load(), "the background refresh must be single-flight")
}

func TestIdleEviction(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	fetcher := &fakeFetcher{clock: clock}
	fetcher.set(func(id aorta.ProjectID) (*aorta.ProjectState, error) {
		// Long validity so eviction, not expiry, is what removes entries.
		return fetcher.stateFor(id, 24*time.Hour), nil
	})
	cache, err := NewCache(CacheConfig{
		Fetcher:        fetcher,
		EvictAfterIdle: time.Hour,
		Clock:          clock,
	})
	require.NoError(t, err)

	_, err = cache.Get(ctx, aorta.ProjectID("a"))
	require.NoError(t, err)
	_, err = cache.Get(ctx, aorta.ProjectID("b"))
	require.NoError(t, err)
	require.Equal(t, 2, cache.Len())

	// Touch "a" halfway through the idle window; "b" stays untouched.
	clock.Advance(31 * time.Minute)
	_, err = cache.Get(ctx, aorta.ProjectID("a"))
	require.NoError(t, err)

	clock.Advance(31 * time.Minute)
	cache.evictIdle(ctx)

	require.Equal(t, 1, cache.Len())
	_, err = cache.Get(ctx, aorta.ProjectID("a"))
	require.NoError(t, err)
	require.EqualValues(t, 2, fetcher.calls.Load(), "the touched entry must survive eviction")
}
