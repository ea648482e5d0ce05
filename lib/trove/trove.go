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

// Package trove caches per-project state fetched from the upstream through
// the aorta protocol engine. It bounds upstream load with single-flight
// coalescing: no matter how many requests miss on the same project at once,
// at most one fetch per project is ever in flight.
package trove

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gravitational/relay"
	"github.com/gravitational/relay/lib/aorta"
	"github.com/gravitational/relay/lib/defaults"
	"github.com/gravitational/relay/lib/utils"
	logutils "github.com/gravitational/relay/lib/utils/log"
)

var (
	cacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_trove_hits_total",
		Help: "Number of project state reads served from cache.",
	})
	cacheMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_trove_misses_total",
		Help: "Number of project state reads that required an upstream fetch.",
	})
	cacheCoalesced = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_trove_coalesced_total",
		Help: "Number of project state reads that joined an in-flight fetch.",
	})
	cacheStaleServed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_trove_stale_served_total",
		Help: "Number of expired project states served while a refresh proceeded in the background.",
	})
	cacheEvictions = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_trove_evictions_total",
		Help: "Number of idle cache entries removed by the janitor.",
	})
	cacheFetchErrs = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_trove_fetch_errors_total",
		Help: "Number of upstream project state fetches that failed.",
	})
)

// TemporarilyUnavailableError indicates the project state could not be
// served because the upstream is unreachable, slow, or the relay is between
// registrations. The admission pipeline decides what to do with it.
type TemporarilyUnavailableError struct {
	Err error
}

// Error returns the unavailability message.
func (e *TemporarilyUnavailableError) Error() string {
	return fmt.Sprintf("project state temporarily unavailable: %v", e.Err)
}

// Unwrap returns the underlying cause.
func (e *TemporarilyUnavailableError) Unwrap() error { return e.Err }

// IsTemporarilyUnavailable returns true if err indicates a transient
// inability to obtain project state.
func IsTemporarilyUnavailable(err error) bool {
	var u *TemporarilyUnavailableError
	return errors.As(trace.Unwrap(err), &u)
}

// Fetcher fetches project state from the upstream. The aorta engine is the
// production implementation.
type Fetcher interface {
	FetchProjectState(ctx context.Context, id aorta.ProjectID) (*aorta.ProjectState, error)
}

// CacheConfig configures a Cache.
type CacheConfig struct {
	// Fetcher loads project state on misses.
	Fetcher Fetcher
	// ServeStale, when set, serves an expired-but-present state
	// immediately while a refresh proceeds in the background. When unset,
	// readers of an expired entry block on the refresh.
	ServeStale bool
	// EvictAfterIdle is how long an entry may go unread before the
	// janitor removes it. Independent of state expiry, which governs
	// freshness, not removal.
	EvictAfterIdle time.Duration
	// Clock is used for expiry and eviction timing.
	Clock clockwork.Clock
	// Logger emits cache logs.
	Logger *slog.Logger
}

// CheckAndSetDefaults checks and sets default cache parameters.
func (c *CacheConfig) CheckAndSetDefaults() error {
	if c.Fetcher == nil {
		return trace.BadParameter("missing parameter Fetcher")
	}
	if c.EvictAfterIdle == 0 {
		c.EvictAfterIdle = defaults.EvictAfterIdle
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = logutils.NewPackageLogger(relay.ComponentKey, relay.ComponentTrove)
	}
	return nil
}

// flight is one in-flight fetch. Its result becomes visible to waiters when
// done is closed and is never modified afterwards.
type flight struct {
	done  chan struct{}
	state *aorta.ProjectState
	err   error
}

// entry is one cache slot. All fields are guarded by the cache mutex except
// the settled flight result, which is safe to read after the flight's done
// channel is closed.
type entry struct {
	state      *aorta.ProjectState
	inflight   *flight
	lastAccess time.Time

	// lastFetchAt and lastFetchErr record the outcome of the most recent
	// fetch attempt for this project; lastFetchErr is nil after a success.
	lastFetchAt  time.Time
	lastFetchErr error
}

// Cache is a concurrent project state cache with TTL expiry, single-flight
// fetch coalescing and idle eviction.
type Cache struct {
	cfg CacheConfig

	mu      sync.Mutex
	entries map[aorta.ProjectID]*entry
}

// NewCache returns an empty cache.
func NewCache(cfg CacheConfig) (*Cache, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := utils.RegisterPrometheusCollectors(
		cacheHits, cacheMisses, cacheCoalesced,
		cacheStaleServed, cacheEvictions, cacheFetchErrs,
	); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Cache{
		cfg:     cfg,
		entries: make(map[aorta.ProjectID]*entry),
	}, nil
}

// Get returns the current state of a project. A fresh cached state returns
// immediately. On a miss or an expired entry, the first caller starts the
// single upstream fetch for that project and every concurrent caller joins
// its result. Transient fetch failures surface as
// TemporarilyUnavailableError; a project the upstream does not know surfaces
// as a not-found error. A failed refresh never discards a previously
// fetched state.
func (c *Cache) Get(ctx context.Context, id aorta.ProjectID) (*aorta.ProjectState, error) {
	now := c.cfg.Clock.Now()

	c.mu.Lock()
	ent := c.entries[id]
	if ent == nil {
		ent = &entry{}
		c.entries[id] = ent
	}
	ent.lastAccess = now

	if ent.state != nil && !ent.state.Expired(now) {
		state := ent.state
		c.mu.Unlock()
		cacheHits.Inc()
		return state, nil
	}

	if ent.state != nil && c.cfg.ServeStale {
		// Serve the stale state now, refresh behind.
		if ent.inflight == nil {
			c.startFetchLocked(id, ent)
		}
		state := ent.state
		c.mu.Unlock()
		cacheStaleServed.Inc()
		return state, nil
	}

	fl := ent.inflight
	if fl == nil {
		fl = c.startFetchLocked(id, ent)
		cacheMisses.Inc()
	} else {
		cacheCoalesced.Inc()
	}
	c.mu.Unlock()

	select {
	case <-fl.done:
	case <-ctx.Done():
		return nil, trace.Wrap(ctx.Err())
	}
	if fl.err != nil {
		return nil, trace.Wrap(fl.err)
	}
	return fl.state, nil
}

// startFetchLocked marks the entry in-flight and launches the fetch. The
// fetch runs detached from any single caller's context so that one canceled
// caller does not fail the result for the waiters that remain; the fetcher
// bounds the fetch with its own timeout.
func (c *Cache) startFetchLocked(id aorta.ProjectID, ent *entry) *flight {
	fl := &flight{done: make(chan struct{})}
	ent.inflight = fl

	go func() {
		state, err := c.cfg.Fetcher.FetchProjectState(context.Background(), id)

		c.mu.Lock()
		ent.lastFetchAt = c.cfg.Clock.Now()
		if err == nil {
			fl.state = state
			ent.state = state
			ent.lastFetchErr = nil
		} else {
			fl.err = classifyFetchError(err)
			ent.lastFetchErr = fl.err
		}
		ent.inflight = nil
		c.mu.Unlock()
		close(fl.done)

		if err != nil {
			cacheFetchErrs.Inc()
			c.cfg.Logger.DebugContext(context.Background(), "Project state fetch failed.",
				"project_id", id,
				"error", err,
			)
		}
	}()
	return fl
}

// classifyFetchError maps engine errors to the cache's caller-facing
// taxonomy: not-found passes through as unknown-project, everything
// transient becomes TemporarilyUnavailableError.
func classifyFetchError(err error) error {
	if trace.IsNotFound(err) {
		return trace.Wrap(err)
	}
	return trace.Wrap(&TemporarilyUnavailableError{Err: err})
}

// Len returns the number of entries currently held.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// FetchStatus describes the most recent settled fetch attempt for a project.
type FetchStatus struct {
	// At is when the attempt settled.
	At time.Time
	// Err is the classified attempt error, nil after a success.
	Err error
}

// LastFetch reports the most recent settled fetch attempt for a project.
// It returns false if the project is not in the cache or no attempt has
// settled yet.
func (c *Cache) LastFetch(id aorta.ProjectID) (FetchStatus, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ent := c.entries[id]
	if ent == nil || ent.lastFetchAt.IsZero() {
		return FetchStatus{}, false
	}
	return FetchStatus{At: ent.lastFetchAt, Err: ent.lastFetchErr}, true
}

// RunEvictionLoop periodically removes entries that have not been read for
// the configured idle threshold, bounding memory. It runs until ctx is
// canceled.
func (c *Cache) RunEvictionLoop(ctx context.Context) {
	interval := c.cfg.EvictAfterIdle / 10
	if interval < time.Second {
		interval = time.Second
	}
	for {
		select {
		case <-c.cfg.Clock.After(interval):
		case <-ctx.Done():
			return
		}
		c.evictIdle(ctx)
	}
}

func (c *Cache) evictIdle(ctx context.Context) {
	now := c.cfg.Clock.Now()

	c.mu.Lock()
	var evicted int
	for id, ent := range c.entries {
		if ent.inflight != nil {
			continue
		}
		if now.Sub(ent.lastAccess) > c.cfg.EvictAfterIdle {
			delete(c.entries, id)
			evicted++
		}
	}
	c.mu.Unlock()

	if evicted > 0 {
		cacheEvictions.Add(float64(evicted))
		c.cfg.Logger.DebugContext(ctx, "Evicted idle cache entries.", "count", evicted)
	}
}
