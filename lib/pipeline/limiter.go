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
	"math"
	"sync"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"

	"github.com/gravitational/relay/lib/aorta"
	"github.com/gravitational/relay/lib/defaults"
)

type limiterKey struct {
	project  aorta.ProjectID
	category string
}

// projectLimiter is a token bucket for one rate limit descriptor. The
// descriptor parameters are kept alongside so a changed descriptor in a
// refreshed project state replaces the bucket rather than mutating it.
type projectLimiter struct {
	limit  rate.Limit
	burst  int
	bucket *rate.Limiter
}

// limiterRegistry keeps token bucket state across project state refreshes:
// project state objects are immutable snapshots, so bucket fill levels must
// survive them. Buckets are keyed by project and descriptor category.
type limiterRegistry struct {
	clock clockwork.Clock

	mu       sync.Mutex
	limiters map[limiterKey]*projectLimiter
}

func newLimiterRegistry(clock clockwork.Clock) *limiterRegistry {
	return &limiterRegistry{
		clock:    clock,
		limiters: make(map[limiterKey]*projectLimiter),
	}
}

// allow consumes one token from each descriptor of the project state that
// applies to the given event category. Unscoped descriptors apply to all
// events; scoped ones only to matching categories. Returns false if any
// applicable bucket is empty.
func (r *limiterRegistry) allow(state *aorta.ProjectState, category string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	allowed := true
	for _, rl := range state.RateLimits {
		if rl.Category != "" && rl.Category != category {
			continue
		}
		// A zero quota rejects everything in its scope.
		if rl.Limit <= 0 {
			allowed = false
			continue
		}
		bucket := r.bucketLocked(state.ProjectID, rl)
		// Consume from every applicable bucket even after a denial so
		// category-scoped and unscoped limits deplete consistently.
		if !bucket.AllowN(now, 1) {
			allowed = false
		}
	}
	return allowed
}

func (r *limiterRegistry) bucketLocked(project aorta.ProjectID, rl aorta.RateLimit) *rate.Limiter {
	key := limiterKey{project: project, category: rl.Category}
	limit := rate.Limit(rl.Limit)
	burst := rl.Burst
	if burst <= 0 {
		burst = int(math.Ceil(rl.Limit)) * defaults.RateBurstMultiplier
	}
	if burst < 1 {
		burst = 1
	}
	lim, ok := r.limiters[key]
	if !ok || lim.limit != limit || lim.burst != burst {
		lim = &projectLimiter{
			limit:  limit,
			burst:  burst,
			bucket: rate.NewLimiter(limit, burst),
		}
		r.limiters[key] = lim
	}
	return lim.bucket
}
