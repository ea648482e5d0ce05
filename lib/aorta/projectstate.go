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

package aorta

import (
	"encoding/json"
	"time"
)

// ProjectStateFormatVersion is the format version of project states this
// relay understands. A state arriving with a different version is treated as
// absent rather than as an error, so old relays degrade to unknown-project
// behavior instead of misreading new fields.
const ProjectStateFormatVersion = 1

// ProjectID identifies a tenant. It is opaque to the relay.
type ProjectID string

// RateLimit describes one rate limit the upstream imposes on a project's
// events.
type RateLimit struct {
	// Category scopes the limit to one class of events; empty applies to
	// all events.
	Category string `json:"category,omitempty"`
	// Limit is the sustained rate in events per second.
	Limit float64 `json:"limit"`
	// Burst is the number of events that may exceed the sustained rate
	// momentarily. Zero means a default burst derived from Limit.
	Burst int `json:"burst,omitempty"`
}

// ProjectState is the configuration the upstream holds for one project. A
// ProjectState is immutable once constructed: a refresh produces a new
// instance, never an in-place mutation, so concurrent readers never observe
// a half-updated state.
type ProjectState struct {
	// ProjectID is the project this state belongs to.
	ProjectID ProjectID
	// Config is the project configuration, opaque to the relay core.
	Config json.RawMessage
	// PublicKeys are the public keys valid for event submissions to this
	// project, base64 encoded.
	PublicKeys []string
	// RateLimits are the limits to enforce on this project's events.
	RateLimits []RateLimit
	// FetchedAt is when this state was fetched from the upstream.
	FetchedAt time.Time
	// Validity is how long past FetchedAt the state remains fresh.
	Validity time.Duration
}

// ExpiresAt returns the instant the state stops being fresh.
func (s *ProjectState) ExpiresAt() time.Time {
	return s.FetchedAt.Add(s.Validity)
}

// Expired reports whether the state is stale at the given instant.
func (s *ProjectState) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt())
}
