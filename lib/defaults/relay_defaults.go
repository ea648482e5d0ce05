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

// Package defaults defines default values used across the relay when the
// configuration file leaves them unset.
package defaults

import "time"

const (
	// HeartbeatInterval is how often a registered relay announces itself
	// to the upstream.
	HeartbeatInterval = 30 * time.Second

	// HeartbeatMaxErrs is the number of consecutive heartbeat failures
	// tolerated before the relay considers its registration lost and
	// re-registers.
	HeartbeatMaxErrs = 3

	// FetchTimeout bounds a single project state fetch, including transport
	// retries.
	FetchTimeout = 10 * time.Second

	// RegisterTimeout bounds one full registration handshake.
	RegisterTimeout = 15 * time.Second

	// ProjectStateTTL is the validity assigned to a fetched project state
	// when the upstream response does not carry one.
	ProjectStateTTL = 60 * time.Second

	// EvictAfterIdle is how long a cache entry may go unread before the
	// janitor removes it entirely.
	EvictAfterIdle = time.Hour

	// TransportRetries is the number of additional attempts the upstream
	// transport makes after a connection-level failure or timeout.
	TransportRetries = 2

	// TransportBackoffBase is the first delay of the exponential backoff
	// between transport retries; it doubles on every retry.
	TransportBackoffBase = 250 * time.Millisecond

	// TransportBackoffMax caps the backoff between transport retries.
	TransportBackoffMax = 2 * time.Second

	// HTTPListenAddr is the default address of the event ingest endpoint.
	HTTPListenAddr = "127.0.0.1:3000"

	// DiagListenAddr is the default address of the diagnostics endpoint
	// (metrics and health).
	DiagListenAddr = "127.0.0.1:3001"
)

// RateBurstMultiplier converts an events-per-second limit into a token bucket
// burst when the descriptor does not specify one.
const RateBurstMultiplier = 2
