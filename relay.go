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

// Package relay holds identifiers shared across the relay codebase.
package relay

// Version is the semantic version of the relay announced to the upstream
// during registration.
const Version = "0.5.0"

const (
	// ComponentKey is the log attribute key used to identify the component
	// a log line originates from.
	ComponentKey = "component"

	// ComponentAorta is the upstream trust/registration protocol engine.
	ComponentAorta = "aorta"

	// ComponentTrove is the project state cache.
	ComponentTrove = "trove"

	// ComponentPipeline is the per-envelope admission pipeline.
	ComponentPipeline = "pipeline"

	// ComponentTransport is the signed upstream transport.
	ComponentTransport = "transport"

	// ComponentService is the process-level wiring and front door.
	ComponentService = "service"
)
