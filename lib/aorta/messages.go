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
	"crypto/ed25519"
	"encoding/json"
	"time"

	"github.com/gravitational/trace"

	"github.com/gravitational/relay/lib/identity"
)

// Upstream endpoints. Each protocol message posts to its own endpoint under
// the upstream's relay API prefix.
const (
	// EndpointRegister receives the registration-initiate message.
	EndpointRegister = "register"
	// EndpointRegisterRespond receives the challenge response.
	EndpointRegisterRespond = "register/respond"
	// EndpointHeartbeat receives periodic heartbeats.
	EndpointHeartbeat = "heartbeat"
	// EndpointProjectState receives project state fetch requests.
	EndpointProjectState = "projectstate"
	// EndpointPublicKeys receives relay public key fetch requests.
	EndpointPublicKeys = "publickeys"
)

// RegisterRequest initiates the registration handshake. It announces the
// relay's public key and version; a relay id is included when re-registering
// with a previously assigned identity.
type RegisterRequest struct {
	RelayID   string    `json:"relay_id,omitempty"`
	PublicKey string    `json:"public_key"`
	Version   string    `json:"version"`
	Timestamp time.Time `json:"timestamp"`
}

// RegisterChallenge is the upstream's reply to a registration request.
type RegisterChallenge struct {
	Token     string    `json:"token"`
	Timestamp time.Time `json:"timestamp"`
}

// RegisterChallengeResponse proves possession of the private key by signing
// a message that carries the challenge token back to the upstream.
type RegisterChallengeResponse struct {
	Token     string    `json:"token"`
	PublicKey string    `json:"public_key"`
	Timestamp time.Time `json:"timestamp"`
}

// RegisterConfirmation completes the handshake and carries the relay id
// assigned by the upstream.
type RegisterConfirmation struct {
	RelayID   string    `json:"relay_id"`
	Timestamp time.Time `json:"timestamp"`
}

// HeartbeatRequest announces a registered relay is still alive.
type HeartbeatRequest struct {
	RelayID   string    `json:"relay_id"`
	Timestamp time.Time `json:"timestamp"`
}

// HeartbeatAck is the upstream's reply to a heartbeat.
type HeartbeatAck struct {
	Ok        bool      `json:"ok"`
	Timestamp time.Time `json:"timestamp"`
}

// ProjectStateRequest asks the upstream for the current state of a project.
type ProjectStateRequest struct {
	RelayID   string    `json:"relay_id"`
	ProjectID string    `json:"project_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ProjectStateResponse carries a fetched project state.
type ProjectStateResponse struct {
	State wireProjectState `json:"state"`
}

// wireProjectState is the on-the-wire representation of a project state.
// FetchedAt is assigned locally at decode time and Validity derives from
// ExpiresIn, so neither travels on the wire.
type wireProjectState struct {
	FormatVersion int             `json:"version"`
	ProjectID     string          `json:"project_id"`
	Config        json.RawMessage `json:"config,omitempty"`
	PublicKeys    []string        `json:"public_keys,omitempty"`
	RateLimits    []RateLimit     `json:"rate_limits,omitempty"`
	// ExpiresIn is the validity of the state in seconds. Zero means the
	// relay applies its configured default.
	ExpiresIn int64 `json:"expires_in,omitempty"`
}

// PublicKeyRequest asks the upstream for the public keys of other relays.
type PublicKeyRequest struct {
	RelayID   string    `json:"relay_id"`
	RelayIDs  []string  `json:"relay_ids"`
	Timestamp time.Time `json:"timestamp"`
}

// PublicKeyResponse carries base64 encoded public keys keyed by relay id.
// Relays unknown to the upstream are omitted.
type PublicKeyResponse struct {
	PublicKeys map[string]string `json:"public_keys"`
}

// encodeAndSign marshals msg and produces the relay's detached signature
// over the encoded body.
func encodeAndSign(ident *identity.Identity, msg any) (body, sig []byte, err error) {
	body, err = json.Marshal(msg)
	if err != nil {
		return nil, nil, trace.Wrap(err)
	}
	return body, ident.Sign(body), nil
}

// verifyAndDecode is the single verify-then-decode step applied to every
// upstream response: the signature is checked against the upstream public
// key before any byte of the body is interpreted.
func verifyAndDecode(upstreamKey ed25519.PublicKey, resp *SignedResponse, dst any) error {
	if err := identity.Verify(upstreamKey, resp.Body, resp.Signature); err != nil {
		return trace.Wrap(err)
	}
	if err := json.Unmarshal(resp.Body, dst); err != nil {
		return trace.Wrap(&MalformedResponseError{Err: err})
	}
	return nil
}
