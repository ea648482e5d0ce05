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

// Package aorta implements the signed trust protocol between this relay and
// its upstream: the registration handshake, periodic heartbeats, and the
// signed data-plane fetches the project state cache is populated through.
package aorta

import (
	"context"
	"crypto/ed25519"
	"log/slog"
	"sync"
	"time"

	"github.com/coreos/go-semver/semver"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/gravitational/relay"
	"github.com/gravitational/relay/lib/defaults"
	"github.com/gravitational/relay/lib/identity"
	"github.com/gravitational/relay/lib/utils"
	logutils "github.com/gravitational/relay/lib/utils/log"
)

// State is the relay's registration state with the upstream.
type State int

const (
	// StateUnregistered means the relay holds no live registration.
	StateUnregistered State = iota
	// StateChallenged means a handshake is in progress and the upstream's
	// challenge has been received but not yet answered.
	StateChallenged
	// StateRegistered means the upstream has assigned a relay id and the
	// signed channel is live.
	StateRegistered
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateUnregistered:
		return "unregistered"
	case StateChallenged:
		return "challenged"
	case StateRegistered:
		return "registered"
	default:
		return "unknown"
	}
}

type testEvent string

const (
	registerOk  testEvent = "register-ok"
	registerErr testEvent = "register-err"

	heartbeatOk  testEvent = "heartbeat-ok"
	heartbeatErr testEvent = "heartbeat-err"

	heartbeatTick testEvent = "heartbeat-tick"

	engineDemoted testEvent = "engine-demoted"
)

// EngineConfig configures an Engine.
type EngineConfig struct {
	// Identity holds the relay's keypair and relay id.
	Identity *identity.Identity
	// Transport delivers signed requests to the upstream.
	Transport Transport
	// UpstreamPublicKey verifies signatures on upstream responses.
	UpstreamPublicKey ed25519.PublicKey
	// HeartbeatInterval is how often the heartbeat loop announces the
	// relay.
	HeartbeatInterval time.Duration
	// HeartbeatMaxErrs is how many consecutive heartbeat failures are
	// tolerated before the registration is considered lost.
	HeartbeatMaxErrs int
	// RegisterTimeout bounds one full registration handshake.
	RegisterTimeout time.Duration
	// FetchTimeout bounds one data-plane fetch.
	FetchTimeout time.Duration
	// DefaultStateTTL is the validity applied to fetched project states
	// that do not carry one.
	DefaultStateTTL time.Duration
	// Clock is used for all protocol timing.
	Clock clockwork.Clock
	// Logger emits engine logs.
	Logger *slog.Logger

	// testEvents is an optional channel used by tests to observe engine
	// internals.
	testEvents chan testEvent
}

// CheckAndSetDefaults checks and sets default engine parameters.
func (c *EngineConfig) CheckAndSetDefaults() error {
	if c.Identity == nil {
		return trace.BadParameter("missing parameter Identity")
	}
	if c.Transport == nil {
		return trace.BadParameter("missing parameter Transport")
	}
	if len(c.UpstreamPublicKey) != ed25519.PublicKeySize {
		return trace.BadParameter("missing or invalid parameter UpstreamPublicKey")
	}
	if _, err := semver.NewVersion(relay.Version); err != nil {
		return trace.BadParameter("relay version %q is not a valid semver: %v", relay.Version, err)
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = defaults.HeartbeatInterval
	}
	if c.HeartbeatMaxErrs == 0 {
		c.HeartbeatMaxErrs = defaults.HeartbeatMaxErrs
	}
	if c.RegisterTimeout == 0 {
		c.RegisterTimeout = defaults.RegisterTimeout
	}
	if c.FetchTimeout == 0 {
		c.FetchTimeout = defaults.FetchTimeout
	}
	if c.DefaultStateTTL == 0 {
		c.DefaultStateTTL = defaults.ProjectStateTTL
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = logutils.NewPackageLogger(relay.ComponentKey, relay.ComponentAorta)
	}
	return nil
}

// Engine drives the aorta protocol: it owns the registration state machine,
// sends heartbeats, and issues signed data-plane fetches once registered.
// Registration and heartbeats (control plane) are serialized with each
// other; fetches (data plane) only read the settled state and proceed
// concurrently.
type Engine struct {
	cfg    EngineConfig
	jitter utils.Jitter

	// opMu serializes control plane operations (register, heartbeat).
	opMu sync.Mutex

	// mu guards the registration state fields below.
	mu             sync.RWMutex
	state          State
	challengeToken string
	challengedAt   time.Time
	registeredAt   time.Time
	lastHeartbeat  time.Time
	heartbeatErrs  int
}

// NewEngine returns an engine in the Unregistered state.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Engine{
		cfg:    cfg,
		jitter: utils.NewSeventhJitter(),
	}, nil
}

// CurrentState returns the registration state.
func (e *Engine) CurrentState() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// Status is a point-in-time snapshot of the engine for health reporting.
type Status struct {
	// State is the registration state.
	State State
	// RelayID is the bound relay id, empty before first registration.
	RelayID string
	// RegisteredAt is when the current registration completed.
	RegisteredAt time.Time
	// LastHeartbeat is when the last heartbeat was acknowledged.
	LastHeartbeat time.Time
	// HeartbeatErrs is the current consecutive heartbeat failure count.
	HeartbeatErrs int
}

// Status returns a snapshot of the engine state.
func (e *Engine) Status() Status {
	e.mu.RLock()
	defer e.mu.RUnlock()
	relayID, _ := e.cfg.Identity.RelayID()
	return Status{
		State:         e.state,
		RelayID:       relayID,
		RegisteredAt:  e.registeredAt,
		LastHeartbeat: e.lastHeartbeat,
		HeartbeatErrs: e.heartbeatErrs,
	}
}

// Register performs the registration handshake: initiate, receive the
// upstream's challenge, answer it, and bind the assigned relay id. Calling
// Register while already registered is a no-op that returns the existing
// relay id. Any failure leaves the engine unregistered.
func (e *Engine) Register(ctx context.Context) (string, error) {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	if e.CurrentState() == StateRegistered {
		relayID, _ := e.cfg.Identity.RelayID()
		return relayID, nil
	}

	relayID, err := e.register(ctx)
	if err != nil {
		e.mu.Lock()
		e.state = StateUnregistered
		e.challengeToken = ""
		e.challengedAt = time.Time{}
		e.mu.Unlock()
		e.emit(registerErr)
		return "", trace.Wrap(&RegistrationFailedError{Err: err})
	}

	e.emit(registerOk)
	e.cfg.Logger.InfoContext(ctx, "Registered with upstream.", "relay_id", relayID)
	return relayID, nil
}

func (e *Engine) register(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.RegisterTimeout)
	defer cancel()

	existingID, _ := e.cfg.Identity.RelayID()

	body, sig, err := encodeAndSign(e.cfg.Identity, RegisterRequest{
		RelayID:   existingID,
		PublicKey: e.cfg.Identity.PublicKeyBase64(),
		Version:   relay.Version,
		Timestamp: e.cfg.Clock.Now().UTC(),
	})
	if err != nil {
		return "", trace.Wrap(err)
	}
	resp, err := e.cfg.Transport.Do(ctx, &SignedRequest{
		Endpoint:  EndpointRegister,
		Body:      body,
		Signature: sig,
		RelayID:   existingID,
	})
	if err != nil {
		return "", trace.Wrap(err)
	}

	var challenge RegisterChallenge
	if err := verifyAndDecode(e.cfg.UpstreamPublicKey, resp, &challenge); err != nil {
		return "", trace.Wrap(err)
	}
	if challenge.Token == "" {
		return "", trace.Wrap(&MalformedResponseError{Err: trace.BadParameter("challenge is missing its token")})
	}

	e.mu.Lock()
	e.state = StateChallenged
	e.challengeToken = challenge.Token
	e.challengedAt = e.cfg.Clock.Now().UTC()
	token := e.challengeToken
	e.mu.Unlock()

	body, sig, err = encodeAndSign(e.cfg.Identity, RegisterChallengeResponse{
		Token:     token,
		PublicKey: e.cfg.Identity.PublicKeyBase64(),
		Timestamp: e.cfg.Clock.Now().UTC(),
	})
	if err != nil {
		return "", trace.Wrap(err)
	}
	resp, err = e.cfg.Transport.Do(ctx, &SignedRequest{
		Endpoint:  EndpointRegisterRespond,
		Body:      body,
		Signature: sig,
		RelayID:   existingID,
	})
	if err != nil {
		return "", trace.Wrap(err)
	}

	var confirmation RegisterConfirmation
	if err := verifyAndDecode(e.cfg.UpstreamPublicKey, resp, &confirmation); err != nil {
		return "", trace.Wrap(err)
	}
	if confirmation.RelayID == "" {
		return "", trace.Wrap(&MalformedResponseError{Err: trace.BadParameter("confirmation is missing the relay id")})
	}
	if err := e.cfg.Identity.BindRelayID(confirmation.RelayID); err != nil {
		return "", trace.Wrap(err)
	}

	now := e.cfg.Clock.Now().UTC()
	e.mu.Lock()
	e.state = StateRegistered
	e.challengeToken = ""
	e.challengedAt = time.Time{}
	e.registeredAt = now
	e.heartbeatErrs = 0
	e.mu.Unlock()

	return confirmation.RelayID, nil
}

// Heartbeat sends one signed heartbeat. It is only valid while registered.
// After HeartbeatMaxErrs consecutive failures the engine demotes itself to
// Unregistered, forcing the next loop tick to re-register.
func (e *Engine) Heartbeat(ctx context.Context) error {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	if e.CurrentState() != StateRegistered {
		return trace.Wrap(NotRegisteredError{})
	}
	relayID, _ := e.cfg.Identity.RelayID()

	ctx, cancel := context.WithTimeout(ctx, e.cfg.FetchTimeout)
	defer cancel()

	err := e.heartbeat(ctx, relayID)
	if err == nil {
		e.mu.Lock()
		e.lastHeartbeat = e.cfg.Clock.Now().UTC()
		e.heartbeatErrs = 0
		e.mu.Unlock()
		e.emit(heartbeatOk)
		return nil
	}

	e.emit(heartbeatErr)
	if status, rejected := IsUpstreamRejected(err); rejected && isAuthStatus(status) {
		// The upstream no longer recognizes this registration; waiting
		// out the failure threshold would only delay recovery.
		e.demote(ctx, "upstream rejected heartbeat", status)
		return trace.Wrap(err)
	}

	e.mu.Lock()
	e.heartbeatErrs++
	errs := e.heartbeatErrs
	e.mu.Unlock()
	if errs >= e.cfg.HeartbeatMaxErrs {
		e.demote(ctx, "consecutive heartbeat failures", errs)
	}
	return trace.Wrap(err)
}

func (e *Engine) heartbeat(ctx context.Context, relayID string) error {
	body, sig, err := encodeAndSign(e.cfg.Identity, HeartbeatRequest{
		RelayID:   relayID,
		Timestamp: e.cfg.Clock.Now().UTC(),
	})
	if err != nil {
		return trace.Wrap(err)
	}
	resp, err := e.cfg.Transport.Do(ctx, &SignedRequest{
		Endpoint:  EndpointHeartbeat,
		Body:      body,
		Signature: sig,
		RelayID:   relayID,
	})
	if err != nil {
		return trace.Wrap(err)
	}

	var ack HeartbeatAck
	if err := verifyAndDecode(e.cfg.UpstreamPublicKey, resp, &ack); err != nil {
		return trace.Wrap(err)
	}
	if !ack.Ok {
		return trace.Wrap(&UpstreamRejectedError{Status: 403})
	}
	return nil
}

// RunHeartbeatLoop drives heartbeats on the configured interval until ctx is
// canceled. When the engine finds itself unregistered (initial start,
// demotion, revocation) the tick attempts a re-registration instead. The
// loop is independent of data-plane fetch traffic.
func (e *Engine) RunHeartbeatLoop(ctx context.Context) {
	for {
		select {
		case <-e.cfg.Clock.After(e.jitter(e.cfg.HeartbeatInterval)):
		case <-ctx.Done():
			return
		}
		e.emit(heartbeatTick)

		if e.CurrentState() != StateRegistered {
			if _, err := e.Register(ctx); err != nil {
				e.cfg.Logger.WarnContext(ctx, "Re-registration attempt failed.", "error", err)
			}
			continue
		}
		if err := e.Heartbeat(ctx); err != nil {
			e.cfg.Logger.WarnContext(ctx, "Heartbeat failed.", "error", err)
		}
	}
}

// FetchProjectState fetches the current state of a project over the signed
// channel. It is only valid while registered. An upstream auth rejection
// demotes the engine, as it indicates the registration was revoked.
func (e *Engine) FetchProjectState(ctx context.Context, projectID ProjectID) (*ProjectState, error) {
	e.mu.RLock()
	state := e.state
	e.mu.RUnlock()
	if state != StateRegistered {
		return nil, trace.Wrap(NotRegisteredError{})
	}
	relayID, _ := e.cfg.Identity.RelayID()

	ctx, cancel := context.WithTimeout(ctx, e.cfg.FetchTimeout)
	defer cancel()

	body, sig, err := encodeAndSign(e.cfg.Identity, ProjectStateRequest{
		RelayID:   relayID,
		ProjectID: string(projectID),
		Timestamp: e.cfg.Clock.Now().UTC(),
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	resp, err := e.cfg.Transport.Do(ctx, &SignedRequest{
		Endpoint:  EndpointProjectState,
		Body:      body,
		Signature: sig,
		RelayID:   relayID,
	})
	if err != nil {
		if status, rejected := IsUpstreamRejected(err); rejected {
			switch {
			case status == 404:
				return nil, trace.NotFound("project %q is not known to the upstream", projectID)
			case isAuthStatus(status):
				e.demote(ctx, "upstream rejected project state fetch", status)
				return nil, trace.AccessDenied("upstream revoked this relay's registration (status %d)", status)
			}
		}
		return nil, trace.Wrap(err)
	}

	var decoded ProjectStateResponse
	if err := verifyAndDecode(e.cfg.UpstreamPublicKey, resp, &decoded); err != nil {
		return nil, trace.Wrap(err)
	}
	wire := decoded.State
	if wire.FormatVersion != ProjectStateFormatVersion {
		// A state in an unknown format is treated as absent, not as an
		// error, so format bumps degrade to unknown-project behavior.
		return nil, trace.NotFound("project %q state has unsupported format version %d", projectID, wire.FormatVersion)
	}
	if wire.ProjectID != string(projectID) {
		return nil, trace.Wrap(&MalformedResponseError{Err: trace.BadParameter("response is for project %q, requested %q", wire.ProjectID, projectID)})
	}

	validity := e.cfg.DefaultStateTTL
	if wire.ExpiresIn > 0 {
		validity = time.Duration(wire.ExpiresIn) * time.Second
	}
	return &ProjectState{
		ProjectID:  projectID,
		Config:     wire.Config,
		PublicKeys: wire.PublicKeys,
		RateLimits: wire.RateLimits,
		FetchedAt:  e.cfg.Clock.Now().UTC(),
		Validity:   validity,
	}, nil
}

// FetchPublicKeys fetches the public keys of other relays from the upstream.
// Relays unknown to the upstream are absent from the result.
func (e *Engine) FetchPublicKeys(ctx context.Context, relayIDs []string) (map[string]ed25519.PublicKey, error) {
	e.mu.RLock()
	state := e.state
	e.mu.RUnlock()
	if state != StateRegistered {
		return nil, trace.Wrap(NotRegisteredError{})
	}
	relayID, _ := e.cfg.Identity.RelayID()

	ctx, cancel := context.WithTimeout(ctx, e.cfg.FetchTimeout)
	defer cancel()

	body, sig, err := encodeAndSign(e.cfg.Identity, PublicKeyRequest{
		RelayID:   relayID,
		RelayIDs:  relayIDs,
		Timestamp: e.cfg.Clock.Now().UTC(),
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	resp, err := e.cfg.Transport.Do(ctx, &SignedRequest{
		Endpoint:  EndpointPublicKeys,
		Body:      body,
		Signature: sig,
		RelayID:   relayID,
	})
	if err != nil {
		if status, rejected := IsUpstreamRejected(err); rejected && isAuthStatus(status) {
			e.demote(ctx, "upstream rejected public key fetch", status)
			return nil, trace.AccessDenied("upstream revoked this relay's registration (status %d)", status)
		}
		return nil, trace.Wrap(err)
	}

	var decoded PublicKeyResponse
	if err := verifyAndDecode(e.cfg.UpstreamPublicKey, resp, &decoded); err != nil {
		return nil, trace.Wrap(err)
	}

	keys := make(map[string]ed25519.PublicKey, len(decoded.PublicKeys))
	for id, raw := range decoded.PublicKeys {
		key, err := identity.ParsePublicKeyBase64(raw)
		if err != nil {
			return nil, trace.Wrap(&MalformedResponseError{Err: err})
		}
		keys[id] = key
	}
	return keys, nil
}

// demote drops the engine back to Unregistered. This is the only path out of
// Registered besides process shutdown.
func (e *Engine) demote(ctx context.Context, reason string, detail any) {
	e.mu.Lock()
	if e.state == StateUnregistered {
		e.mu.Unlock()
		return
	}
	e.state = StateUnregistered
	e.challengeToken = ""
	e.challengedAt = time.Time{}
	e.mu.Unlock()

	e.cfg.Logger.WarnContext(ctx, "Registration lost, relay will re-register.",
		"reason", reason,
		"detail", detail,
	)
	e.emit(engineDemoted)
}

func (e *Engine) emit(event testEvent) {
	if e.cfg.testEvents != nil {
		e.cfg.testEvents <- event
	}
}

func isAuthStatus(status int) bool {
	return status == 401 || status == 403
}
