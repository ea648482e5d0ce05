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
	"bytes"
	"context"
	"encoding/base64"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/gravitational/relay"
	"github.com/gravitational/relay/lib/defaults"
	"github.com/gravitational/relay/lib/utils"
	logutils "github.com/gravitational/relay/lib/utils/log"
)

const (
	// relayIDHeader carries the sender's relay id, once assigned.
	relayIDHeader = "X-Relay-Id"
	// relaySignatureHeader carries the base64 detached signature over the
	// request body.
	relaySignatureHeader = "X-Relay-Signature"
	// upstreamSignatureHeader carries the upstream's base64 detached
	// signature over the response body.
	upstreamSignatureHeader = "X-Upstream-Signature"

	// maxResponseBytes bounds how much of an upstream response the
	// transport is willing to read.
	maxResponseBytes = 4 << 20
)

// SignedRequest is one signed protocol message addressed to an upstream
// endpoint.
type SignedRequest struct {
	// Endpoint is the upstream endpoint, e.g. EndpointHeartbeat.
	Endpoint string
	// Body is the encoded message body.
	Body []byte
	// Signature is the relay's detached signature over Body.
	Signature []byte
	// RelayID is the sender's relay id; empty before registration
	// completes.
	RelayID string
}

// SignedResponse is the upstream's reply: an opaque body plus the upstream's
// detached signature over it. Verification is the caller's job so that every
// response passes through one uniform verify-then-decode step.
type SignedResponse struct {
	Body      []byte
	Signature []byte
}

// Transport delivers a signed request to the upstream and returns its signed
// response. Implementations classify failures as unreachable, timeout,
// upstream-rejected or malformed-response, and retry only the first two.
// Transports do not cache or coalesce; that is the cache's job.
type Transport interface {
	Do(ctx context.Context, req *SignedRequest) (*SignedResponse, error)
}

// HTTPTransportConfig configures an HTTPTransport.
type HTTPTransportConfig struct {
	// UpstreamURL is the base URL of the upstream service.
	UpstreamURL string
	// Client is the HTTP client to use; a default client is built when nil.
	Client *http.Client
	// Retries is how many additional attempts are made after a retryable
	// failure.
	Retries int
	// BackoffBase is the first delay of the exponential backoff between
	// attempts; it doubles on every retry.
	BackoffBase time.Duration
	// BackoffMax caps the backoff between attempts.
	BackoffMax time.Duration
	// Clock is used for backoff timing.
	Clock clockwork.Clock
	// Logger emits transport-level logs.
	Logger *slog.Logger
}

// CheckAndSetDefaults checks and sets default transport parameters.
func (c *HTTPTransportConfig) CheckAndSetDefaults() error {
	if c.UpstreamURL == "" {
		return trace.BadParameter("missing parameter UpstreamURL")
	}
	if _, err := url.Parse(c.UpstreamURL); err != nil {
		return trace.BadParameter("invalid upstream URL %q: %v", c.UpstreamURL, err)
	}
	if c.Client == nil {
		c.Client = &http.Client{}
	}
	if c.Retries == 0 {
		c.Retries = defaults.TransportRetries
	}
	if c.BackoffBase == 0 {
		c.BackoffBase = defaults.TransportBackoffBase
	}
	if c.BackoffMax == 0 {
		c.BackoffMax = defaults.TransportBackoffMax
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = logutils.NewPackageLogger(relay.ComponentKey, relay.ComponentTransport)
	}
	return nil
}

// HTTPTransport posts signed protocol messages to the upstream's relay API
// over HTTP(S).
type HTTPTransport struct {
	cfg    HTTPTransportConfig
	jitter utils.Jitter
}

// NewHTTPTransport returns a transport posting to the configured upstream.
func NewHTTPTransport(cfg HTTPTransportConfig) (*HTTPTransport, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &HTTPTransport{
		cfg:    cfg,
		jitter: utils.NewHalfJitter(),
	}, nil
}

// Do delivers the request, retrying connection-level failures and timeouts
// with bounded exponential backoff. Semantic rejections propagate
// immediately. The caller bounds the total time through ctx.
func (t *HTTPTransport) Do(ctx context.Context, req *SignedRequest) (*SignedResponse, error) {
	retry, err := utils.NewExponential(utils.ExponentialConfig{
		Base:   t.cfg.BackoffBase,
		Max:    t.cfg.BackoffMax,
		Jitter: t.jitter,
		Clock:  t.cfg.Clock,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	var lastErr error
	for attempt := 0; attempt <= t.cfg.Retries; attempt++ {
		if attempt > 0 {
			select {
			case <-retry.After():
				retry.Inc()
			case <-ctx.Done():
				return nil, classifyDialError(ctx.Err())
			}
		}

		resp, err := t.do(ctx, req)
		if err == nil {
			return resp, nil
		}
		if !IsRetryable(err) {
			return nil, trace.Wrap(err)
		}
		lastErr = err
		t.cfg.Logger.DebugContext(ctx, "Retrying upstream call.",
			"endpoint", req.Endpoint,
			"attempt", attempt+1,
			"error", err,
		)
	}
	return nil, trace.Wrap(lastErr)
}

func (t *HTTPTransport) do(ctx context.Context, req *SignedRequest) (*SignedResponse, error) {
	endpoint, err := url.JoinPath(t.cfg.UpstreamURL, "api", "relay", req.Endpoint)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(req.Body))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(relaySignatureHeader, base64.StdEncoding.EncodeToString(req.Signature))
	if req.RelayID != "" {
		httpReq.Header.Set(relayIDHeader, req.RelayID)
	}

	httpResp, err := t.cfg.Client.Do(httpReq)
	if err != nil {
		return nil, classifyDialError(err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		// Drain so the connection can be reused.
		io.Copy(io.Discard, io.LimitReader(httpResp.Body, maxResponseBytes))
		return nil, trace.Wrap(&UpstreamRejectedError{Status: httpResp.StatusCode})
	}

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes))
	if err != nil {
		return nil, classifyDialError(err)
	}

	rawSig := httpResp.Header.Get(upstreamSignatureHeader)
	if rawSig == "" {
		return nil, trace.Wrap(&MalformedResponseError{Err: trace.BadParameter("response is missing %v header", upstreamSignatureHeader)})
	}
	sig, err := base64.StdEncoding.DecodeString(rawSig)
	if err != nil {
		return nil, trace.Wrap(&MalformedResponseError{Err: err})
	}

	return &SignedResponse{Body: body, Signature: sig}, nil
}
