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

package service

import (
	"bytes"
	"context"
	"encoding/base64"
	"io"
	"net/http"
	"net/url"

	"github.com/gravitational/trace"

	"github.com/gravitational/relay/lib/identity"
	"github.com/gravitational/relay/lib/pipeline"
)

// upstreamForwarder delivers admitted envelopes to the upstream's event
// intake, signing each payload with the relay identity so the upstream can
// attribute it.
type upstreamForwarder struct {
	upstreamURL string
	identity    *identity.Identity
	client      *http.Client
}

func newUpstreamForwarder(upstreamURL string, ident *identity.Identity) (*upstreamForwarder, error) {
	if upstreamURL == "" {
		return nil, trace.BadParameter("missing parameter upstreamURL")
	}
	if ident == nil {
		return nil, trace.BadParameter("missing parameter ident")
	}
	return &upstreamForwarder{
		upstreamURL: upstreamURL,
		identity:    ident,
		client:      &http.Client{},
	}, nil
}

// Forward posts the envelope payload to the upstream store endpoint for its
// project.
func (f *upstreamForwarder) Forward(ctx context.Context, env pipeline.Envelope) error {
	endpoint, err := url.JoinPath(f.upstreamURL, "api", "store", string(env.ProjectID))
	if err != nil {
		return trace.Wrap(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(env.Payload))
	if err != nil {
		return trace.Wrap(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if env.EventID != "" {
		req.Header.Set("X-Event-Id", env.EventID)
	}
	if env.Category != "" {
		req.Header.Set(eventCategoryHeader, env.Category)
	}
	if relayID, ok := f.identity.RelayID(); ok {
		req.Header.Set("X-Relay-Id", relayID)
	}
	req.Header.Set("X-Relay-Signature", base64.StdEncoding.EncodeToString(f.identity.Sign(env.Payload)))

	resp, err := f.client.Do(req)
	if err != nil {
		return trace.ConnectionProblem(err, "failed forwarding event to upstream")
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode != http.StatusOK {
		return trace.BadParameter("upstream store rejected event with status %v", resp.StatusCode)
	}
	return nil
}
