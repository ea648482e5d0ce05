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

// Package config loads and validates the relay configuration file.
package config

import (
	"bytes"
	"io"
	"net/url"
	"os"
	"time"

	"github.com/gravitational/trace"
	"gopkg.in/yaml.v3"

	"github.com/gravitational/relay/lib/defaults"
	"github.com/gravitational/relay/lib/identity"
)

const (
	// OnUnavailableDrop drops envelopes when project state is unavailable.
	OnUnavailableDrop = "drop"
	// OnUnavailableForward forwards envelopes unchecked when project
	// state is unavailable.
	OnUnavailableForward = "forward"
)

// Duration is a time.Duration that unmarshals from YAML strings like "30s".
type Duration time.Duration

// UnmarshalYAML parses the duration from its string form.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return trace.Wrap(err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return trace.BadParameter("invalid duration %q: %v", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Value returns the duration, or def if unset.
func (d Duration) Value(def time.Duration) time.Duration {
	if d == 0 {
		return def
	}
	return time.Duration(d)
}

// Upstream configures the connection to the upstream control plane.
type Upstream struct {
	// Addr is the upstream base URL.
	Addr string `yaml:"addr"`
	// PublicKey is the upstream's base64-encoded Ed25519 public key used
	// to authenticate every response.
	PublicKey string `yaml:"public_key"`
	// HeartbeatInterval is the base interval between heartbeats.
	HeartbeatInterval Duration `yaml:"heartbeat_interval,omitempty"`
	// FetchTimeout bounds a single project state fetch.
	FetchTimeout Duration `yaml:"fetch_timeout,omitempty"`
	// RegisterTimeout bounds a full registration handshake.
	RegisterTimeout Duration `yaml:"register_timeout,omitempty"`
}

// CacheSettings configures the project state cache.
type CacheSettings struct {
	// TTL is the default validity applied when the upstream does not set
	// one on the project state.
	TTL Duration `yaml:"ttl,omitempty"`
	// EvictAfterIdle removes entries not read for this long.
	EvictAfterIdle Duration `yaml:"evict_after_idle,omitempty"`
	// ServeStale serves an expired state while a refresh runs behind it.
	ServeStale bool `yaml:"serve_stale,omitempty"`
}

// PipelineSettings configures admission behavior.
type PipelineSettings struct {
	// OnUnavailable picks the policy when project state cannot be
	// resolved: "drop" (the default) or "forward".
	OnUnavailable string `yaml:"on_unavailable,omitempty"`
}

// Logging configures log output.
type Logging struct {
	// Severity is the minimum level: debug, info, warn or error.
	Severity string `yaml:"severity,omitempty"`
	// Format is "text" or "json".
	Format string `yaml:"format,omitempty"`
}

// FileConfig is the parsed relay configuration file.
type FileConfig struct {
	// DataDir stores the relay key and assigned id.
	DataDir string `yaml:"data_dir,omitempty"`
	// ListenAddr is the event front door address.
	ListenAddr string `yaml:"listen_addr,omitempty"`
	// DiagAddr serves /metrics and /healthz.
	DiagAddr string `yaml:"diag_addr,omitempty"`

	Upstream Upstream         `yaml:"upstream"`
	Cache    CacheSettings    `yaml:"cache,omitempty"`
	Pipeline PipelineSettings `yaml:"pipeline,omitempty"`
	Logging  Logging          `yaml:"log,omitempty"`
}

// ReadFromFile reads and validates the configuration at path.
func ReadFromFile(path string) (*FileConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	defer f.Close()
	return ReadConfig(f)
}

// ReadConfig parses and validates YAML configuration from the reader.
func ReadConfig(r io.Reader) (*FileConfig, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, trace.Wrap(err, "failed reading relay configuration")
	}
	var fc FileConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&fc); err != nil {
		if err == io.EOF {
			return nil, trace.BadParameter("relay configuration is empty")
		}
		return nil, trace.BadParameter("failed to parse relay configuration: %v", err)
	}
	if err := fc.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &fc, nil
}

// CheckAndSetDefaults validates the configuration and fills in defaults.
func (fc *FileConfig) CheckAndSetDefaults() error {
	if fc.Upstream.Addr == "" {
		return trace.BadParameter("missing required field upstream.addr")
	}
	u, err := url.Parse(fc.Upstream.Addr)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return trace.BadParameter("upstream.addr %q is not a valid URL", fc.Upstream.Addr)
	}
	if fc.Upstream.PublicKey == "" {
		return trace.BadParameter("missing required field upstream.public_key")
	}
	if _, err := identity.ParsePublicKeyBase64(fc.Upstream.PublicKey); err != nil {
		return trace.BadParameter("upstream.public_key is not a valid key: %v", err)
	}
	if fc.DataDir == "" {
		return trace.BadParameter("missing required field data_dir")
	}
	if fc.ListenAddr == "" {
		fc.ListenAddr = defaults.HTTPListenAddr
	}
	if fc.DiagAddr == "" {
		fc.DiagAddr = defaults.DiagListenAddr
	}
	switch fc.Pipeline.OnUnavailable {
	case "":
		fc.Pipeline.OnUnavailable = OnUnavailableDrop
	case OnUnavailableDrop, OnUnavailableForward:
	default:
		return trace.BadParameter("pipeline.on_unavailable must be %q or %q, got %q",
			OnUnavailableDrop, OnUnavailableForward, fc.Pipeline.OnUnavailable)
	}
	switch fc.Logging.Severity {
	case "", "debug", "info", "warn", "error":
	default:
		return trace.BadParameter("log.severity must be one of debug, info, warn or error, got %q", fc.Logging.Severity)
	}
	switch fc.Logging.Format {
	case "", "text", "json":
	default:
		return trace.BadParameter("log.format must be text or json, got %q", fc.Logging.Format)
	}
	return nil
}

// FailOpen reports whether unavailable project state forwards unchecked.
func (fc *FileConfig) FailOpen() bool {
	return fc.Pipeline.OnUnavailable == OnUnavailableForward
}
