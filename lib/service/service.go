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

// Package service assembles and runs the relay: identity, protocol engine,
// project state cache, admission pipeline and the HTTP front doors.
package service

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/gravitational/relay"
	"github.com/gravitational/relay/lib/aorta"
	"github.com/gravitational/relay/lib/config"
	"github.com/gravitational/relay/lib/defaults"
	"github.com/gravitational/relay/lib/identity"
	"github.com/gravitational/relay/lib/pipeline"
	"github.com/gravitational/relay/lib/trove"
	"github.com/gravitational/relay/lib/utils"
	logutils "github.com/gravitational/relay/lib/utils/log"
)

const shutdownTimeout = 10 * time.Second

// Config configures a relay Service.
type Config struct {
	// FileConfig is the validated configuration file.
	FileConfig *config.FileConfig
	// Clock overrides time for tests.
	Clock clockwork.Clock
	// Logger is the parent logger; package components derive theirs
	// from it.
	Logger *slog.Logger
}

// CheckAndSetDefaults checks and sets default service parameters.
func (c *Config) CheckAndSetDefaults() error {
	if c.FileConfig == nil {
		return trace.BadParameter("missing parameter FileConfig")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = logutils.NewPackageLogger(relay.ComponentKey, relay.ComponentService)
	}
	return nil
}

// Service is a fully assembled relay instance.
type Service struct {
	cfg Config
	log *slog.Logger

	identity *identity.Identity
	store    *identity.Dir
	engine   *aorta.Engine
	cache    *trove.Cache
	pipe     *pipeline.Pipeline
}

// New loads the relay identity, builds the protocol engine, cache and
// pipeline from cfg, and returns a service ready to Run.
func New(ctx context.Context, cfg Config) (*Service, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	fc := cfg.FileConfig

	store, err := identity.NewDir(fc.DataDir)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	ident, err := identity.LoadOrCreate(ctx, store)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	upstreamKey, err := identity.ParsePublicKeyBase64(fc.Upstream.PublicKey)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	transport, err := aorta.NewHTTPTransport(aorta.HTTPTransportConfig{
		UpstreamURL: fc.Upstream.Addr,
		Clock:       cfg.Clock,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	engine, err := aorta.NewEngine(aorta.EngineConfig{
		Identity:          ident,
		Transport:         transport,
		UpstreamPublicKey: upstreamKey,
		HeartbeatInterval: fc.Upstream.HeartbeatInterval.Value(defaults.HeartbeatInterval),
		RegisterTimeout:   fc.Upstream.RegisterTimeout.Value(defaults.RegisterTimeout),
		FetchTimeout:      fc.Upstream.FetchTimeout.Value(defaults.FetchTimeout),
		DefaultStateTTL:   fc.Cache.TTL.Value(defaults.ProjectStateTTL),
		Clock:             cfg.Clock,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	cache, err := trove.NewCache(trove.CacheConfig{
		Fetcher:        engine,
		ServeStale:     fc.Cache.ServeStale,
		EvictAfterIdle: fc.Cache.EvictAfterIdle.Value(defaults.EvictAfterIdle),
		Clock:          cfg.Clock,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	forwarder, err := newUpstreamForwarder(fc.Upstream.Addr, ident)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	pipe, err := pipeline.New(pipeline.Config{
		States:    cache,
		Forwarder: forwarder,
		FailOpen:  fc.FailOpen(),
		Clock:     cfg.Clock,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	return &Service{
		cfg:      cfg,
		log:      cfg.Logger,
		identity: ident,
		store:    store,
		engine:   engine,
		cache:    cache,
		pipe:     pipe,
	}, nil
}

// Run registers with the upstream and serves until ctx is canceled. The
// initial registration retries with linear backoff; once it succeeds the
// heartbeat loop keeps the registration alive and re-registers on loss.
func (s *Service) Run(ctx context.Context) error {
	relayID, err := s.register(ctx)
	if err != nil {
		return trace.Wrap(err)
	}
	if err := identity.StoreRelayID(ctx, s.store, relayID); err != nil {
		return trace.Wrap(err)
	}
	s.log.InfoContext(ctx, "Relay registered with upstream.",
		"relay_id", relayID,
		"upstream", s.cfg.FileConfig.Upstream.Addr,
	)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.engine.RunHeartbeatLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		s.cache.RunEvictionLoop(ctx)
	}()

	errCh := make(chan error, 2)
	ingest := &http.Server{
		Addr:    s.cfg.FileConfig.ListenAddr,
		Handler: s.newIngestHandler(),
	}
	diag := &http.Server{
		Addr:    s.cfg.FileConfig.DiagAddr,
		Handler: s.newDiagHandler(),
	}
	for _, srv := range []*http.Server{ingest, diag} {
		srv := srv
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.log.InfoContext(ctx, "HTTP server listening.", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- trace.Wrap(err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		err = nil
	case err = <-errCh:
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	for _, srv := range []*http.Server{ingest, diag} {
		if closeErr := srv.Shutdown(shutdownCtx); closeErr != nil {
			s.log.WarnContext(shutdownCtx, "HTTP server shutdown failed.", "addr", srv.Addr, "error", closeErr)
		}
	}
	wg.Wait()
	s.log.InfoContext(shutdownCtx, "Relay stopped.")
	return trace.Wrap(err)
}

// register performs the initial registration, retrying transient failures
// with linear backoff until ctx expires.
func (s *Service) register(ctx context.Context) (string, error) {
	retry, err := utils.NewLinear(utils.LinearConfig{
		First:  time.Second,
		Step:   time.Second,
		Max:    time.Minute,
		Jitter: utils.NewHalfJitter(),
		Clock:  s.cfg.Clock,
	})
	if err != nil {
		return "", trace.Wrap(err)
	}
	var relayID string
	err = retry.For(ctx, func() error {
		var registerErr error
		relayID, registerErr = s.engine.Register(ctx)
		if registerErr != nil {
			s.log.WarnContext(ctx, "Registration attempt failed, will retry.", "error", registerErr)
		}
		return trace.Wrap(registerErr)
	})
	return relayID, trace.Wrap(err)
}

// Status reports the engine status for health checks.
func (s *Service) Status() aorta.Status {
	return s.engine.Status()
}
