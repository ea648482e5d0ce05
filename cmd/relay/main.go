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

// Command relay runs a relay node: it registers with the configured
// upstream, keeps the registration alive with heartbeats, and admits
// inbound events against cached project state.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kingpin/v2"
	"github.com/gravitational/trace"

	"github.com/gravitational/relay"
	"github.com/gravitational/relay/lib/config"
	"github.com/gravitational/relay/lib/service"
	logutils "github.com/gravitational/relay/lib/utils/log"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", trace.UserMessage(err))
		os.Exit(1)
	}
}

func run(args []string) error {
	app := kingpin.New("relay", "Relay registers with an upstream and admits events against cached project state.")
	app.HelpFlag.Short('h')

	start := app.Command("start", "Start the relay.")
	configPath := start.Flag("config", "Path to the configuration file.").
		Short('c').Default("/etc/relay.yaml").String()
	debug := start.Flag("debug", "Enable debug logging, overriding the configuration file.").
		Short('d').Bool()

	version := app.Command("version", "Print the version and exit.")

	command, err := app.Parse(args)
	if err != nil {
		return trace.Wrap(err)
	}

	switch command {
	case start.FullCommand():
		return trace.Wrap(onStart(*configPath, *debug))
	case version.FullCommand():
		fmt.Printf("Relay v%v\n", relay.Version)
		return nil
	}
	return nil
}

func onStart(configPath string, debug bool) error {
	fc, err := config.ReadFromFile(configPath)
	if err != nil {
		return trace.Wrap(err)
	}

	severity := fc.Logging.Severity
	if debug {
		severity = "debug"
	}
	logger, err := logutils.Initialize(logutils.Config{
		Severity: severity,
		Format:   fc.Logging.Format,
	})
	if err != nil {
		return trace.Wrap(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, err := service.New(ctx, service.Config{
		FileConfig: fc,
		Logger:     logger.With(relay.ComponentKey, relay.ComponentService),
	})
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(svc.Run(ctx))
}
