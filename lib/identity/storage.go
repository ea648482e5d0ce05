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

package identity

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/gravitational/trace"
)

const (
	// PrivateKeyFile is the name of the persisted private key within the
	// relay's state directory.
	PrivateKeyFile = "relay.key"

	// RelayIDFile is the name of the persisted relay id within the relay's
	// state directory.
	RelayIDFile = "relay.id"
)

// FS is a filesystem abstraction for client state storage. Names are opaque
// and must not be interpreted as paths by callers. Read returns a not-found
// error for names that have never been written.
type FS interface {
	// Read fetches data previously stored under name.
	Read(ctx context.Context, name string) ([]byte, error)
	// Write stores data under name, replacing any previous value.
	Write(ctx context.Context, name string, data []byte) error
}

// Dir is an FS implementation backed by a directory on disk. Key material is
// written with owner-only permissions.
type Dir struct {
	path string
}

// NewDir returns a directory-backed FS rooted at path, creating the
// directory if needed.
func NewDir(path string) (*Dir, error) {
	if path == "" {
		return nil, trace.BadParameter("state directory path must not be empty")
	}
	if err := os.MkdirAll(path, 0o700); err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	return &Dir{path: path}, nil
}

// Read fetches the contents of the named state file.
func (d *Dir) Read(ctx context.Context, name string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(d.path, name))
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	return data, nil
}

// Write stores data in the named state file with owner-only permissions.
func (d *Dir) Write(ctx context.Context, name string, data []byte) error {
	return trace.ConvertSystemError(os.WriteFile(filepath.Join(d.path, name), data, 0o600))
}

// LoadOrCreate restores the relay's identity from fs, generating and
// persisting a fresh keypair when no key material exists yet. A previously
// persisted relay id is bound to the returned identity.
func LoadOrCreate(ctx context.Context, fs FS) (*Identity, error) {
	var ident *Identity

	keyPEM, err := fs.Read(ctx, PrivateKeyFile)
	switch {
	case err == nil:
		ident, err = FromPrivateKeyPEM(keyPEM)
		if err != nil {
			return nil, trace.Wrap(err, "restoring persisted relay key")
		}
	case trace.IsNotFound(err):
		ident, err = Generate()
		if err != nil {
			return nil, trace.Wrap(err)
		}
		pemBytes, err := ident.PrivateKeyPEM()
		if err != nil {
			return nil, trace.Wrap(err)
		}
		if err := fs.Write(ctx, PrivateKeyFile, pemBytes); err != nil {
			return nil, trace.Wrap(err, "persisting relay key")
		}
	default:
		return nil, trace.Wrap(err)
	}

	rawID, err := fs.Read(ctx, RelayIDFile)
	switch {
	case err == nil:
		if id := strings.TrimSpace(string(rawID)); id != "" {
			if err := ident.BindRelayID(id); err != nil {
				return nil, trace.Wrap(err)
			}
		}
	case trace.IsNotFound(err):
	default:
		return nil, trace.Wrap(err)
	}

	return ident, nil
}

// StoreRelayID persists the relay id assigned by the upstream so it survives
// process restarts.
func StoreRelayID(ctx context.Context, fs FS, relayID string) error {
	if relayID == "" {
		return trace.BadParameter("relay id must not be empty")
	}
	return trace.Wrap(fs.Write(ctx, RelayIDFile, []byte(relayID+"\n")))
}
