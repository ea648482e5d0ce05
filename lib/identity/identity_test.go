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
	"testing"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"
)

// memoryFS is a trivial in memory fs backend for testing use.
type memoryFS struct {
	files  map[string][]byte
	writes uint
}

func newMemoryFS() *memoryFS {
	return &memoryFS{files: map[string][]byte{}}
}

func (f *memoryFS) Read(ctx context.Context, name string) ([]byte, error) {
	data, ok := f.files[name]
	if !ok {
		return nil, trace.NotFound("not found: %s", name)
	}
	return data, nil
}

func (f *memoryFS) Write(ctx context.Context, name string, data []byte) error {
	f.writes++
	f.files[name] = data
	return nil
}

func TestSignVerify(t *testing.T) {
	ident, err := Generate()
	require.NoError(t, err)

	body := []byte(`{"relay_id":"a","timestamp":"2025-01-01T00:00:00Z"}`)
	sig := ident.Sign(body)
	require.NoError(t, Verify(ident.PublicKey(), body, sig))

	// Tampered body must not verify.
	err = Verify(ident.PublicKey(), append(body, '!'), sig)
	require.Error(t, err)
	require.True(t, IsSignatureInvalid(err))

	// Truncated signature must report invalid, not panic.
	err = Verify(ident.PublicKey(), body, sig[:16])
	require.Error(t, err)
	require.True(t, IsSignatureInvalid(err))

	// A different key must not verify.
	other, err := Generate()
	require.NoError(t, err)
	err = Verify(other.PublicKey(), body, sig)
	require.Error(t, err)
	require.True(t, IsSignatureInvalid(err))
}

func TestBindRelayIDWriteOnce(t *testing.T) {
	ident, err := Generate()
	require.NoError(t, err)

	_, ok := ident.RelayID()
	require.False(t, ok)

	require.NoError(t, ident.BindRelayID("relay-1"))
	id, ok := ident.RelayID()
	require.True(t, ok)
	require.Equal(t, "relay-1", id)

	// Re-binding the same id is a no-op.
	require.NoError(t, ident.BindRelayID("relay-1"))

	// Binding a different id is a programming error.
	err = ident.BindRelayID("relay-2")
	require.Error(t, err)
	require.True(t, trace.IsAlreadyExists(err))

	// The original binding is untouched.
	id, ok = ident.RelayID()
	require.True(t, ok)
	require.Equal(t, "relay-1", id)
}

func TestKeyPEMRoundTrip(t *testing.T) {
	ident, err := Generate()
	require.NoError(t, err)

	pemBytes, err := ident.PrivateKeyPEM()
	require.NoError(t, err)

	restored, err := FromPrivateKeyPEM(pemBytes)
	require.NoError(t, err)
	require.Equal(t, ident.PublicKey(), restored.PublicKey())

	// A signature from the restored key verifies against the original
	// public key.
	sig := restored.Sign([]byte("payload"))
	require.NoError(t, Verify(ident.PublicKey(), []byte("payload"), sig))
}

func TestLoadOrCreate(t *testing.T) {
	ctx := context.Background()
	fs := newMemoryFS()

	// First load generates and persists a keypair.
	first, err := LoadOrCreate(ctx, fs)
	require.NoError(t, err)
	require.Contains(t, fs.files, PrivateKeyFile)
	require.EqualValues(t, 1, fs.writes)

	_, ok := first.RelayID()
	require.False(t, ok, "fresh identity must not carry a relay id")

	// Second load restores the same keypair.
	second, err := LoadOrCreate(ctx, fs)
	require.NoError(t, err)
	require.Equal(t, first.PublicKey(), second.PublicKey())
	require.EqualValues(t, 1, fs.writes, "restore must not rewrite the key")

	// Persisting the relay id makes it survive the next load.
	require.NoError(t, StoreRelayID(ctx, fs, "relay-9"))
	third, err := LoadOrCreate(ctx, fs)
	require.NoError(t, err)
	id, ok := third.RelayID()
	require.True(t, ok)
	require.Equal(t, "relay-9", id)
}
