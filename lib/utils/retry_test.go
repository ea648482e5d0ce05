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

package utils

import (
	"context"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"
)

func TestLinear(t *testing.T) {
	r, err := NewLinear(LinearConfig{
		Step: time.Second,
		Max:  3 * time.Second,
	})
	require.NoError(t, err)
	testLinear(t, r)
	r.Inc()
	testLinear(t, r.Clone().(*Linear))
}

func testLinear(t *testing.T, r *Linear) {
	require.Equal(t, time.Duration(0), r.Duration())
	r.Inc()
	require.Equal(t, time.Second, r.Duration())
	r.Inc()
	require.Equal(t, 2*time.Second, r.Duration())
	r.Inc()
	require.Equal(t, 3*time.Second, r.Duration())
	r.Inc()
	require.Equal(t, 3*time.Second, r.Duration())
	r.Reset()
	require.Equal(t, time.Duration(0), r.Duration())
}

func TestExponential(t *testing.T) {
	r, err := NewExponential(ExponentialConfig{
		Base: time.Second,
		Max:  10 * time.Second,
	})
	require.NoError(t, err)
	testExponential(t, r)
	r.Inc()
	testExponential(t, r.Clone().(*Exponential))
}

func testExponential(t *testing.T, r *Exponential) {
	require.Equal(t, time.Second, r.Duration())
	r.Inc()
	require.Equal(t, 2*time.Second, r.Duration())
	r.Inc()
	require.Equal(t, 4*time.Second, r.Duration())
	r.Inc()
	require.Equal(t, 8*time.Second, r.Duration())
	r.Inc()
	require.Equal(t, 10*time.Second, r.Duration())
	r.Inc()
	require.Equal(t, 10*time.Second, r.Duration())
	r.Reset()
	require.Equal(t, time.Second, r.Duration())
}

func TestExponentialConfigValidation(t *testing.T) {
	_, err := NewExponential(ExponentialConfig{Max: time.Second})
	require.True(t, trace.IsBadParameter(err))
	_, err = NewExponential(ExponentialConfig{Base: time.Second})
	require.True(t, trace.IsBadParameter(err))
}

func TestLinearConfigValidation(t *testing.T) {
	_, err := NewLinear(LinearConfig{Max: time.Second})
	require.True(t, trace.IsBadParameter(err))
	_, err = NewLinear(LinearConfig{Step: time.Second})
	require.True(t, trace.IsBadParameter(err))
}

func TestForEventuallySucceeds(t *testing.T) {
	r, err := NewLinear(LinearConfig{
		Step: time.Millisecond,
		Max:  time.Millisecond,
	})
	require.NoError(t, err)

	attempts := 0
	err = r.For(context.Background(), func() error {
		attempts++
		if attempts < 3 {
			return trace.ConnectionProblem(nil, "transient")
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, attempts)
}

func TestForStopsOnPermanentError(t *testing.T) {
	r, err := NewLinear(LinearConfig{
		Step: time.Millisecond,
		Max:  time.Millisecond,
	})
	require.NoError(t, err)

	attempts := 0
	err = r.For(context.Background(), func() error {
		attempts++
		return PermanentRetryErrorf("no point retrying")
	})
	require.Error(t, err)
	require.Equal(t, 1, attempts)
}

func TestForHonorsContext(t *testing.T) {
	r, err := NewLinear(LinearConfig{
		First: time.Hour,
		Step:  time.Hour,
		Max:   time.Hour,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go cancel()
	err = r.For(ctx, func() error {
		return trace.ConnectionProblem(nil, "transient")
	})
	require.True(t, trace.IsLimitExceeded(err))
}
