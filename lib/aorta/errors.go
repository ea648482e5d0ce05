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
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/gravitational/trace"
)

// UnreachableError indicates the upstream could not be reached at the
// connection level. It is retryable.
type UnreachableError struct {
	Err error
}

// Error returns the unreachable error message.
func (e *UnreachableError) Error() string {
	return fmt.Sprintf("upstream unreachable: %v", e.Err)
}

// Unwrap returns the underlying connection error.
func (e *UnreachableError) Unwrap() error { return e.Err }

// IsUnreachable returns true if err indicates a connection-level failure.
func IsUnreachable(err error) bool {
	var u *UnreachableError
	return errors.As(trace.Unwrap(err), &u)
}

// TimeoutError indicates an upstream call exceeded its deadline. It is
// retryable.
type TimeoutError struct {
	Err error
}

// Error returns the timeout error message.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("upstream call timed out: %v", e.Err)
}

// Unwrap returns the underlying deadline error.
func (e *TimeoutError) Unwrap() error { return e.Err }

// IsTimeout returns true if err indicates an exceeded deadline.
func IsTimeout(err error) bool {
	var t *TimeoutError
	return errors.As(trace.Unwrap(err), &t)
}

// IsRetryable reports whether the transport may retry the call that produced
// err. Only connection-level failures and timeouts qualify.
func IsRetryable(err error) bool {
	return IsUnreachable(err) || IsTimeout(err)
}

// UpstreamRejectedError indicates the upstream understood the request and
// rejected it. Semantic rejections are never retried.
type UpstreamRejectedError struct {
	// Status is the HTTP status code of the rejection.
	Status int
}

// Error returns the rejection error message.
func (e *UpstreamRejectedError) Error() string {
	return fmt.Sprintf("upstream rejected request with status %d", e.Status)
}

// IsUpstreamRejected returns the rejection status if err is an upstream
// rejection.
func IsUpstreamRejected(err error) (int, bool) {
	var r *UpstreamRejectedError
	if errors.As(trace.Unwrap(err), &r) {
		return r.Status, true
	}
	return 0, false
}

// MalformedResponseError indicates an upstream response that could not be
// decoded or was missing its signature.
type MalformedResponseError struct {
	Err error
}

// Error returns the malformed response error message.
func (e *MalformedResponseError) Error() string {
	return fmt.Sprintf("malformed upstream response: %v", e.Err)
}

// Unwrap returns the underlying decode error.
func (e *MalformedResponseError) Unwrap() error { return e.Err }

// IsMalformedResponse returns true if err indicates an undecodable upstream
// response.
func IsMalformedResponse(err error) bool {
	var m *MalformedResponseError
	return errors.As(trace.Unwrap(err), &m)
}

// RegistrationFailedError indicates a registration handshake did not
// complete. The relay remains unregistered.
type RegistrationFailedError struct {
	Err error
}

// Error returns the registration failure message.
func (e *RegistrationFailedError) Error() string {
	return fmt.Sprintf("registration failed: %v", e.Err)
}

// Unwrap returns the cause of the registration failure.
func (e *RegistrationFailedError) Unwrap() error { return e.Err }

// IsRegistrationFailed returns true if err indicates a failed registration
// handshake.
func IsRegistrationFailed(err error) bool {
	var r *RegistrationFailedError
	return errors.As(trace.Unwrap(err), &r)
}

// NotRegisteredError indicates an operation that requires a registered relay
// was attempted while unregistered.
type NotRegisteredError struct{}

// Error returns the not-registered error message.
func (NotRegisteredError) Error() string { return "relay is not registered with the upstream" }

// IsNotRegistered returns true if err indicates the relay was not registered.
func IsNotRegistered(err error) bool {
	var n NotRegisteredError
	return errors.As(trace.Unwrap(err), &n)
}

// classifyDialError converts an error returned by the HTTP client into the
// transport taxonomy: deadline errors become timeouts, everything else at
// this level is a connection problem.
func classifyDialError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return trace.Wrap(&TimeoutError{Err: err})
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return trace.Wrap(&TimeoutError{Err: err})
	}
	return trace.Wrap(&UnreachableError{Err: err})
}
