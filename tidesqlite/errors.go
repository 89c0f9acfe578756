// Copyright 2026 Tidewell
// SPDX-License-Identifier: Apache-2.0

package tidesqlite

import (
	"errors"
	"fmt"
)

// Error taxonomy for the client engine. Storage errors are fatal and the
// mutation is refused rather than silently dropped; transport and server
// errors are retryable; validation errors are not, since retrying a
// malformed payload cannot succeed.

var (
	// ErrStorageFull means the backing store refused a write for lack of
	// space or quota. Fatal: the mutation was not queued.
	ErrStorageFull = errors.New("cache storage full")

	// ErrStorageCorrupt means the backing store is damaged. Fatal.
	ErrStorageCorrupt = errors.New("cache storage corrupt")

	// ErrItemNotFound is returned for operations on a queue item ID that
	// does not exist (already dequeued or never enqueued).
	ErrItemNotFound = errors.New("sync queue item not found")
)

// TransportError wraps a network-level failure reaching the endpoint:
// unreachable host, timeout, interrupted body. Always retryable.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// RemoteServerError is a server-side failure (5xx or an internal envelope
// code). Retryable up to the orchestrator's retry budget.
type RemoteServerError struct {
	Code    int
	Message string
}

func (e *RemoteServerError) Error() string {
	return fmt.Sprintf("remote server error (code %d): %s", e.Code, e.Message)
}

// RemoteValidationError is a non-retryable rejection: the payload is
// malformed or violates the endpoint contract. The item is removed from the
// queue and reported, since user input correction may be required.
type RemoteValidationError struct {
	Code    int
	Message string
}

func (e *RemoteValidationError) Error() string {
	return fmt.Sprintf("remote validation error (code %d): %s", e.Code, e.Message)
}

// RemoteAuthError is a credential fault: a missing, expired or rejected
// bearer token. Retryable, because the auth collaborator can refresh the
// credential; the queued mutation itself is not at fault and must not be
// dropped.
type RemoteAuthError struct {
	Code    int
	Message string
}

func (e *RemoteAuthError) Error() string {
	return fmt.Sprintf("remote auth error (code %d): %s", e.Code, e.Message)
}

// IsRetryable reports whether the orchestrator should retry after err.
func IsRetryable(err error) bool {
	var te *TransportError
	var se *RemoteServerError
	var ae *RemoteAuthError
	return errors.As(err, &te) || errors.As(err, &se) || errors.As(err, &ae)
}
