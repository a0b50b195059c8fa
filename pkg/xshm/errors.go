/*
 * Copyright 2025 SREDiag Authors
 * Copyright 2023 CloudWeGo Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package xshm

import (
	"errors"
	"fmt"

	"github.com/srediag/xshm/api"
)

var (
	// ErrAllocation is returned when the OS refused to create the region.
	ErrAllocation = errors.New("shared memory allocation failed")
	// ErrSegmentTooLarge is returned when the requested size exceeds the
	// server's advertised maximum. Nothing is allocated.
	ErrSegmentTooLarge = errors.New("segment exceeds the server maximum")
	// ErrSegmentNotReady is returned for an operation the segment's current
	// state does not permit.
	ErrSegmentNotReady = errors.New("segment not ready")
	// ErrOutOfBounds is returned when offset+length falls outside the segment.
	ErrOutOfBounds = errors.New("range out of segment bounds")
	// ErrServerRejected is returned when the server refused a request.
	ErrServerRejected = errors.New("server rejected request")
	// ErrConnectionLost is returned once the connection is gone or the
	// display was closed.
	ErrConnectionLost = api.ErrConnectionLost
	// ErrOrphanCompletion reports a completion event nobody was waiting for.
	ErrOrphanCompletion = errors.New("completion without a pending operation")
	// ErrOperationsPending is returned by Detach while transfers are in flight.
	ErrOperationsPending = errors.New("segment has pending operations")
	// ErrReadOnlySegment is returned by GetImage on a segment the server may not write.
	ErrReadOnlySegment = errors.New("segment is read-only for the server")
	// ErrWriteAccessUnsupported is returned when a writable segment is
	// requested but the server does not support it.
	ErrWriteAccessUnsupported = errors.New("server does not support writable segments")
	// ErrRangeInFlight is returned for local access to bytes an in-flight
	// operation may still read or write.
	ErrRangeInFlight = errors.New("range in use by an in-flight operation")
	// ErrNotComplete is returned when the result of an operation is read
	// before it completed.
	ErrNotComplete = errors.New("operation not complete")
)

func rejected(err error) error {
	var perr *api.ProtocolError
	if errors.As(err, &perr) {
		return fmt.Errorf("%w: %w", ErrServerRejected, perr)
	}
	return fmt.Errorf("%w: %v", ErrServerRejected, err)
}

func connectionLost(cause error) error {
	switch {
	case cause == nil:
		return ErrConnectionLost
	case errors.Is(cause, ErrConnectionLost):
		return cause
	}
	return fmt.Errorf("%w: %v", ErrConnectionLost, cause)
}
