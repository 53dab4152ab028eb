// Copyright 2018-2023 CERN
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// In applying this license, CERN does not waive the privileges and immunities
// granted to it by virtue of its status as an Intergovernmental Organization
// or submit itself to any jurisdiction.

// Package errtypes contains definitions for common errors.
// It would have nice to call this package errors, err or error
// but errors clashes with github.com/pkg/errors, err is used for any error variable
// and error is a reserved word :)
package errtypes

import (
	"github.com/pkg/errors"
)

// Reason codes carried by failed transfer replies.
const (
	CodeOK               = 0
	CodeTooManyTransfers = 1
	CodeBadRequest       = 2
	CodePermissionDenied = 3
	CodeUnavailable      = 4
	CodeServiceError     = 5
	CodeNamespaceError   = 6
	CodeTransferFailed   = 8
	CodeNotFound         = 10
	CodeCanceled         = 24
	CodeInternal         = 666
)

// NotFound is the error to use when a something is not found.
type NotFound string

func (e NotFound) Error() string { return "error: not found: " + string(e) }

// IsNotFound implements the IsNotFound interface.
func (e NotFound) IsNotFound() {}

// BadRequest is the error to use when the request is malformed.
type BadRequest string

func (e BadRequest) Error() string { return "error: bad request: " + string(e) }

// IsBadRequest implements the IsBadRequest interface.
func (e BadRequest) IsBadRequest() {}

// PermissionDenied is the error to use when the requester lacks the
// permission bits needed for the operation.
type PermissionDenied string

func (e PermissionDenied) Error() string { return "error: permission denied: " + string(e) }

// IsPermissionDenied implements the IsPermissionDenied interface.
func (e PermissionDenied) IsPermissionDenied() {}

// NamespaceError is the error to use when the namespace service fails a
// lookup, create or delete, or when an entry is already being stored.
type NamespaceError string

func (e NamespaceError) Error() string { return "error: namespace: " + string(e) }

// IsNamespaceError implements the IsNamespaceError interface.
func (e NamespaceError) IsNamespaceError() {}

// PoolManagerError is the error to use when no pool could be selected.
type PoolManagerError string

func (e PoolManagerError) Error() string { return "error: pool manager: " + string(e) }

// IsPoolManagerError implements the IsPoolManagerError interface.
func (e PoolManagerError) IsPoolManagerError() {}

// PoolIOError is the error to use when a pool refuses to start a mover.
type PoolIOError string

func (e PoolIOError) Error() string { return "error: pool: " + string(e) }

// IsPoolIOError implements the IsPoolIOError interface.
func (e PoolIOError) IsPoolIOError() {}

// TransferFailed is the error to use when a started mover reports a failed
// transfer. It is a pool io error.
type TransferFailed string

func (e TransferFailed) Error() string { return "error: transfer failed: " + string(e) }

// IsPoolIOError implements the IsPoolIOError interface.
func (e TransferFailed) IsPoolIOError() {}

// IsTransferFailed implements the IsTransferFailed interface.
func (e TransferFailed) IsTransferFailed() {}

// SpaceManagerError is the error to use when a space reservation can not be
// looked up or locked.
type SpaceManagerError string

func (e SpaceManagerError) Error() string { return "error: space manager: " + string(e) }

// IsSpaceManagerError implements the IsSpaceManagerError interface.
func (e SpaceManagerError) IsSpaceManagerError() {}

// Timeout is the error to use when a collaborator or a mover did not answer in time.
type Timeout string

func (e Timeout) Error() string { return "error: timeout: " + string(e) }

// IsTimeout implements the IsTimeout interface.
func (e Timeout) IsTimeout() {}

// Canceled is the error to use when a transfer was canceled by an operator or a peer.
type Canceled string

func (e Canceled) Error() string { return "error: canceled: " + string(e) }

// IsCanceled implements the IsCanceled interface.
func (e Canceled) IsCanceled() {}

// TooManyTransfers is the error to use when the admission limit is reached.
type TooManyTransfers string

func (e TooManyTransfers) Error() string { return "error: too many transfers: " + string(e) }

// IsTooManyTransfers implements the IsTooManyTransfers interface.
func (e TooManyTransfers) IsTooManyTransfers() {}

// Unavailable is the error to use when a message could not be delivered.
type Unavailable string

func (e Unavailable) Error() string { return "error: unavailable: " + string(e) }

// IsUnavailable implements the IsUnavailable interface.
func (e Unavailable) IsUnavailable() {}

// InternalError is the error to use when we really don't know what happened. Use with care
type InternalError string

func (e InternalError) Error() string { return "internal error: " + string(e) }

// IsInternalError implements the IsInternalError interface.
func (e InternalError) IsInternalError() {}

// IsNotFound is the interface to implement
// to specify that an a resource is not found.
type IsNotFound interface {
	IsNotFound()
}

// IsBadRequest is the interface to implement
// to specify that a request is malformed.
type IsBadRequest interface {
	IsBadRequest()
}

// IsPermissionDenied is the interface to implement
// to specify that an action is denied.
type IsPermissionDenied interface {
	IsPermissionDenied()
}

// IsNamespaceError is the interface to implement
// to specify that the namespace service failed.
type IsNamespaceError interface {
	IsNamespaceError()
}

// IsPoolManagerError is the interface to implement
// to specify that pool selection failed.
type IsPoolManagerError interface {
	IsPoolManagerError()
}

// IsPoolIOError is the interface to implement
// to specify that a pool or mover failed.
type IsPoolIOError interface {
	IsPoolIOError()
}

// IsTransferFailed is the interface to implement
// to specify that a running mover failed.
type IsTransferFailed interface {
	IsTransferFailed()
}

// IsSpaceManagerError is the interface to implement
// to specify that the space manager failed.
type IsSpaceManagerError interface {
	IsSpaceManagerError()
}

// IsTimeout is the interface to implement
// to specify that an operation timed out.
type IsTimeout interface {
	IsTimeout()
}

// IsCanceled is the interface to implement
// to specify that an operation was canceled.
type IsCanceled interface {
	IsCanceled()
}

// IsTooManyTransfers is the interface to implement
// to specify that the admission limit was reached.
type IsTooManyTransfers interface {
	IsTooManyTransfers()
}

// IsUnavailable is the interface to implement
// to specify that a destination could not be reached.
type IsUnavailable interface {
	IsUnavailable()
}

// IsInternalError is the interface to implement
// to specify that there was some internal error
type IsInternalError interface {
	IsInternalError()
}

// Code returns the reason code a failed transfer reply carries for err.
// A nil error maps to CodeOK.
func Code(err error) int {
	if err == nil {
		return CodeOK
	}
	switch errors.Cause(err).(type) {
	case IsTooManyTransfers:
		return CodeTooManyTransfers
	case IsBadRequest:
		return CodeBadRequest
	case IsPermissionDenied:
		return CodePermissionDenied
	case IsUnavailable:
		return CodeUnavailable
	case IsTransferFailed:
		return CodeTransferFailed
	case IsPoolManagerError, IsPoolIOError, IsSpaceManagerError:
		return CodeServiceError
	case IsNamespaceError:
		return CodeNamespaceError
	case IsNotFound:
		return CodeNotFound
	case IsTimeout, IsCanceled:
		return CodeCanceled
	default:
		return CodeInternal
	}
}
