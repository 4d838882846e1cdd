/*
Package core provides the replay engine for gareplay: the bucketing function,
the bounded dispatch worker pool and the drift-corrected replay scheduler.
*/
package core

/*
gareplay — replay recorded web traffic itineraries in Go
Copyright (C) 2025  Pepijn van der Stap <rxtls@vanderstap.info>

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU Affero General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU Affero General Public License for more details.

You should have received a copy of the GNU Affero General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

import (
	"errors"
	"fmt"

	"github.com/x-stp/gareplay/internal/itinerary"
)

// customError is an error type that includes a retryable flag.
// This allows components to determine if an operation that resulted in this error
// should be retried.
type customError struct {
	message   string
	retryable bool
	cause     error
}

// NewError creates a new customError with the given message and retryable status.
func NewError(msg string, retryable bool) error {
	return &customError{
		message:   msg,
		retryable: retryable,
	}
}

// WrapError is NewError with an underlying cause that errors.Is/As can reach.
func WrapError(cause error, msg string, retryable bool) error {
	return &customError{
		message:   msg,
		retryable: retryable,
		cause:     cause,
	}
}

// Error implements the standard Go `error` interface.
func (e *customError) Error() string {
	if e.cause != nil {
		return e.message + ": " + e.cause.Error()
	}
	return e.message
}

func (e *customError) Unwrap() error { return e.cause }

// IsRetryable returns true if the error is designated as retryable, false otherwise.
func (e *customError) IsRetryable() bool {
	return e.retryable
}

// IsRetryable reports whether err, or any error it wraps, is a retryable
// customError. Unknown error types are treated as not retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var e *customError
	if errors.As(err, &e) {
		return e.IsRetryable()
	}
	return false
}

var (
	// ErrPoolShutdown is returned when work is submitted to a stopped worker pool.
	ErrPoolShutdown = NewError("worker pool shut down", false)
	// ErrReplayCancelled is returned by Replayer.Run when its context is cancelled.
	ErrReplayCancelled = errors.New("replay cancelled")
	// ErrInvalidBuckets is returned for a non-positive bucket count.
	ErrInvalidBuckets = errors.New("request buckets must be positive")
)

// ResumePointNotFoundError is returned when the requested resume minute is
// not one of the itinerary's keys. It is fatal: the replay never silently
// starts from the beginning instead.
type ResumePointNotFoundError struct {
	Key itinerary.MinuteKey
}

func (e *ResumePointNotFoundError) Error() string {
	return fmt.Sprintf("resume point %s not found in itinerary", e.Key)
}
