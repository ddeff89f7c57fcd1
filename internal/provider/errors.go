// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package provider

import (
	"errors"
	"fmt"
)

// =============================================================================
// ERROR TYPES
// =============================================================================

// ErrorKind categorizes adapter errors for handling.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	// KindConnection means the backend could not be reached.
	KindConnection
	// KindTimeout means the call exceeded its deadline or was canceled.
	KindTimeout
	// KindHTTP means the backend answered with a non-2xx status.
	KindHTTP
	// KindModelNotFound means the requested model does not exist.
	KindModelNotFound
	// KindInvalidResponse means the backend answered with an undecodable body.
	KindInvalidResponse
)

// AdapterError represents a failure from a provider adapter call.
type AdapterError struct {
	Kind    ErrorKind
	Message string
	// Status is the HTTP status code for KindHTTP errors, zero otherwise.
	Status int
	Cause  error
}

func (e *AdapterError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s (HTTP %d)", e.Message, e.Status)
	}
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *AdapterError) Unwrap() error {
	return e.Cause
}

// Sentinel errors for easy checking.
var (
	ErrNotReachable  = &AdapterError{Kind: KindConnection, Message: "provider is not reachable"}
	ErrTimeout       = &AdapterError{Kind: KindTimeout, Message: "request timed out"}
	ErrModelNotFound = &AdapterError{Kind: KindModelNotFound, Message: "model not found"}
)

// IsTimeout reports whether err is a timeout/cancellation failure.
func IsTimeout(err error) bool {
	var ae *AdapterError
	if errors.As(err, &ae) {
		return ae.Kind == KindTimeout
	}
	return false
}

// IsNotReachable reports whether err means the backend is down.
func IsNotReachable(err error) bool {
	var ae *AdapterError
	if errors.As(err, &ae) {
		return ae.Kind == KindConnection
	}
	return false
}

// IsModelNotFound reports whether err is a missing-model failure.
func IsModelNotFound(err error) bool {
	var ae *AdapterError
	if errors.As(err, &ae) {
		return ae.Kind == KindModelNotFound
	}
	return false
}
