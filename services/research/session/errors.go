// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package session

import (
	"errors"
	"fmt"
)

// ErrorCode is the closed set of store failure categories. Callers branch
// on the code, not on error strings.
type ErrorCode string

const (
	CodeQuotaExceeded      ErrorCode = "QUOTA_EXCEEDED"
	CodeCorruptedData      ErrorCode = "CORRUPTED_DATA"
	CodeSessionNotFound    ErrorCode = "SESSION_NOT_FOUND"
	CodeSerializationError ErrorCode = "SERIALIZATION_ERROR"
	CodeUnknown            ErrorCode = "UNKNOWN_ERROR"
)

// StorageError is the single tagged error type raised by the session store.
type StorageError struct {
	// Code categorizes the failure.
	Code ErrorCode

	// Op is the store operation that failed (save, load, list, ...).
	Op string

	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface.
func (e *StorageError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("session %s: %s: %v", e.Op, e.Code, e.Err)
	}
	return fmt.Sprintf("session %s: %s", e.Op, e.Code)
}

// Unwrap exposes the underlying cause for errors.Is/As.
func (e *StorageError) Unwrap() error {
	return e.Err
}

// newError builds a StorageError.
func newError(code ErrorCode, op string, err error) *StorageError {
	return &StorageError{Code: code, Op: op, Err: err}
}

// CodeOf extracts the error code, or CodeUnknown for foreign errors.
// Returns the empty string for nil.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var se *StorageError
	if errors.As(err, &se) {
		return se.Code
	}
	return CodeUnknown
}

// IsCode reports whether err carries the given store error code.
func IsCode(err error, code ErrorCode) bool {
	return CodeOf(err) == code
}
