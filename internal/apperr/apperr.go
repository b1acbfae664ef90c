// Fleetback - Fleet Backup Orchestration and Lifecycle Reconciliation
// Copyright 2026 Fleetback Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fleetback/fleetback

// Package apperr defines typed application errors carrying HTTP-style status
// codes. Orchestration services translate expected domain failures (strategy
// results with Success=false, missing entities, conflicting operations) into
// these errors; the API layer maps them straight onto response codes.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Error is an application error with an HTTP-style status code.
type Error struct {
	Code    int
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NotFound returns a 404 error.
func NotFound(format string, args ...any) *Error {
	return &Error{Code: http.StatusNotFound, Message: fmt.Sprintf(format, args...)}
}

// Conflict returns a 409 error for operations rejected because another
// operation is already in flight.
func Conflict(format string, args ...any) *Error {
	return &Error{Code: http.StatusConflict, Message: fmt.Sprintf(format, args...)}
}

// Unsupported returns a 501 error for strategy capabilities a given
// implementation does not provide.
func Unsupported(format string, args ...any) *Error {
	return &Error{Code: http.StatusNotImplemented, Message: fmt.Sprintf(format, args...)}
}

// BadRequest returns a 400 error.
func BadRequest(format string, args ...any) *Error {
	return &Error{Code: http.StatusBadRequest, Message: fmt.Sprintf(format, args...)}
}

// Internal returns a 500 error wrapping the underlying cause.
func Internal(message string, err error) *Error {
	return &Error{Code: http.StatusInternalServerError, Message: message, Err: err}
}

// StatusCode extracts the HTTP status code from err. Non-application errors
// map to 500.
func StatusCode(err error) int {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Code
	}
	return http.StatusInternalServerError
}
