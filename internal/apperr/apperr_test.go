// Fleetback - Fleet Backup Orchestration and Lifecycle Reconciliation
// Copyright 2026 Fleetback Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fleetback/fleetback

package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestStatusCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"not found", NotFound("plan %s not found", "p1"), http.StatusNotFound},
		{"conflict", Conflict("backup already running"), http.StatusConflict},
		{"unsupported", Unsupported("pause not supported"), http.StatusNotImplemented},
		{"bad request", BadRequest("missing plan id"), http.StatusBadRequest},
		{"internal", Internal("load plan", errors.New("disk error")), http.StatusInternalServerError},
		{"wrapped application error", fmt.Errorf("trigger backup: %w", Conflict("busy")), http.StatusConflict},
		{"plain error", errors.New("boom"), http.StatusInternalServerError},
		{"nil-ish sentinel", errors.New(""), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := StatusCode(tt.err); got != tt.want {
				t.Errorf("StatusCode() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestErrorFormatting(t *testing.T) {
	e := NotFound("plan %s not found", "p1")
	if e.Error() != "plan p1 not found" {
		t.Errorf("Error() = %q", e.Error())
	}

	cause := errors.New("disk error")
	wrapped := Internal("load plan", cause)
	if wrapped.Error() != "load plan: disk error" {
		t.Errorf("Error() = %q", wrapped.Error())
	}
	if !errors.Is(wrapped, cause) {
		t.Error("Internal() does not unwrap to its cause")
	}
}
