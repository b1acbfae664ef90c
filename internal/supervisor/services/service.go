// Fleetback - Fleet Backup Orchestration and Lifecycle Reconciliation
// Copyright 2026 Fleetback Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fleetback/fleetback

package services

import "context"

// Runner is anything with a context-aware Serve method: the job queue, the
// reconciliation router, the websocket hub and listener, the agent event
// forwarder.
type Runner interface {
	Serve(ctx context.Context) error
}

// NamedService attaches a stable name to a Runner so suture's supervision
// logs identify it.
type NamedService struct {
	name   string
	runner Runner
}

// Named wraps a runner as a supervised service.
func Named(name string, runner Runner) *NamedService {
	return &NamedService{name: name, runner: runner}
}

// Serve implements suture.Service.
func (s *NamedService) Serve(ctx context.Context) error {
	return s.runner.Serve(ctx)
}

// String implements fmt.Stringer for suture's log messages.
func (s *NamedService) String() string {
	return s.name
}
