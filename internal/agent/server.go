// Fleetback - Fleet Backup Orchestration and Lifecycle Reconciliation
// Copyright 2026 Fleetback Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fleetback/fleetback

package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats-server/v2/server"
)

// ServerConfig holds embedded NATS server options.
type ServerConfig struct {
	Host     string
	Port     int
	StoreDir string
	// MaxPayload bounds message size; restore download chunks stay well
	// below this.
	MaxPayload int32
}

// DefaultServerConfig returns single-instance defaults.
func DefaultServerConfig(storeDir string) ServerConfig {
	return ServerConfig{
		Host:       "0.0.0.0",
		Port:       4222,
		StoreDir:   storeDir,
		MaxPayload: 8 * 1024 * 1024,
	}
}

// EmbeddedServer runs an in-process NATS server so single-box deployments
// get the agent control channel without an external broker. Remote agents
// connect to it over TCP.
type EmbeddedServer struct {
	server    *server.Server
	clientURL string
}

// NewEmbeddedServer creates and starts an embedded NATS server, waiting
// until it accepts connections.
func NewEmbeddedServer(cfg ServerConfig) (*EmbeddedServer, error) {
	opts := &server.Options{
		ServerName: "fleetback-agents",
		Host:       cfg.Host,
		Port:       cfg.Port,
		JetStream:  true,
		StoreDir:   cfg.StoreDir,
		DontListen: false,
		MaxPayload: cfg.MaxPayload,
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("create NATS server: %w", err)
	}
	ns.ConfigureLogger()

	go ns.Start()

	if !ns.ReadyForConnections(30 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("NATS server not ready within timeout")
	}

	return &EmbeddedServer{server: ns, clientURL: ns.ClientURL()}, nil
}

// ClientURL returns the connection URL for the commander and agents.
func (s *EmbeddedServer) ClientURL() string {
	return s.clientURL
}

// IsRunning returns server health status.
func (s *EmbeddedServer) IsRunning() bool {
	return s.server.Running()
}

// Shutdown stops the server, waiting for completion or ctx cancellation.
func (s *EmbeddedServer) Shutdown(ctx context.Context) error {
	s.server.Shutdown()

	done := make(chan struct{})
	go func() {
		s.server.WaitForShutdown()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}
