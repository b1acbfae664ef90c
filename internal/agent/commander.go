// Fleetback - Fleet Backup Orchestration and Lifecycle Reconciliation
// Copyright 2026 Fleetback Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fleetback/fleetback

// Package agent is the control channel to remote device agents. Commands go
// out as NATS request/reply with exactly-once semantics: the command is
// published once, with no retry, and a reply or error is returned to the
// caller. Lifecycle events flow the other way through the Forwarder, which
// bridges agent-published subjects onto the local event bus.
package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	natsgo "github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/fleetback/fleetback/internal/logging"
	"github.com/fleetback/fleetback/internal/metrics"
)

// ErrAgentUnavailable is returned when the device agent does not answer:
// no responder on the subject, request timeout, or an open circuit breaker.
var ErrAgentUnavailable = errors.New("device agent unavailable")

// ErrCommandRejected is returned when the agent answered and reported
// failure; the wrapped message carries the agent's reason.
var ErrCommandRejected = errors.New("device agent rejected command")

// Commander sends a command to a device agent and returns the raw result.
// Implementations must not retry: command side effects (starting a backup
// process) are not idempotent.
type Commander interface {
	Command(ctx context.Context, deviceID, action string, payload any) (json.RawMessage, error)
}

// DisabledCommander is the Commander used when remote agent support is
// turned off: every command fails as unavailable, so remote plans surface a
// clean error instead of hanging on a connection that will never exist.
type DisabledCommander struct{}

// Command implements Commander.
func (DisabledCommander) Command(_ context.Context, deviceID, action string, _ any) (json.RawMessage, error) {
	return nil, fmt.Errorf("%w: agent support is disabled (device %s, action %s)", ErrAgentUnavailable, deviceID, action)
}

// commandRequest is the wire shape of an outbound command.
type commandRequest struct {
	Action  string          `json:"action"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// commandReply is the wire shape of an agent reply.
type commandReply struct {
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// CommanderConfig holds NATS commander construction options.
type CommanderConfig struct {
	// URL of the NATS server, e.g. nats://127.0.0.1:4222 or an embedded
	// server's client URL.
	URL string
	// RequestTimeout bounds a single request/reply round trip.
	RequestTimeout time.Duration
	// SubjectPrefix is prepended to command subjects; default "fleetback".
	SubjectPrefix string
	// MaxReconnects and ReconnectWait tune connection recovery.
	MaxReconnects int
	ReconnectWait time.Duration
	// BreakerFailureThreshold is the consecutive-failure count that opens
	// the circuit. BreakerTimeout is the open-state cooldown.
	BreakerFailureThreshold uint32
	BreakerTimeout          time.Duration
}

// DefaultCommanderConfig returns production defaults.
func DefaultCommanderConfig(url string) CommanderConfig {
	return CommanderConfig{
		URL:                     url,
		RequestTimeout:          30 * time.Second,
		SubjectPrefix:           "fleetback",
		MaxReconnects:           -1,
		ReconnectWait:           2 * time.Second,
		BreakerFailureThreshold: 5,
		BreakerTimeout:          30 * time.Second,
	}
}

// NATSCommander implements Commander over a NATS request/reply channel.
// A circuit breaker sheds commands while an agent endpoint is failing so
// a dead device does not tie up callers for the full request timeout.
type NATSCommander struct {
	cfg     CommanderConfig
	conn    *natsgo.Conn
	breaker *gobreaker.CircuitBreaker[*commandReply]
	logger  zerolog.Logger
}

// NewNATSCommander connects to NATS and returns a commander.
func NewNATSCommander(cfg CommanderConfig) (*NATSCommander, error) {
	logger := logging.With().Str("component", "agent_commander").Logger()

	opts := []natsgo.Option{
		natsgo.RetryOnFailedConnect(true),
		natsgo.MaxReconnects(cfg.MaxReconnects),
		natsgo.ReconnectWait(cfg.ReconnectWait),
		natsgo.DisconnectErrHandler(func(_ *natsgo.Conn, err error) {
			if err != nil {
				logger.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		natsgo.ReconnectHandler(func(nc *natsgo.Conn) {
			logger.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	}

	conn, err := natsgo.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	return &NATSCommander{
		cfg:     cfg,
		conn:    conn,
		breaker: newCommandBreaker(cfg),
		logger:  logger,
	}, nil
}

func newCommandBreaker(cfg CommanderConfig) *gobreaker.CircuitBreaker[*commandReply] {
	threshold := cfg.BreakerFailureThreshold
	if threshold == 0 {
		threshold = 5
	}
	return gobreaker.NewCircuitBreaker[*commandReply](gobreaker.Settings{
		Name:    "agent-commands",
		Timeout: cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.CircuitBreakerTransitions.WithLabelValues(name, from.String(), to.String()).Inc()
			metrics.CircuitBreakerState.WithLabelValues(name).Set(breakerStateValue(to))
		},
	})
}

func breakerStateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	default:
		return 2
	}
}

// subject builds the per-device command subject.
func (c *NATSCommander) subject(deviceID string) string {
	prefix := c.cfg.SubjectPrefix
	if prefix == "" {
		prefix = "fleetback"
	}
	return prefix + ".agent." + deviceID + ".command"
}

// Command sends one command and waits for the reply. A rejection from the
// agent comes back as ErrCommandRejected; a missing or silent agent as
// ErrAgentUnavailable. Never retried.
func (c *NATSCommander) Command(ctx context.Context, deviceID, action string, payload any) (json.RawMessage, error) {
	req := commandRequest{Action: action}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode command payload: %w", err)
		}
		req.Payload = data
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode command: %w", err)
	}

	timeout := c.cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	reply, err := c.breaker.Execute(func() (*commandReply, error) {
		msg, err := c.conn.RequestWithContext(reqCtx, c.subject(deviceID), body)
		if err != nil {
			return nil, err
		}
		var rep commandReply
		if err := json.Unmarshal(msg.Data, &rep); err != nil {
			return nil, fmt.Errorf("decode agent reply: %w", err)
		}
		return &rep, nil
	})
	elapsed := time.Since(start)

	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		metrics.RecordAgentCommand(action, elapsed, "breaker_open")
		c.logger.Warn().Str("device_id", deviceID).Str("action", action).
			Msg("agent command shed by open circuit breaker")
		return nil, fmt.Errorf("%w: circuit breaker open", ErrAgentUnavailable)
	case errors.Is(err, natsgo.ErrNoResponders), errors.Is(err, natsgo.ErrTimeout),
		errors.Is(err, context.DeadlineExceeded):
		metrics.RecordAgentCommand(action, elapsed, "timeout")
		c.logger.Warn().Err(err).Str("device_id", deviceID).Str("action", action).
			Msg("agent did not answer command")
		return nil, fmt.Errorf("%w: %v", ErrAgentUnavailable, err)
	case err != nil:
		metrics.RecordAgentCommand(action, elapsed, "other")
		return nil, fmt.Errorf("agent command %q: %w", action, err)
	}

	if !reply.Success {
		metrics.RecordAgentCommand(action, elapsed, "rejected")
		return nil, fmt.Errorf("%w: %s", ErrCommandRejected, reply.Error)
	}

	metrics.RecordAgentCommand(action, elapsed, "")
	c.logger.Debug().Str("device_id", deviceID).Str("action", action).
		Dur("elapsed", elapsed).Msg("agent command completed")
	return reply.Result, nil
}

// Close drains and closes the NATS connection.
func (c *NATSCommander) Close() {
	if err := c.conn.Drain(); err != nil {
		c.logger.Warn().Err(err).Msg("NATS drain failed, closing hard")
		c.conn.Close()
	}
}
