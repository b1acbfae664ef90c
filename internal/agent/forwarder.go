// Fleetback - Fleet Backup Orchestration and Lifecycle Reconciliation
// Copyright 2026 Fleetback Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fleetback/fleetback

package agent

import (
	"context"
	"fmt"
	"sync"

	wmNats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	natsgo "github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/fleetback/fleetback/internal/events"
	"github.com/fleetback/fleetback/internal/logging"
	"github.com/fleetback/fleetback/internal/metrics"
)

// Forwarder bridges lifecycle events published by remote agents on NATS
// onto the local in-process bus, so the reconciliation services see one
// uniform event stream regardless of which device executed the operation.
//
// Agents publish to "<prefix>.events.<topic>"; the payload is the same JSON
// document a local backend publishes on <topic>.
type Forwarder struct {
	subscriber message.Subscriber
	local      message.Publisher
	prefix     string
	logger     zerolog.Logger
}

// ForwarderConfig holds bridge construction options.
type ForwarderConfig struct {
	// URL of the NATS server shared with the agents.
	URL string
	// SubjectPrefix must match the commander's; default "fleetback".
	SubjectPrefix string
}

// NewForwarder connects a watermill NATS subscriber for the bridge. local
// is the in-process bus publisher.
func NewForwarder(cfg ForwarderConfig, local message.Publisher) (*Forwarder, error) {
	logger := logging.With().Str("component", "agent_forwarder").Logger()

	sub, err := wmNats.NewSubscriber(wmNats.SubscriberConfig{
		URL: cfg.URL,
		NatsOptions: []natsgo.Option{
			natsgo.RetryOnFailedConnect(true),
			natsgo.MaxReconnects(-1),
		},
		Unmarshaler: &wmNats.NATSMarshaler{},
		JetStream:   wmNats.JetStreamConfig{Disabled: true},
	}, logging.NewWatermillAdapterWith(logger))
	if err != nil {
		return nil, fmt.Errorf("create NATS subscriber: %w", err)
	}

	prefix := cfg.SubjectPrefix
	if prefix == "" {
		prefix = "fleetback"
	}
	return &Forwarder{subscriber: sub, local: local, prefix: prefix, logger: logger}, nil
}

// Serve subscribes to every lifecycle topic and forwards messages until ctx
// is cancelled. It satisfies suture.Service.
func (f *Forwarder) Serve(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, topic := range events.LifecycleTopics() {
		msgs, err := f.subscriber.Subscribe(ctx, f.prefix+".events."+topic)
		if err != nil {
			return fmt.Errorf("subscribe agent events %s: %w", topic, err)
		}
		wg.Add(1)
		go func(topic string, msgs <-chan *message.Message) {
			defer wg.Done()
			f.forward(topic, msgs)
		}(topic, msgs)
	}
	wg.Wait()
	return ctx.Err()
}

func (f *Forwarder) forward(topic string, msgs <-chan *message.Message) {
	for msg := range msgs {
		out := msg.Copy()
		if err := f.local.Publish(topic, out); err != nil {
			f.logger.Error().Err(err).Str("topic", topic).
				Msg("failed to forward agent event to local bus")
			msg.Nack()
			continue
		}
		metrics.AgentEventsForwarded.Inc()
		msg.Ack()
	}
}

// Close shuts down the NATS subscription.
func (f *Forwarder) Close() error {
	return f.subscriber.Close()
}
