// Fleetback - Fleet Backup Orchestration and Lifecycle Reconciliation
// Copyright 2026 Fleetback Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fleetback/fleetback

package events

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

// Bus is the process-wide lifecycle event channel: the execution backend and
// the job queue publish onto it, reconciliation services and listeners
// consume from it. Backed by Watermill's GoChannel pub/sub, so delivery to a
// given subscriber preserves publish order per topic.
type Bus struct {
	pubsub *gochannel.GoChannel
	logger watermill.LoggerAdapter
}

// BusConfig holds bus construction options.
type BusConfig struct {
	// Buffer is the per-subscriber channel buffer. Publishing blocks once a
	// subscriber falls this far behind, which is deliberate backpressure.
	Buffer int64
}

// DefaultBusConfig returns production defaults.
func DefaultBusConfig() BusConfig {
	return BusConfig{Buffer: 256}
}

// NewBus creates an in-process event bus.
func NewBus(cfg BusConfig, logger watermill.LoggerAdapter) *Bus {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return &Bus{
		pubsub: gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer: cfg.Buffer,
		}, logger),
		logger: logger,
	}
}

// Publish serializes v and publishes it on topic.
func (b *Bus) Publish(topic string, v any) error {
	data, err := Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal event for %s: %w", topic, err)
	}
	msg := message.NewMessage(watermill.NewUUID(), data)
	if err := b.pubsub.Publish(topic, msg); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe returns a channel of raw messages for topic. Messages must be
// Acked or Nacked by the consumer.
func (b *Bus) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	return b.pubsub.Subscribe(ctx, topic)
}

// Publisher exposes the underlying Watermill publisher for router wiring.
func (b *Bus) Publisher() message.Publisher {
	return b.pubsub
}

// Subscriber exposes the underlying Watermill subscriber for router wiring.
func (b *Bus) Subscriber() message.Subscriber {
	return b.pubsub
}

// Close shuts the bus down. Pending subscriber channels are closed.
func (b *Bus) Close() error {
	return b.pubsub.Close()
}
