// Fleetback - Fleet Backup Orchestration and Lifecycle Reconciliation
// Copyright 2026 Fleetback Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fleetback/fleetback

package websocket

import (
	"context"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/fleetback/fleetback/internal/events"
	"github.com/fleetback/fleetback/internal/logging"
)

// Listener bridges the in-process event bus into the hub: every lifecycle
// event is forwarded to connected clients verbatim, under its bus topic.
//
// The listener is a read-only observer; it never influences reconciliation
// and always acks, so a slow UI cannot back up the bus.
type Listener struct {
	bus    *events.Bus
	hub    *Hub
	topics []string
	logger zerolog.Logger
}

// NewListener subscribes to all lifecycle topics.
func NewListener(bus *events.Bus, hub *Hub) *Listener {
	return &Listener{
		bus:    bus,
		hub:    hub,
		topics: events.LifecycleTopics(),
		logger: logging.With().Str("component", "websocket_listener").Logger(),
	}
}

// Serve consumes bus messages until ctx is cancelled. Satisfies
// suture.Service.
func (l *Listener) Serve(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, topic := range l.topics {
		msgs, err := l.bus.Subscribe(ctx, topic)
		if err != nil {
			return err
		}
		wg.Add(1)
		go func(topic string, msgs <-chan *message.Message) {
			defer wg.Done()
			l.pump(topic, msgs)
		}(topic, msgs)
	}
	wg.Wait()
	return ctx.Err()
}

// pump forwards one topic's messages until the bus closes the channel.
func (l *Listener) pump(topic string, msgs <-chan *message.Message) {
	for msg := range msgs {
		var data json.RawMessage
		if err := json.Unmarshal(msg.Payload, &data); err != nil {
			l.logger.Warn().Err(err).Str("topic", topic).Msg("dropping malformed event")
			msg.Ack()
			continue
		}
		l.hub.BroadcastEvent(topic, data)
		msg.Ack()
	}
}
