// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package sink

import (
	"context"
	"encoding/json"
	"sync/atomic"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/jeranaias/comhra/internal/model"
	"github.com/jeranaias/comhra/internal/session"
)

// DefaultTopic is the topic sessions publish on.
const DefaultTopic = "comhra.session"

// Event is the wire form of one emission.
type Event struct {
	Seq     uint64        `json:"seq"`
	Phase   string        `json:"phase"`
	Message model.Message `json:"message"`
}

// NewBus returns an in-process pub/sub. Publish blocks until every
// subscriber has acked, which keeps emissions in order.
func NewBus(logger zerolog.Logger) *gochannel.GoChannel {
	return gochannel.NewGoChannel(gochannel.Config{
		BlockPublishUntilSubscriberAck: true,
	}, NewLogger(logger))
}

// =============================================================================
// PUBLISHING
// =============================================================================

// WatermillSink publishes emissions to a watermill Publisher.
type WatermillSink struct {
	publisher message.Publisher
	topic     string
	seq       atomic.Uint64
}

// NewWatermillSink creates a sink that publishes to topic.
func NewWatermillSink(publisher message.Publisher, topic string) *WatermillSink {
	if topic == "" {
		topic = DefaultTopic
	}
	return &WatermillSink{publisher: publisher, topic: topic}
}

// Deliver implements session.Sink.
func (w *WatermillSink) Deliver(e session.Emission) error {
	payload, err := json.Marshal(Event{
		Seq:     w.seq.Add(1),
		Phase:   e.Phase.String(),
		Message: e.Message,
	})
	if err != nil {
		return errors.Wrap(err, "failed to marshal emission")
	}

	msg := message.NewMessage(watermill.NewUUID(), payload)
	if err := w.publisher.Publish(w.topic, msg); err != nil {
		log.Error().Err(err).Str("topic", w.topic).Msg("Failed to publish emission")
		return err
	}
	log.Trace().Str("topic", w.topic).Str("phase", e.Phase.String()).Msg("Published emission")
	return nil
}

var _ session.Sink = (*WatermillSink)(nil)

// =============================================================================
// SUBSCRIBING
// =============================================================================

// Forward delivers every emission published on topic to dst until ctx ends
// or the subscription closes. Undecodable messages are logged and acked.
func Forward(ctx context.Context, sub message.Subscriber, topic string, dst session.Sink) error {
	messages, err := subscribe(ctx, sub, topic)
	if err != nil {
		return err
	}
	pump(messages, dst)
	return nil
}

// Start subscribes before returning and forwards in the background, so
// nothing published after Start is lost on a non-persistent bus. The
// returned channel is closed when forwarding stops.
func Start(ctx context.Context, sub message.Subscriber, topic string, dst session.Sink) (<-chan struct{}, error) {
	messages, err := subscribe(ctx, sub, topic)
	if err != nil {
		return nil, err
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		pump(messages, dst)
	}()
	return done, nil
}

func subscribe(ctx context.Context, sub message.Subscriber, topic string) (<-chan *message.Message, error) {
	if topic == "" {
		topic = DefaultTopic
	}
	messages, err := sub.Subscribe(ctx, topic)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to subscribe to %s", topic)
	}
	return messages, nil
}

func pump(messages <-chan *message.Message, dst session.Sink) {
	for msg := range messages {
		e, err := Decode(msg.Payload)
		if err != nil {
			log.Warn().Err(err).Str("message_id", msg.UUID).Msg("Dropping bad emission")
			msg.Ack()
			continue
		}
		if err := dst.Deliver(e); err != nil {
			log.Warn().Err(err).Str("message_id", msg.UUID).Msg("Downstream sink failed")
		}
		msg.Ack()
	}
}

// Decode parses an Event payload back into an emission.
func Decode(payload []byte) (session.Emission, error) {
	var ev Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return session.Emission{}, errors.Wrap(err, "invalid emission payload")
	}
	phase, err := ParsePhase(ev.Phase)
	if err != nil {
		return session.Emission{}, err
	}
	return session.Emission{Phase: phase, Message: ev.Message}, nil
}

// ParsePhase is the inverse of session.Phase.String.
func ParsePhase(s string) (session.Phase, error) {
	for p := session.PhaseUserTurn; p <= session.PhaseReplayingFromStorage; p++ {
		if p.String() == s {
			return p, nil
		}
	}
	return 0, errors.Errorf("unknown phase %q", s)
}
