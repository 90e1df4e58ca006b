// Package eventbus carries runtime lifecycle events (service started,
// exited, crashed, server state changes) over an in-process watermill
// pub/sub, so observers such as the crash monitor stay decoupled from
// the scheduling core.
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

// Lifecycle topics.
const (
	TopicServiceStarted = "service.started"
	TopicServiceExited  = "service.exited"
	TopicServiceCrashed = "service.crashed"
	TopicServerState    = "server.state"
)

// ServiceEvent is the payload published on the service.* topics.
type ServiceEvent struct {
	ID     uint32 `json:"id"`
	Name   string `json:"name"`
	Worker uint8  `json:"worker"`
	Unique bool   `json:"unique"`
	Reason string `json:"reason,omitempty"`
}

// Bus wraps a gochannel pub/sub with JSON payloads.
type Bus struct {
	ch     *gochannel.GoChannel
	logger *slog.Logger
}

// New builds the bus on top of the given logger.
func New(logger *slog.Logger) *Bus {
	return &Bus{
		ch: gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer: 64,
		}, watermill.NewSlogLogger(logger)),
		logger: logger,
	}
}

// Publish emits payload on topic. Publish failures are logged, never
// propagated: lifecycle observation must not stall the runtime.
func (b *Bus) Publish(topic string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		b.logger.Error("eventbus marshal failed", "topic", topic, "error", err)
		return
	}
	msg := message.NewMessage(watermill.NewUUID(), data)
	if err := b.ch.Publish(topic, msg); err != nil {
		b.logger.Error("eventbus publish failed", "topic", topic, "error", err)
	}
}

// Subscribe returns the raw watermill stream for topic.
func (b *Bus) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	ch, err := b.ch.Subscribe(ctx, topic)
	if err != nil {
		return nil, fmt.Errorf("eventbus: subscribe %s: %w", topic, err)
	}
	return ch, nil
}

// SubscribeServiceEvents decodes a service.* topic into typed events.
// Messages are acked as they are decoded.
func (b *Bus) SubscribeServiceEvents(ctx context.Context, topic string) (<-chan ServiceEvent, error) {
	raw, err := b.Subscribe(ctx, topic)
	if err != nil {
		return nil, err
	}
	out := make(chan ServiceEvent, 16)
	go func() {
		defer close(out)
		for msg := range raw {
			var ev ServiceEvent
			if err := json.Unmarshal(msg.Payload, &ev); err != nil {
				b.logger.Warn("eventbus decode failed", "topic", topic, "error", err)
				msg.Ack()
				continue
			}
			msg.Ack()
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Close shuts the underlying pub/sub down.
func (b *Bus) Close() error {
	return b.ch.Close()
}
