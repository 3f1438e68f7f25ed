// Package events fans conversation activity out to in-process subscribers
// over a watermill go-channel pub/sub.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/nstogner/officeagent/pkg/controller"
	"github.com/nstogner/officeagent/pkg/domain"
)

const (
	TopicTranscript = "transcript"
	TopicTurn       = "turn"

	sessionKey = "session_id"
)

// Type identifies an Event.
type Type string

const (
	TypeMessage Type = "message"
	TypeTurn    Type = "turn"
	// TypeError carries a rejected client request. It is never published.
	TypeError Type = "error"
)

// Event is what subscribers receive. Message is set for TypeMessage, State
// and Error for TypeTurn.
type Event struct {
	Type      Type            `json:"type"`
	SessionID string          `json:"session_id"`
	Message   *domain.Message `json:"message,omitempty"`
	State     string          `json:"state,omitempty"`
	Error     string          `json:"error,omitempty"`
}

var _ controller.Notifier = (*Bus)(nil)

// Bus publishes transcript and turn events.
type Bus struct {
	pubSub *gochannel.GoChannel
	buffer int
	log    *slog.Logger
}

// New creates a Bus. Each subscriber buffers up to buffer events and drops
// events beyond that so a slow reader never stalls a turn.
func New(buffer int, log *slog.Logger) *Bus {
	if log == nil {
		log = slog.Default()
	}
	if buffer <= 0 {
		buffer = 64
	}
	return &Bus{
		pubSub: gochannel.NewGoChannel(gochannel.Config{
			// Guarantee that messages are delivered in the order of publishing.
			BlockPublishUntilSubscriberAck: true,
		}, watermill.NopLogger{}),
		buffer: buffer,
		log:    log,
	}
}

// MessageAppended publishes a committed transcript message.
func (b *Bus) MessageAppended(sessionID string, m domain.Message) {
	b.publish(TopicTranscript, Event{Type: TypeMessage, SessionID: sessionID, Message: &m})
}

// TurnStateChanged publishes a turn state change. turnErr is set when a
// turn ended with an error.
func (b *Bus) TurnStateChanged(sessionID, state string, turnErr error) {
	ev := Event{Type: TypeTurn, SessionID: sessionID, State: state}
	if turnErr != nil {
		ev.Error = turnErr.Error()
	}
	b.publish(TopicTurn, ev)
}

func (b *Bus) publish(topic string, ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		b.log.Error("Failed to marshal event", "topic", topic, "error", err)
		return
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set(sessionKey, ev.SessionID)
	if err := b.pubSub.Publish(topic, msg); err != nil {
		b.log.Warn("Failed to publish event", "topic", topic, "error", err)
	}
}

// Subscribe streams the events of one session until ctx is done.
func (b *Bus) Subscribe(ctx context.Context, sessionID string) (<-chan Event, error) {
	out := make(chan Event, b.buffer)
	done := make(chan struct{}, 2)
	for _, topic := range []string{TopicTranscript, TopicTurn} {
		msgs, err := b.pubSub.Subscribe(ctx, topic)
		if err != nil {
			return nil, fmt.Errorf("subscribing to %s: %w", topic, err)
		}
		go func() {
			b.forward(msgs, sessionID, out)
			done <- struct{}{}
		}()
	}
	go func() {
		<-done
		<-done
		close(out)
	}()
	return out, nil
}

// forward acks every message, so publishing is never held up longer than
// it takes to hand the event over.
func (b *Bus) forward(msgs <-chan *message.Message, sessionID string, out chan<- Event) {
	for msg := range msgs {
		if msg.Metadata.Get(sessionKey) != sessionID {
			msg.Ack()
			continue
		}
		var ev Event
		if err := json.Unmarshal(msg.Payload, &ev); err != nil {
			b.log.Error("Failed to decode event", "error", err)
			msg.Ack()
			continue
		}
		select {
		case out <- ev:
		default:
			b.log.Warn("Dropping event for slow subscriber", "sessionID", sessionID, "type", ev.Type)
		}
		msg.Ack()
	}
}

// Close stops the bus and ends every subscription.
func (b *Bus) Close() error {
	return b.pubSub.Close()
}
