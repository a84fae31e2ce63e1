// Package bus carries inbound chat events from channels to the orchestrator.
package bus

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrStopped is returned by FlushMetadata once the bus is stopped.
var ErrStopped = errors.New("bus: stopped")

// InboundMessage is a chat message observed by a channel.
type InboundMessage struct {
	Channel    string    `json:"channel"`
	ID         string    `json:"id"`
	ChatID     string    `json:"chat_id"`
	ChatName   string    `json:"chat_name,omitempty"`
	SenderID   string    `json:"sender_id"`
	SenderName string    `json:"sender_name"`
	Content    string    `json:"content"`
	IsFromMe   bool      `json:"is_from_me"`
	Timestamp  time.Time `json:"timestamp"`
}

// ChatMetadata announces a chat and its display name without a message body,
// e.g. from a platform group listing. A zero Timestamp leaves the chat's last
// activity unchanged.
type ChatMetadata struct {
	Channel   string    `json:"channel"`
	ChatID    string    `json:"chat_id"`
	Name      string    `json:"name"`
	Timestamp time.Time `json:"timestamp"`

	// set on flush markers only
	flushed chan struct{}
}

// MessageBus decouples channels from the orchestrator. Channels publish, the
// orchestrator drains on its own schedule.
type MessageBus struct {
	inbound  chan *InboundMessage
	metadata chan *ChatMetadata
	done     chan struct{}
	stopOnce sync.Once
}

// NewMessageBus creates a new message bus.
func NewMessageBus() *MessageBus {
	return &MessageBus{
		inbound:  make(chan *InboundMessage, 256),
		metadata: make(chan *ChatMetadata, 256),
		done:     make(chan struct{}),
	}
}

func (b *MessageBus) stopped() bool {
	select {
	case <-b.done:
		return true
	default:
		return false
	}
}

// PublishInbound hands a message to the orchestrator. It blocks while the
// buffer is full and drops the message once the bus is stopped.
func (b *MessageBus) PublishInbound(msg *InboundMessage) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	if b.stopped() {
		return
	}
	select {
	case b.inbound <- msg:
	case <-b.done:
	}
}

// PublishMetadata records discovery metadata for a chat.
func (b *MessageBus) PublishMetadata(meta *ChatMetadata) {
	if b.stopped() {
		return
	}
	select {
	case b.metadata <- meta:
	case <-b.done:
	}
}

// FlushMetadata waits until every metadata event published before the call
// has been handed to the consumer and the consumer has come back for more,
// i.e. a single sequential consumer has finished handling them.
func (b *MessageBus) FlushMetadata(ctx context.Context) error {
	marker := &ChatMetadata{flushed: make(chan struct{})}
	select {
	case b.metadata <- marker:
	case <-b.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-marker.flushed:
		return nil
	case <-b.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ConsumeInbound blocks until a message is available or context is cancelled.
func (b *MessageBus) ConsumeInbound(ctx context.Context) (*InboundMessage, error) {
	select {
	case msg := <-b.inbound:
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ConsumeMetadata blocks until a metadata event is available or context is
// cancelled. Flush markers are acknowledged here and never returned.
func (b *MessageBus) ConsumeMetadata(ctx context.Context) (*ChatMetadata, error) {
	for {
		select {
		case meta := <-b.metadata:
			if meta.flushed != nil {
				close(meta.flushed)
				continue
			}
			return meta, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Stop makes further publishes no-ops and releases publishers blocked on a
// full buffer. Already buffered events stay consumable.
func (b *MessageBus) Stop() {
	b.stopOnce.Do(func() { close(b.done) })
}

// InboundSize returns the number of pending inbound messages.
func (b *MessageBus) InboundSize() int {
	return len(b.inbound)
}
