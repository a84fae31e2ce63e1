// Package channels connects chat platforms to the message bus.
package channels

import (
	"context"
	"errors"

	"github.com/JaisonBinns/nanoclaw/internal/bus"
)

// ErrNotConnected is returned when sending on a channel that is not connected.
var ErrNotConnected = errors.New("channel not connected")

// Capability is an optional feature a channel advertises.
type Capability uint8

const (
	// CapTyping means SetTyping shows a presence indicator.
	CapTyping Capability = 1 << iota
	// CapMetadataSync means the channel implements MetadataSyncer.
	CapMetadataSync
)

// Has reports whether c includes all of want.
func (c Capability) Has(want Capability) bool { return c&want == want }

// Channel defines the interface for chat platforms (Telegram, WhatsApp, etc).
type Channel interface {
	// Name returns the channel name (e.g. "telegram").
	Name() string
	// Connect starts the listener. Inbound messages go to the bus.
	Connect(ctx context.Context) error
	// Disconnect stops the listener.
	Disconnect() error
	// SendMessage delivers text, chunking it when the platform requires.
	SendMessage(ctx context.Context, chatID, text string) error
	// SetTyping toggles the typing indicator where supported.
	SetTyping(ctx context.Context, chatID string, on bool) error
	// OwnsChatID reports whether chatID belongs to this platform.
	OwnsChatID(chatID string) bool
	// Capabilities lists the optional features this channel supports.
	Capabilities() Capability
}

// MetadataSyncer publishes chat names for every chat the account can see.
type MetadataSyncer interface {
	SyncChatMetadata(ctx context.Context) error
}

// BaseChannel provides common functionality for channels.
type BaseChannel struct {
	Bus *bus.MessageBus
}
