package channels

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// Manager owns the enabled channels and routes outbound calls by chat id.
type Manager struct {
	channels []Channel
}

// NewManager creates a manager over the given channels.
func NewManager(chs ...Channel) *Manager {
	return &Manager{channels: chs}
}

// Channels returns the managed channels.
func (m *Manager) Channels() []Channel { return m.channels }

// Connect connects every channel. The first failure aborts startup.
func (m *Manager) Connect(ctx context.Context) error {
	for _, ch := range m.channels {
		if err := ch.Connect(ctx); err != nil {
			return fmt.Errorf("connect %s: %w", ch.Name(), err)
		}
		slog.Info("Channel connected", "channel", ch.Name())
	}
	return nil
}

// Disconnect disconnects every channel and joins the errors.
func (m *Manager) Disconnect() error {
	var errs []error
	for _, ch := range m.channels {
		if err := ch.Disconnect(); err != nil {
			errs = append(errs, fmt.Errorf("disconnect %s: %w", ch.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Owner returns the channel that owns chatID.
func (m *Manager) Owner(chatID string) (Channel, bool) {
	for _, ch := range m.channels {
		if ch.OwnsChatID(chatID) {
			return ch, true
		}
	}
	return nil, false
}

// SendMessage delivers text through the owning channel.
func (m *Manager) SendMessage(ctx context.Context, chatID, text string) error {
	ch, ok := m.Owner(chatID)
	if !ok {
		return fmt.Errorf("no channel owns chat %q", chatID)
	}
	return ch.SendMessage(ctx, chatID, text)
}

// SetTyping toggles typing on the owning channel if it supports it.
func (m *Manager) SetTyping(ctx context.Context, chatID string, on bool) {
	ch, ok := m.Owner(chatID)
	if !ok || !ch.Capabilities().Has(CapTyping) {
		return
	}
	if err := ch.SetTyping(ctx, chatID, on); err != nil {
		slog.Debug("Failed to set typing", "channel", ch.Name(), "chat", chatID, "error", err)
	}
}

// SyncMetadata runs a metadata sync on every channel that advertises it.
func (m *Manager) SyncMetadata(ctx context.Context) error {
	var errs []error
	for _, ch := range m.channels {
		if !ch.Capabilities().Has(CapMetadataSync) {
			continue
		}
		syncer, ok := ch.(MetadataSyncer)
		if !ok {
			continue
		}
		if err := syncer.SyncChatMetadata(ctx); err != nil {
			errs = append(errs, fmt.Errorf("sync %s: %w", ch.Name(), err))
		}
	}
	return errors.Join(errs...)
}
