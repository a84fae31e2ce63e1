package channels

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/JaisonBinns/nanoclaw/internal/bus"
	"github.com/JaisonBinns/nanoclaw/internal/config"
	"github.com/skip2/go-qrcode"

	_ "modernc.org/sqlite"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"
)

// WhatsApp has no hard text limit we care about; chunk long replies anyway.
const whatsappMaxLength = 60000

// WhatsAppChannel implements a native WhatsApp client.
type WhatsAppChannel struct {
	BaseChannel
	config    config.WhatsAppConfig
	client    *whatsmeow.Client
	container *sqlstore.Container

	// sendFn replaces the network send in tests.
	sendFn func(ctx context.Context, to types.JID, text string) error
	mu     sync.Mutex
}

// NewWhatsAppChannel creates a new WhatsApp channel.
func NewWhatsAppChannel(cfg config.WhatsAppConfig, messageBus *bus.MessageBus) *WhatsAppChannel {
	return &WhatsAppChannel{
		BaseChannel: BaseChannel{Bus: messageBus},
		config:      cfg,
	}
}

func (c *WhatsAppChannel) Name() string { return "whatsapp" }

func (c *WhatsAppChannel) Capabilities() Capability { return CapTyping | CapMetadataSync }

// OwnsChatID matches user and group JIDs.
func (c *WhatsAppChannel) OwnsChatID(chatID string) bool {
	return strings.HasSuffix(chatID, "@"+types.DefaultUserServer) || strings.HasSuffix(chatID, "@"+types.GroupServer)
}

// Connect opens the device store and connects, pairing by QR code when no
// session exists yet. The QR code is written as a PNG to QRFile.
func (c *WhatsAppChannel) Connect(ctx context.Context) error {
	dbLog := waLog.Stdout("Database", "WARN", true)
	clientLog := waLog.Stdout("Client", "WARN", true)

	if err := os.MkdirAll(filepath.Dir(c.config.SessionDB), 0o755); err != nil {
		return err
	}
	container, err := sqlstore.New(ctx, "sqlite", "file:"+c.config.SessionDB+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", dbLog)
	if err != nil {
		return fmt.Errorf("failed to init whatsapp db: %w", err)
	}
	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		_ = container.Close()
		return fmt.Errorf("failed to get device: %w", err)
	}

	client := whatsmeow.NewClient(deviceStore, clientLog)
	client.AddEventHandler(c.handleEvent)

	c.mu.Lock()
	c.container = container
	c.client = client
	c.mu.Unlock()

	if client.Store.ID != nil {
		if err := client.Connect(); err != nil {
			return fmt.Errorf("failed to connect: %w", err)
		}
		return nil
	}

	qrChan, err := client.GetQRChannel(ctx)
	if err != nil {
		return fmt.Errorf("failed to get qr channel: %w", err)
	}
	if err := client.Connect(); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	for evt := range qrChan {
		switch evt.Event {
		case "code":
			if err := qrcode.WriteFile(evt.Code, qrcode.Medium, 512, c.config.QRFile); err != nil {
				slog.Error("Failed to write WhatsApp QR code", "error", err)
				continue
			}
			slog.Info("WhatsApp login QR code written, scan it with your phone", "path", c.config.QRFile)
		case "success":
			slog.Info("WhatsApp paired")
			_ = os.Remove(c.config.QRFile)
			return nil
		default:
			slog.Warn("WhatsApp login event", "event", evt.Event)
		}
	}
	if client.Store.ID == nil {
		return fmt.Errorf("whatsapp pairing did not complete")
	}
	return nil
}

func (c *WhatsAppChannel) Disconnect() error {
	c.mu.Lock()
	client, container := c.client, c.container
	c.client, c.container = nil, nil
	c.mu.Unlock()
	if client != nil {
		client.Disconnect()
	}
	if container != nil {
		return container.Close()
	}
	return nil
}

func (c *WhatsAppChannel) handleEvent(evt any) {
	switch v := evt.(type) {
	case *events.Message:
		content := v.Message.GetConversation()
		if content == "" {
			content = v.Message.GetExtendedTextMessage().GetText()
		}
		if content == "" {
			content = v.Message.GetImageMessage().GetCaption()
		}
		if content == "" {
			content = v.Message.GetVideoMessage().GetCaption()
		}
		if content == "" {
			return
		}
		c.Bus.PublishInbound(&bus.InboundMessage{
			Channel:    c.Name(),
			ID:         v.Info.ID,
			ChatID:     v.Info.Chat.String(),
			SenderID:   v.Info.Sender.String(),
			SenderName: v.Info.PushName,
			Content:    content,
			IsFromMe:   v.Info.IsFromMe,
			Timestamp:  v.Info.Timestamp.UTC(),
		})
	case *events.Connected:
		slog.Info("WhatsApp connected")
	case *events.LoggedOut:
		slog.Error("WhatsApp logged out, re-pair required", "reason", v.Reason)
	}
}

func (c *WhatsAppChannel) connected() *whatsmeow.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.client
}

func (c *WhatsAppChannel) SendMessage(ctx context.Context, chatID, text string) error {
	jid, err := types.ParseJID(chatID)
	if err != nil {
		return fmt.Errorf("invalid JID: %w", err)
	}
	send := c.sendFn
	if send == nil {
		client := c.connected()
		if client == nil {
			return ErrNotConnected
		}
		send = func(ctx context.Context, to types.JID, text string) error {
			_, err := client.SendMessage(ctx, to, &waE2E.Message{Conversation: proto.String(text)})
			return err
		}
	}
	return SendChunked(ctx, text, whatsappMaxLength, func(ctx context.Context, part string) error {
		return send(ctx, jid, part)
	})
}

func (c *WhatsAppChannel) SetTyping(ctx context.Context, chatID string, on bool) error {
	client := c.connected()
	if client == nil {
		return ErrNotConnected
	}
	jid, err := types.ParseJID(chatID)
	if err != nil {
		return err
	}
	state := types.ChatPresencePaused
	if on {
		state = types.ChatPresenceComposing
	}
	return client.SendChatPresence(ctx, jid, state, types.ChatPresenceMediaText)
}

// SyncChatMetadata publishes the name of every joined group.
func (c *WhatsAppChannel) SyncChatMetadata(ctx context.Context) error {
	client := c.connected()
	if client == nil {
		return ErrNotConnected
	}
	groups, err := client.GetJoinedGroups(ctx)
	if err != nil {
		return fmt.Errorf("list groups: %w", err)
	}
	for _, g := range groups {
		if g.Name == "" {
			continue
		}
		c.Bus.PublishMetadata(&bus.ChatMetadata{Channel: c.Name(), ChatID: g.JID.String(), Name: g.Name})
	}
	slog.Info("WhatsApp group metadata synced", "groups", len(groups))
	return nil
}
