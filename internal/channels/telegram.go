package channels

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/JaisonBinns/nanoclaw/internal/bus"
	"github.com/JaisonBinns/nanoclaw/internal/config"
)

const (
	// Telegram rejects messages over 4096 characters; leave room for the chunk prefix.
	telegramMaxLength = 4000
	telegramPollWait  = 30 * time.Second
)

var telegramChatID = regexp.MustCompile(`^-?\d+$`)

var telegramLogOnce sync.Once

// telegramLogger routes the bot library's log lines into slog.
type telegramLogger struct{}

func (telegramLogger) Println(v ...any) {
	slog.Warn("Telegram", "detail", strings.TrimSpace(fmt.Sprintln(v...)))
}

func (telegramLogger) Printf(format string, v ...any) {
	slog.Warn("Telegram", "detail", fmt.Sprintf(format, v...))
}

// TelegramChannel talks to the Telegram Bot API with long-polling getUpdates.
type TelegramChannel struct {
	BaseChannel
	config   config.TelegramConfig
	endpoint string

	mu     sync.Mutex
	bot    *tgbotapi.BotAPI
	cancel context.CancelFunc
	done   chan struct{}
}

// NewTelegramChannel creates a Telegram channel.
func NewTelegramChannel(cfg config.TelegramConfig, messageBus *bus.MessageBus) *TelegramChannel {
	telegramLogOnce.Do(func() { _ = tgbotapi.SetLogger(telegramLogger{}) })
	endpoint := tgbotapi.APIEndpoint
	if base := strings.TrimRight(cfg.APIBase, "/"); base != "" {
		endpoint = base + "/bot%s/%s"
	}
	return &TelegramChannel{
		BaseChannel: BaseChannel{Bus: messageBus},
		config:      cfg,
		endpoint:    endpoint,
	}
}

func (c *TelegramChannel) Name() string { return "telegram" }

func (c *TelegramChannel) Capabilities() Capability { return CapTyping }

// OwnsChatID matches Telegram's numeric ids (negative for groups).
func (c *TelegramChannel) OwnsChatID(chatID string) bool { return telegramChatID.MatchString(chatID) }

// Connect authenticates with getMe and starts the update loop.
func (c *TelegramChannel) Connect(ctx context.Context) error {
	client := &http.Client{Timeout: telegramPollWait + 15*time.Second}
	bot, err := tgbotapi.NewBotAPIWithClient(c.config.Token, c.endpoint, client)
	if err != nil {
		return fmt.Errorf("telegram getMe: %w", err)
	}
	slog.Info("Telegram bot authenticated", "username", bot.Self.UserName)

	u := tgbotapi.NewUpdate(0)
	u.Timeout = int(telegramPollWait / time.Second)
	u.AllowedUpdates = []string{"message"}
	updates := bot.GetUpdatesChan(u)

	loopCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.bot = bot
	c.cancel = cancel
	c.done = make(chan struct{})
	done := c.done
	c.mu.Unlock()

	go func() {
		defer close(done)
		for {
			select {
			case <-loopCtx.Done():
				return
			case upd, ok := <-updates:
				if !ok {
					return
				}
				if upd.Message != nil {
					c.handleMessage(upd.Message, bot.Self.ID)
				}
			}
		}
	}()
	return nil
}

func (c *TelegramChannel) handleMessage(m *tgbotapi.Message, botID int64) {
	content := m.Text
	if content == "" {
		content = m.Caption
	}
	if content == "" || m.Chat == nil {
		return
	}
	chatID := strconv.FormatInt(m.Chat.ID, 10)
	chatName := m.Chat.Title
	if m.Chat.Type == "private" || chatName == "" {
		chatName = strings.TrimSpace(m.Chat.FirstName + " " + m.Chat.LastName)
	}

	var senderID, senderName string
	fromMe := false
	if m.From != nil {
		senderID = strconv.FormatInt(m.From.ID, 10)
		senderName = strings.TrimSpace(m.From.FirstName + " " + m.From.LastName)
		if senderName == "" {
			senderName = m.From.UserName
		}
		fromMe = m.From.ID == botID
	}

	c.Bus.PublishInbound(&bus.InboundMessage{
		Channel:    c.Name(),
		ID:         strconv.Itoa(m.MessageID),
		ChatID:     chatID,
		ChatName:   chatName,
		SenderID:   senderID,
		SenderName: senderName,
		Content:    content,
		IsFromMe:   fromMe,
		Timestamp:  m.Time().UTC(),
	})
}

// Disconnect stops receiving updates. A getUpdates call already in flight
// finishes in the background.
func (c *TelegramChannel) Disconnect() error {
	c.mu.Lock()
	bot, cancel, done := c.bot, c.cancel, c.done
	c.cancel = nil
	c.mu.Unlock()
	if cancel == nil {
		return nil
	}
	bot.StopReceivingUpdates()
	cancel()
	<-done
	return nil
}

func (c *TelegramChannel) connected() (*tgbotapi.BotAPI, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.bot == nil {
		return nil, errors.New("telegram: not connected")
	}
	return c.bot, nil
}

func (c *TelegramChannel) SendMessage(ctx context.Context, chatID, text string) error {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid telegram chat id %q", chatID)
	}
	bot, err := c.connected()
	if err != nil {
		return err
	}
	err = SendChunked(ctx, text, telegramMaxLength, func(ctx context.Context, part string) error {
		_, err := bot.Send(tgbotapi.NewMessage(id, part))
		return err
	})
	if err != nil {
		return fmt.Errorf("telegram sendMessage: %w", err)
	}
	slog.Info("Telegram message sent", "chat", chatID, "length", len(text))
	return nil
}

// SetTyping sends the typing action. Telegram has no explicit stop; the
// indicator expires on its own.
func (c *TelegramChannel) SetTyping(ctx context.Context, chatID string, on bool) error {
	if !on {
		return nil
	}
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return errors.New("invalid telegram chat id")
	}
	bot, err := c.connected()
	if err != nil {
		return err
	}
	_, err = bot.Request(tgbotapi.NewChatAction(id, tgbotapi.ChatTyping))
	return err
}
