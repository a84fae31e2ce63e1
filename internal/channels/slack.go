package channels

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/JaisonBinns/nanoclaw/internal/bus"
	"github.com/JaisonBinns/nanoclaw/internal/config"
	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"
)

const (
	slackPrefix    = "slack:"
	slackMaxLength = 3900
)

// slackAPI is the part of *slack.Client the channel uses.
type slackAPI interface {
	AuthTestContext(ctx context.Context) (*slack.AuthTestResponse, error)
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
	GetConversationsContext(ctx context.Context, params *slack.GetConversationsParameters) ([]slack.Channel, string, error)
	GetUserInfoContext(ctx context.Context, user string) (*slack.User, error)
}

// SlackChannel receives events over socket mode and replies with chat.postMessage.
// Chat ids are "slack:<channel id>".
type SlackChannel struct {
	BaseChannel
	config config.SlackConfig
	api    slackAPI

	mu        sync.Mutex
	botUserID string
	names     map[string]string
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewSlackChannel creates a Slack channel.
func NewSlackChannel(cfg config.SlackConfig, messageBus *bus.MessageBus) *SlackChannel {
	return &SlackChannel{
		BaseChannel: BaseChannel{Bus: messageBus},
		config:      cfg,
		names:       map[string]string{},
	}
}

func (c *SlackChannel) Name() string { return "slack" }

func (c *SlackChannel) Capabilities() Capability { return CapMetadataSync }

func (c *SlackChannel) OwnsChatID(chatID string) bool { return strings.HasPrefix(chatID, slackPrefix) }

func (c *SlackChannel) Connect(ctx context.Context) error {
	api := slack.New(c.config.BotToken, slack.OptionAppLevelToken(c.config.AppToken))
	auth, err := api.AuthTestContext(ctx)
	if err != nil {
		return fmt.Errorf("slack auth: %w", err)
	}
	slog.Info("Slack bot authenticated", "team", auth.Team, "user", auth.User)

	client := socketmode.New(api)
	runCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.api = api
	c.botUserID = auth.UserID
	c.cancel = cancel
	c.done = make(chan struct{})
	done := c.done
	c.mu.Unlock()

	go func() {
		for {
			select {
			case <-runCtx.Done():
				return
			case evt, ok := <-client.Events:
				if !ok {
					return
				}
				if evt.Type == socketmode.EventTypeEventsAPI && evt.Request != nil {
					client.Ack(*evt.Request)
				}
				c.handleEvent(runCtx, evt)
			}
		}
	}()
	go func() {
		defer close(done)
		if err := client.RunContext(runCtx); err != nil && runCtx.Err() == nil {
			slog.Error("Slack socket mode stopped", "error", err)
		}
	}()
	return nil
}

func (c *SlackChannel) handleEvent(ctx context.Context, evt socketmode.Event) {
	switch evt.Type {
	case socketmode.EventTypeConnected:
		slog.Info("Slack socket mode connected")
		return
	case socketmode.EventTypeEventsAPI:
	default:
		return
	}
	ev, ok := evt.Data.(slackevents.EventsAPIEvent)
	if !ok || ev.Type != slackevents.CallbackEvent {
		return
	}
	in, ok := ev.InnerEvent.Data.(*slackevents.MessageEvent)
	if !ok || in == nil || in.Text == "" {
		return
	}
	// Edits, joins and other subtypes are not conversation messages.
	if in.SubType != "" && in.SubType != "bot_message" {
		return
	}

	c.mu.Lock()
	fromMe := in.User != "" && in.User == c.botUserID
	c.mu.Unlock()

	c.Bus.PublishInbound(&bus.InboundMessage{
		Channel:    c.Name(),
		ID:         in.TimeStamp,
		ChatID:     slackPrefix + in.Channel,
		SenderID:   in.User,
		SenderName: c.userName(ctx, in.User),
		Content:    in.Text,
		IsFromMe:   fromMe,
		Timestamp:  parseSlackTS(in.TimeStamp),
	})
}

func (c *SlackChannel) userName(ctx context.Context, userID string) string {
	if userID == "" {
		return ""
	}
	c.mu.Lock()
	name, ok := c.names[userID]
	api := c.api
	c.mu.Unlock()
	if ok || api == nil {
		return name
	}
	u, err := api.GetUserInfoContext(ctx, userID)
	if err != nil {
		slog.Debug("Slack user lookup failed", "user", userID, "error", err)
		return userID
	}
	name = u.Profile.DisplayName
	if name == "" {
		name = u.RealName
	}
	if name == "" {
		name = u.Name
	}
	c.mu.Lock()
	c.names[userID] = name
	c.mu.Unlock()
	return name
}

// parseSlackTS converts "1700000000.123456" to a time.
func parseSlackTS(ts string) time.Time {
	sec, frac, _ := strings.Cut(ts, ".")
	s, err := strconv.ParseInt(sec, 10, 64)
	if err != nil {
		return time.Now().UTC()
	}
	var micros int64
	if frac != "" {
		for len(frac) < 6 {
			frac += "0"
		}
		micros, _ = strconv.ParseInt(frac[:6], 10, 64)
	}
	return time.Unix(s, micros*1000).UTC()
}

func (c *SlackChannel) Disconnect() error {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel = nil
	c.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		slog.Warn("Slack socket mode did not stop in time")
	}
	return nil
}

func (c *SlackChannel) client() slackAPI {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.api
}

func (c *SlackChannel) SendMessage(ctx context.Context, chatID, text string) error {
	api := c.client()
	if api == nil {
		return ErrNotConnected
	}
	channelID := strings.TrimPrefix(chatID, slackPrefix)
	return SendChunked(ctx, text, slackMaxLength, func(ctx context.Context, part string) error {
		_, _, err := api.PostMessageContext(ctx, channelID, slack.MsgOptionText(part, false))
		return err
	})
}

// SetTyping is a no-op: bots cannot show typing through the Web API.
func (c *SlackChannel) SetTyping(ctx context.Context, chatID string, on bool) error { return nil }

// SyncChatMetadata publishes the names of all channels the bot can see.
func (c *SlackChannel) SyncChatMetadata(ctx context.Context) error {
	api := c.client()
	if api == nil {
		return ErrNotConnected
	}
	cursor := ""
	count := 0
	for {
		chs, next, err := api.GetConversationsContext(ctx, &slack.GetConversationsParameters{
			Cursor:          cursor,
			Limit:           200,
			Types:           []string{"public_channel", "private_channel"},
			ExcludeArchived: true,
		})
		if err != nil {
			return fmt.Errorf("list conversations: %w", err)
		}
		for _, ch := range chs {
			c.Bus.PublishMetadata(&bus.ChatMetadata{Channel: c.Name(), ChatID: slackPrefix + ch.ID, Name: ch.Name})
			count++
		}
		cursor = strings.TrimSpace(next)
		if cursor == "" {
			break
		}
	}
	slog.Info("Slack channel metadata synced", "channels", count)
	return nil
}
