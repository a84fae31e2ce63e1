package channels

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/JaisonBinns/nanoclaw/internal/bus"
	"github.com/JaisonBinns/nanoclaw/internal/config"
	"github.com/segmentio/kafka-go"
)

const (
	kafkaPrefix    = "kafka:"
	kafkaMaxLength = 16000
)

// KafkaEnvelope is the JSON shape of inbound bridge records.
type KafkaEnvelope struct {
	ID         string    `json:"id"`
	ChatID     string    `json:"chatId"`
	ChatName   string    `json:"chatName,omitempty"`
	SenderID   string    `json:"senderId"`
	SenderName string    `json:"senderName"`
	Content    string    `json:"content"`
	Timestamp  time.Time `json:"timestamp"`
}

// KafkaReply is the JSON shape of outbound bridge records.
type KafkaReply struct {
	ChatID    string    `json:"chatId"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

type kafkaReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaChannel bridges an external system through two topics: chat messages
// arrive on the inbound topic and replies leave on the outbound topic keyed
// by chat id. Chat ids are "kafka:<id>".
type KafkaChannel struct {
	BaseChannel
	config config.KafkaConfig

	mu     sync.Mutex
	reader kafkaReader
	writer kafkaWriter
	cancel context.CancelFunc
	done   chan struct{}
}

// NewKafkaChannel creates a Kafka bridge channel.
func NewKafkaChannel(cfg config.KafkaConfig, messageBus *bus.MessageBus) *KafkaChannel {
	return &KafkaChannel{
		BaseChannel: BaseChannel{Bus: messageBus},
		config:      cfg,
	}
}

func (c *KafkaChannel) Name() string { return "kafka" }

func (c *KafkaChannel) Capabilities() Capability { return 0 }

func (c *KafkaChannel) OwnsChatID(chatID string) bool { return strings.HasPrefix(chatID, kafkaPrefix) }

func (c *KafkaChannel) Connect(ctx context.Context) error {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  c.config.Brokers,
		Topic:    c.config.InboundTopic,
		GroupID:  c.config.ConsumerGroup,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	writer := &kafka.Writer{
		Addr:         kafka.TCP(c.config.Brokers...),
		Topic:        c.config.OutboundTopic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
	}
	c.start(reader, writer)
	slog.Info("Kafka bridge started", "inbound", c.config.InboundTopic, "outbound", c.config.OutboundTopic)
	return nil
}

func (c *KafkaChannel) start(r kafkaReader, w kafkaWriter) {
	runCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.reader, c.writer = r, w
	c.cancel = cancel
	c.done = make(chan struct{})
	done := c.done
	c.mu.Unlock()

	go func() {
		defer close(done)
		for {
			msg, err := r.ReadMessage(runCtx)
			if err != nil {
				if runCtx.Err() != nil {
					return
				}
				slog.Warn("Kafka bridge read error", "topic", c.config.InboundTopic, "error", err)
				select {
				case <-runCtx.Done():
					return
				case <-time.After(time.Second):
				}
				continue
			}
			c.handleRecord(msg)
		}
	}()
}

func (c *KafkaChannel) handleRecord(msg kafka.Message) {
	var env KafkaEnvelope
	if err := json.Unmarshal(msg.Value, &env); err != nil {
		slog.Warn("Kafka bridge dropped malformed record", "offset", msg.Offset, "error", err)
		return
	}
	if env.ChatID == "" || env.Content == "" {
		slog.Warn("Kafka bridge dropped incomplete record", "offset", msg.Offset)
		return
	}
	if env.ID == "" {
		env.ID = fmt.Sprintf("%d-%d", msg.Partition, msg.Offset)
	}
	if env.Timestamp.IsZero() {
		env.Timestamp = msg.Time
	}
	chatID := env.ChatID
	if !strings.HasPrefix(chatID, kafkaPrefix) {
		chatID = kafkaPrefix + chatID
	}
	c.Bus.PublishInbound(&bus.InboundMessage{
		Channel:    c.Name(),
		ID:         env.ID,
		ChatID:     chatID,
		ChatName:   env.ChatName,
		SenderID:   env.SenderID,
		SenderName: env.SenderName,
		Content:    env.Content,
		Timestamp:  env.Timestamp.UTC(),
	})
}

func (c *KafkaChannel) Disconnect() error {
	c.mu.Lock()
	cancel, done, r, w := c.cancel, c.done, c.reader, c.writer
	c.cancel, c.reader, c.writer = nil, nil, nil
	c.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	rErr := r.Close()
	if err := w.Close(); err != nil {
		return err
	}
	return rErr
}

func (c *KafkaChannel) SendMessage(ctx context.Context, chatID, text string) error {
	c.mu.Lock()
	w := c.writer
	c.mu.Unlock()
	if w == nil {
		return ErrNotConnected
	}
	id := strings.TrimPrefix(chatID, kafkaPrefix)
	return SendChunked(ctx, text, kafkaMaxLength, func(ctx context.Context, part string) error {
		value, err := json.Marshal(KafkaReply{ChatID: id, Text: part, Timestamp: time.Now().UTC()})
		if err != nil {
			return err
		}
		return w.WriteMessages(ctx, kafka.Message{Key: []byte(id), Value: value})
	})
}

func (c *KafkaChannel) SetTyping(ctx context.Context, chatID string, on bool) error { return nil }
