// Package config provides configuration types and loading for nanoclaw.
package config

import (
	"path/filepath"
	"time"

	"github.com/JaisonBinns/nanoclaw/internal/container"
	"github.com/JaisonBinns/nanoclaw/internal/ipc"
	"github.com/JaisonBinns/nanoclaw/internal/queue"
	"github.com/JaisonBinns/nanoclaw/internal/scheduler"
)

// Config is the root configuration struct.
// Top-level groups: Paths, Assistant, Queue, Container, Scheduler, IPC, Poll,
// Metadata, Metrics, Log, Channels.
type Config struct {
	Paths     PathsConfig      `json:"paths"`
	Assistant AssistantConfig  `json:"assistant"`
	Queue     queue.Config     `json:"queue"`
	Container container.Config `json:"container"`
	Scheduler scheduler.Config `json:"scheduler"`
	IPC       ipc.Config       `json:"ipc"`
	Poll      PollConfig       `json:"poll"`
	Metadata  MetadataConfig   `json:"metadata"`
	Metrics   MetricsConfig    `json:"metrics"`
	Log       LogConfig        `json:"log"`
	Channels  ChannelsConfig   `json:"channels"`
}

// ---------------------------------------------------------------------------
// Paths – filesystem locations
// ---------------------------------------------------------------------------

// PathsConfig groups all filesystem path settings.
type PathsConfig struct {
	DataDir   string `json:"dataDir" envconfig:"DATA_DIR"`
	GroupsDir string `json:"groupsDir" envconfig:"GROUPS_DIR"`
	StorePath string `json:"storePath" envconfig:"STORE_PATH"`
}

// RunnerPaths converts to the directory layout the container runner mounts.
func (p PathsConfig) RunnerPaths() container.Paths {
	return container.Paths{DataDir: p.DataDir, GroupsDir: p.GroupsDir}
}

// ---------------------------------------------------------------------------
// Assistant – identity and trigger
// ---------------------------------------------------------------------------

// AssistantConfig describes how the assistant is addressed in chats.
type AssistantConfig struct {
	Name            string `json:"name" envconfig:"NAME"`
	TriggerPattern  string `json:"triggerPattern" envconfig:"TRIGGER_PATTERN"` // defaults to ^@Name\b
	MainGroupFolder string `json:"mainGroupFolder" envconfig:"MAIN_GROUP_FOLDER"`
	Timezone        string `json:"timezone" envconfig:"TIMEZONE"`
}

// Location resolves Timezone, falling back to the local zone.
func (a AssistantConfig) Location() *time.Location {
	if a.Timezone == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(a.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

// ---------------------------------------------------------------------------
// Loops
// ---------------------------------------------------------------------------

// PollConfig controls the inbound message poll loop.
type PollConfig struct {
	Interval time.Duration `json:"interval" envconfig:"INTERVAL"`
}

// MetadataConfig controls chat metadata sync.
type MetadataConfig struct {
	SyncInterval time.Duration `json:"syncInterval" envconfig:"SYNC_INTERVAL"`
}

// MetricsConfig exposes prometheus metrics when Addr is set.
type MetricsConfig struct {
	Addr string `json:"addr" envconfig:"ADDR"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `json:"level" envconfig:"LEVEL"`   // debug, info, warn, error
	Format string `json:"format" envconfig:"FORMAT"` // text or json
}

// ---------------------------------------------------------------------------
// Channels – messaging integrations
// ---------------------------------------------------------------------------

// ChannelsConfig contains all channel configurations.
type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram"`
	WhatsApp WhatsAppConfig `json:"whatsapp"`
	Slack    SlackConfig    `json:"slack"`
	Kafka    KafkaConfig    `json:"kafka"`
}

// TelegramConfig configures the Telegram channel.
type TelegramConfig struct {
	Enabled bool   `json:"enabled" envconfig:"ENABLED"`
	Token   string `json:"token" envconfig:"TOKEN"`
	APIBase string `json:"apiBase,omitempty" envconfig:"API_BASE"`
}

// WhatsAppConfig configures the WhatsApp channel.
type WhatsAppConfig struct {
	Enabled   bool   `json:"enabled" envconfig:"ENABLED"`
	SessionDB string `json:"sessionDb" envconfig:"SESSION_DB"`
	QRFile    string `json:"qrFile" envconfig:"QR_FILE"`
}

// SlackConfig configures the Slack channel (socket mode).
type SlackConfig struct {
	Enabled  bool   `json:"enabled" envconfig:"ENABLED"`
	BotToken string `json:"botToken" envconfig:"BOT_TOKEN"`
	AppToken string `json:"appToken" envconfig:"APP_TOKEN"`
}

// KafkaConfig configures the Kafka bridge channel.
type KafkaConfig struct {
	Enabled       bool     `json:"enabled" envconfig:"ENABLED"`
	Brokers       []string `json:"brokers" envconfig:"BROKERS"`
	InboundTopic  string   `json:"inboundTopic" envconfig:"INBOUND_TOPIC"`
	OutboundTopic string   `json:"outboundTopic" envconfig:"OUTBOUND_TOPIC"`
	ConsumerGroup string   `json:"consumerGroup" envconfig:"CONSUMER_GROUP"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	home, _ := resolveHomeDir()
	base := filepath.Join(home, ConfigDir)
	sched := scheduler.DefaultConfig()
	sched.LockPath = filepath.Join(base, "scheduler.lock")
	return &Config{
		Paths: PathsConfig{
			DataDir:   filepath.Join(base, "data"),
			GroupsDir: filepath.Join(base, "groups"),
			StorePath: filepath.Join(base, "store", "messages.db"),
		},
		Assistant: AssistantConfig{
			Name:            "Andy",
			MainGroupFolder: "main",
		},
		Queue:     queue.DefaultConfig(),
		Container: container.DefaultConfig(),
		Scheduler: sched,
		IPC:       ipc.Config{PollInterval: time.Second},
		Poll:      PollConfig{Interval: 2 * time.Second},
		Metadata:  MetadataConfig{SyncInterval: 24 * time.Hour},
		Log:       LogConfig{Level: "info", Format: "text"},
		Channels: ChannelsConfig{
			WhatsApp: WhatsAppConfig{
				SessionDB: filepath.Join(base, "whatsapp.db"),
				QRFile:    filepath.Join(base, "whatsapp-qr.png"),
			},
			Kafka: KafkaConfig{
				InboundTopic:  "nanoclaw.inbound",
				OutboundTopic: "nanoclaw.outbound",
				ConsumerGroup: "nanoclaw",
			},
		},
	}
}
