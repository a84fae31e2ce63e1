package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const (
	// ConfigDir is the default config directory name.
	ConfigDir = ".nanoclaw"
	// ConfigFile is the default config file name.
	ConfigFile = "config.json"
	// EnvPrefix prefixes every environment override.
	EnvPrefix = "NANOCLAW"
)

// ConfigPath returns the path to the config file.
func ConfigPath() (string, error) {
	if explicit := strings.TrimSpace(os.Getenv("NANOCLAW_CONFIG")); explicit != "" {
		if strings.HasPrefix(explicit, "~") {
			home, err := resolveHomeDir()
			if err != nil {
				return "", err
			}
			return filepath.Join(home, explicit[1:]), nil
		}
		return explicit, nil
	}
	home, err := resolveHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ConfigDir, ConfigFile), nil
}

func resolveHomeDir() (string, error) {
	if h := strings.TrimSpace(os.Getenv("NANOCLAW_HOME")); h != "" {
		if strings.HasPrefix(h, "~") {
			base, err := os.UserHomeDir()
			if err != nil {
				return "", err
			}
			return filepath.Join(base, h[1:]), nil
		}
		return h, nil
	}
	return os.UserHomeDir()
}

// Load builds the configuration: defaults, then the JSON config file, then
// environment overrides per group.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	// Env files first so their values feed ${VAR} substitution and overrides.
	LoadEnvFileCandidates()

	path, err := ConfigPath()
	if err != nil {
		return cfg, nil
	}

	data, err := loadResolvedConfig(path)
	if err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	groups := []struct {
		prefix string
		spec   any
	}{
		{"PATHS", &cfg.Paths},
		{"ASSISTANT", &cfg.Assistant},
		{"QUEUE", &cfg.Queue},
		{"CONTAINER", &cfg.Container},
		{"SCHEDULER", &cfg.Scheduler},
		{"IPC", &cfg.IPC},
		{"POLL", &cfg.Poll},
		{"METADATA", &cfg.Metadata},
		{"METRICS", &cfg.Metrics},
		{"LOG", &cfg.Log},
		{"CHANNELS_TELEGRAM", &cfg.Channels.Telegram},
		{"CHANNELS_WHATSAPP", &cfg.Channels.WhatsApp},
		{"CHANNELS_SLACK", &cfg.Channels.Slack},
		{"CHANNELS_KAFKA", &cfg.Channels.Kafka},
	}
	for _, g := range groups {
		if err := envconfig.Process(EnvPrefix+"_"+g.prefix, g.spec); err != nil {
			return nil, fmt.Errorf("env %s_%s: %w", EnvPrefix, g.prefix, err)
		}
	}

	// Platform-native variable names used by the bot SDKs.
	if cfg.Channels.Telegram.Token == "" {
		cfg.Channels.Telegram.Token = os.Getenv("TELEGRAM_BOT_TOKEN")
	}
	if cfg.Channels.Slack.BotToken == "" {
		cfg.Channels.Slack.BotToken = os.Getenv("SLACK_BOT_TOKEN")
	}
	if cfg.Channels.Slack.AppToken == "" {
		cfg.Channels.Slack.AppToken = os.Getenv("SLACK_APP_TOKEN")
	}

	for _, p := range []*string{
		&cfg.Paths.DataDir, &cfg.Paths.GroupsDir, &cfg.Paths.StorePath,
		&cfg.Scheduler.LockPath, &cfg.Container.ProjectRoot,
		&cfg.Channels.WhatsApp.SessionDB, &cfg.Channels.WhatsApp.QRFile,
	} {
		*p = expandHome(*p)
	}
	return cfg, nil
}

func expandHome(p string) string {
	if !strings.HasPrefix(p, "~") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, p[1:])
}

// Validate reports configuration that makes the gateway unable to start.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Assistant.Name) == "" {
		return fmt.Errorf("assistant.name is required")
	}
	if c.Assistant.Timezone != "" {
		if _, err := time.LoadLocation(c.Assistant.Timezone); err != nil {
			return fmt.Errorf("assistant.timezone: %w", err)
		}
	}
	if c.Assistant.TriggerPattern != "" {
		if _, err := regexp.Compile(c.Assistant.TriggerPattern); err != nil {
			return fmt.Errorf("assistant.triggerPattern: %w", err)
		}
	}
	ch := c.Channels
	if ch.Telegram.Enabled && ch.Telegram.Token == "" {
		return fmt.Errorf("channels.telegram: token is required")
	}
	if ch.Slack.Enabled && (ch.Slack.BotToken == "" || ch.Slack.AppToken == "") {
		return fmt.Errorf("channels.slack: botToken and appToken are required")
	}
	if ch.Kafka.Enabled && len(ch.Kafka.Brokers) == 0 {
		return fmt.Errorf("channels.kafka: brokers are required")
	}
	if !ch.Telegram.Enabled && !ch.WhatsApp.Enabled && !ch.Slack.Enabled && !ch.Kafka.Enabled {
		return fmt.Errorf("no channel enabled")
	}
	if c.Container.Runtime != "docker" && c.Container.Runtime != "exec" {
		return fmt.Errorf("container.runtime must be docker or exec, got %q", c.Container.Runtime)
	}
	return nil
}

// Save writes the configuration to the config file.
func Save(cfg *Config) error {
	path, err := ConfigPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// EnsureDir ensures a directory exists with proper permissions.
func EnsureDir(path string) error {
	return os.MkdirAll(path, 0755)
}

var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

func loadResolvedConfig(path string) ([]byte, error) {
	obj, err := loadConfigObject(path, map[string]struct{}{})
	if err != nil {
		return nil, err
	}
	return json.Marshal(obj)
}

func loadConfigObject(path string, visited map[string]struct{}) (map[string]any, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	if _, seen := visited[absPath]; seen {
		return nil, fmt.Errorf("config include cycle detected at %s", absPath)
	}
	visited[absPath] = struct{}{}
	defer delete(visited, absPath)

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, err
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	if raw == nil {
		raw = map[string]any{}
	}

	merged := map[string]any{}
	if includeRaw, ok := raw["$include"]; ok {
		includeFiles, err := parseIncludes(includeRaw)
		if err != nil {
			return nil, err
		}
		baseDir := filepath.Dir(absPath)
		for _, includePath := range includeFiles {
			resolvedPath := includePath
			if !filepath.IsAbs(includePath) {
				resolvedPath = filepath.Join(baseDir, includePath)
			}
			child, err := loadConfigObject(resolvedPath, visited)
			if err != nil {
				return nil, err
			}
			deepMerge(merged, child)
		}
	}
	delete(raw, "$include")
	substituteEnvValues(raw)
	deepMerge(merged, raw)
	return merged, nil
}

func parseIncludes(v any) ([]string, error) {
	switch t := v.(type) {
	case string:
		if strings.TrimSpace(t) == "" {
			return nil, nil
		}
		return []string{t}, nil
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("$include entries must be strings")
			}
			if strings.TrimSpace(s) == "" {
				continue
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("$include must be a string or array of strings")
	}
}

func deepMerge(dst, src map[string]any) {
	for key, val := range src {
		srcMap, srcIsMap := val.(map[string]any)
		if !srcIsMap {
			dst[key] = val
			continue
		}

		existing, ok := dst[key]
		if !ok {
			copyMap := map[string]any{}
			deepMerge(copyMap, srcMap)
			dst[key] = copyMap
			continue
		}
		dstMap, dstIsMap := existing.(map[string]any)
		if !dstIsMap {
			copyMap := map[string]any{}
			deepMerge(copyMap, srcMap)
			dst[key] = copyMap
			continue
		}
		deepMerge(dstMap, srcMap)
	}
}

func substituteEnvValues(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, item := range t {
			t[k] = substituteEnvValues(item)
		}
		return t
	case []any:
		for i, item := range t {
			t[i] = substituteEnvValues(item)
		}
		return t
	case string:
		return envPattern.ReplaceAllStringFunc(t, func(match string) string {
			parts := envPattern.FindStringSubmatch(match)
			if len(parts) != 2 {
				return match
			}
			if value, ok := os.LookupEnv(parts[1]); ok {
				return value
			}
			return match
		})
	default:
		return v
	}
}
