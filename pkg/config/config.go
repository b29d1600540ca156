package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/caarlos0/env/v11"
)

// FlexibleStringSlice is a []string that also accepts JSON numbers,
// so allow_from can contain both "123" and 123.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	// Try []string first
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}

	// Try []interface{} to handle mixed types
	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

type Config struct {
	Bot         BotConfig         `json:"bot"`
	Channels    ChannelsConfig    `json:"channels"`
	Backend     BackendConfig     `json:"backend"`
	Persistence PersistenceConfig `json:"persistence"`
	mu          sync.RWMutex
}

type BotConfig struct {
	MaxLength        int    `json:"max_length" env:"KOBOCORD_BOT_MAX_LENGTH"`
	HistoryLimit     int    `json:"history_limit" env:"KOBOCORD_BOT_HISTORY_LIMIT"`
	MessageCharLimit int    `json:"message_char_limit" env:"KOBOCORD_BOT_MESSAGE_CHAR_LIMIT"` // 0 disables the cap
	DefaultIdleTime  int    `json:"default_idle_time" env:"KOBOCORD_BOT_DEFAULT_IDLE_TIME"`   // seconds
	DefaultVoice     string `json:"default_voice" env:"KOBOCORD_BOT_DEFAULT_VOICE"`
}

type ChannelsConfig struct {
	Discord DiscordConfig `json:"discord"`
}

type DiscordConfig struct {
	Token     string              `json:"token" env:"KOBOCORD_CHANNELS_DISCORD_TOKEN"`
	AllowFrom FlexibleStringSlice `json:"allow_from" env:"KOBOCORD_CHANNELS_DISCORD_ALLOW_FROM"`
}

type BackendConfig struct {
	Endpoint          string `json:"endpoint" env:"KOBOCORD_BACKEND_ENDPOINT"`
	GenerateTimeout   int    `json:"generate_timeout" env:"KOBOCORD_BACKEND_GENERATE_TIMEOUT"`     // seconds
	ImageTimeout      int    `json:"image_timeout" env:"KOBOCORD_BACKEND_IMAGE_TIMEOUT"`           // seconds
	SearchTimeout     int    `json:"search_timeout" env:"KOBOCORD_BACKEND_SEARCH_TIMEOUT"`         // seconds
	TranscribeTimeout int    `json:"transcribe_timeout" env:"KOBOCORD_BACKEND_TRANSCRIBE_TIMEOUT"` // seconds
	TTSTimeout        int    `json:"tts_timeout" env:"KOBOCORD_BACKEND_TTS_TIMEOUT"`               // seconds
}

type PersistenceConfig struct {
	SettingsPath   string `json:"settings_path" env:"KOBOCORD_PERSISTENCE_SETTINGS_PATH"`
	PersistHistory bool   `json:"persist_history" env:"KOBOCORD_PERSISTENCE_PERSIST_HISTORY"`
	TranscriptDB   string `json:"transcript_db" env:"KOBOCORD_PERSISTENCE_TRANSCRIPT_DB"` // empty disables the archive
	AutosaveCron   string `json:"autosave_cron" env:"KOBOCORD_PERSISTENCE_AUTOSAVE_CRON"`
}

func DefaultConfig() *Config {
	return &Config{
		Bot: BotConfig{
			MaxLength:        200,
			HistoryLimit:     20,
			MessageCharLimit: 1000,
			DefaultIdleTime:  120,
			DefaultVoice:     "kobo",
		},
		Channels: ChannelsConfig{
			Discord: DiscordConfig{
				Token:     "",
				AllowFrom: FlexibleStringSlice{},
			},
		},
		Backend: BackendConfig{
			Endpoint:          "http://localhost:5001",
			GenerateTimeout:   120,
			ImageTimeout:      120,
			SearchTimeout:     30,
			TranscribeTimeout: 120,
			TTSTimeout:        120,
		},
		Persistence: PersistenceConfig{
			SettingsPath:   "~/.kobocord/botsettings.json",
			PersistHistory: false,
			TranscriptDB:   "",
			AutosaveCron:   "*/5 * * * *",
		},
	}
}

func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func SaveConfig(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

func (c *Config) BackendEndpoint() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return strings.TrimRight(c.Backend.Endpoint, "/")
}

func (c *Config) SettingsPath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return expandHome(c.Persistence.SettingsPath)
}

func (c *Config) TranscriptDBPath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return expandHome(c.Persistence.TranscriptDB)
}

func expandHome(path string) string {
	if path == "" {
		return path
	}
	if path[0] == '~' {
		home, _ := os.UserHomeDir()
		if len(path) > 1 && path[1] == '/' {
			return home + path[1:]
		}
		return home
	}
	return path
}
