package config

import (
	"strconv"
	"strings"
)

// Environment variables that override secrets and the target chat, so the
// config file can be committed without them. A .env file is loaded into the
// process environment by the binary before the config is read.
const (
	EnvTelegramToken = "AUTOCHAT_TELEGRAM_TOKEN"
	EnvOpenAIKey     = "AUTOCHAT_OPENAI_API_KEY"
	EnvChatID        = "AUTOCHAT_CHAT_ID"
)

func applyEnv(cfg *Config, lookup func(string) (string, bool)) {
	if cfg == nil || lookup == nil {
		return
	}
	if v, ok := lookup(EnvTelegramToken); ok && strings.TrimSpace(v) != "" {
		cfg.Telegram.Token = strings.TrimSpace(v)
	}
	if v, ok := lookup(EnvOpenAIKey); ok && strings.TrimSpace(v) != "" {
		if cfg.Generation == nil {
			cfg.Generation = &GenerationConfig{}
		}
		cfg.Generation.APIKey = strings.TrimSpace(v)
	}
	if v, ok := lookup(EnvChatID); ok {
		if id, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil && id != 0 {
			cfg.AutoChat.ChatID = id
		}
	}
}
