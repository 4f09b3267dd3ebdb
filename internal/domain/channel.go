package domain

import (
	"encoding/json"
	"strings"
	"time"
)

const (
	ProviderWAHA     = "waha"
	ProviderTelegram = "telegram"
)

// Channel is a messaging-provider session identity.
type Channel struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Type        string          `json:"channelType"`
	Provider    string          `json:"provider"`
	Config      json.RawMessage `json:"config,omitempty"`
	IsActive    bool            `json:"isActive"`
	Status      string          `json:"status,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

// Session returns the provider session name: config.session, lowercased,
// "default" when unset.
func (c Channel) Session() string {
	var cfg struct {
		Session string `json:"session"`
	}
	if len(c.Config) > 0 {
		_ = json.Unmarshal(c.Config, &cfg)
	}
	s := strings.ToLower(strings.TrimSpace(cfg.Session))
	if s == "" {
		return "default"
	}
	return s
}
