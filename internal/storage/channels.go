package storage

import (
	"encoding/json"
	"fmt"

	"remindd/internal/channel"
)

// channelConfig is the JSON stored in notification_channels.config.
type channelConfig struct {
	Telegram *telegramConfig `json:"telegram,omitempty"`
	Email    *emailConfig    `json:"email,omitempty"`
}

type telegramConfig struct {
	BotToken            string `json:"bot_token"`
	ChatID              string `json:"chat_id"`
	ThreadID            int    `json:"thread_id,omitempty"`
	ParseMode           string `json:"parse_mode,omitempty"`
	ProtectContent      bool   `json:"protect_content,omitempty"`
	DisableNotification bool   `json:"disable_notification,omitempty"`
}

type emailConfig struct {
	To      string `json:"to"`
	Subject string `json:"subject,omitempty"`
}

func encodeChannelConfig(ch channel.Channel) ([]byte, error) {
	var c channelConfig
	if t := ch.Telegram; t != nil {
		c.Telegram = &telegramConfig{
			BotToken: t.BotToken, ChatID: t.ChatID, ThreadID: t.ThreadID, ParseMode: t.ParseMode,
			ProtectContent: t.ProtectContent, DisableNotification: t.DisableNotification,
		}
	}
	if e := ch.Email; e != nil {
		c.Email = &emailConfig{To: e.To, Subject: e.Subject}
	}
	return json.Marshal(c)
}

func decodeChannel(id, userID int64, name, kind string, raw []byte) (channel.Channel, error) {
	k, err := channel.ParseKind(kind)
	if err != nil {
		return channel.Channel{}, fmt.Errorf("channel %d: %w", id, err)
	}
	var c channelConfig
	if err := json.Unmarshal(raw, &c); err != nil {
		return channel.Channel{}, fmt.Errorf("channel %d config: %w", id, err)
	}
	ch := channel.Channel{ID: id, UserID: userID, Name: name, Kind: k}
	if t := c.Telegram; t != nil {
		ch.Telegram = &channel.Telegram{
			BotToken: t.BotToken, ChatID: t.ChatID, ThreadID: t.ThreadID, ParseMode: t.ParseMode,
			ProtectContent: t.ProtectContent, DisableNotification: t.DisableNotification,
		}
	}
	if e := c.Email; e != nil {
		ch.Email = &channel.Email{To: e.To, Subject: e.Subject}
	}
	return ch, nil
}
