// Package channel delivers reminder text over user-configured notification channels.
//
// A Channel is a closed tagged variant: Kind names the variant and exactly one
// payload pointer is set. The Dispatcher resolves a Sender for each Kind
// through a lookup table of factories.
package channel

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

type Kind string

const (
	KindTelegram Kind = "telegram"
	KindEmail    Kind = "email"
)

func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case KindTelegram, KindEmail:
		return k, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedChannelType, s)
	}
}

// Telegram parse modes.
const (
	ParseModeNone       = ""
	ParseModeHTML       = "HTML"
	ParseModeMarkdown   = "Markdown"
	ParseModeMarkdownV2 = "MarkdownV2"
)

var (
	ErrUnsupportedChannelType = errors.New("unsupported channel type")
	ErrInvalidChannel         = errors.New("invalid channel")
)

// Telegram targets a chat through a user-supplied bot.
// BotToken is stored sealed (see secret.Cipher) and opened only at send time.
type Telegram struct {
	BotToken            string
	ChatID              string
	ThreadID            int
	ParseMode           string
	ProtectContent      bool
	DisableNotification bool
}

type Email struct {
	To      string
	Subject string
}

type Channel struct {
	ID     int64
	UserID int64
	Name   string
	Kind   Kind

	Telegram *Telegram
	Email    *Email
}

func (c Channel) Validate() error {
	payloads := 0
	if c.Telegram != nil {
		payloads++
	}
	if c.Email != nil {
		payloads++
	}
	if payloads != 1 {
		return fmt.Errorf("%w: channel %d must carry exactly one payload", ErrInvalidChannel, c.ID)
	}
	switch c.Kind {
	case KindTelegram:
		if c.Telegram == nil {
			return fmt.Errorf("%w: telegram channel without telegram payload", ErrInvalidChannel)
		}
		if strings.TrimSpace(c.Telegram.ChatID) == "" || c.Telegram.BotToken == "" {
			return fmt.Errorf("%w: telegram channel needs chat id and bot token", ErrInvalidChannel)
		}
		switch c.Telegram.ParseMode {
		case ParseModeNone, ParseModeHTML, ParseModeMarkdown, ParseModeMarkdownV2:
		default:
			return fmt.Errorf("%w: parse mode %q", ErrInvalidChannel, c.Telegram.ParseMode)
		}
	case KindEmail:
		if c.Email == nil || !strings.Contains(c.Email.To, "@") {
			return fmt.Errorf("%w: email channel needs a recipient address", ErrInvalidChannel)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedChannelType, c.Kind)
	}
	return nil
}

func (c Channel) String() string {
	if c.Name != "" {
		return fmt.Sprintf("%s:%s", c.Kind, c.Name)
	}
	return fmt.Sprintf("%s:%d", c.Kind, c.ID)
}

// Sender delivers text to one concrete channel.
type Sender interface {
	Send(ctx context.Context, text string) error
}

// Factory builds a Sender for a validated channel of its Kind.
type Factory func(ch Channel) (Sender, error)

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, text string) error

func (f SenderFunc) Send(ctx context.Context, text string) error { return f(ctx, text) }

// Sealer encrypts credentials before a channel is persisted.
type Sealer interface {
	Seal(v string) (string, error)
}

// Seal encrypts the channel's credentials in place. Already sealed values are kept.
func Seal(s Sealer, ch *Channel) error {
	if ch == nil || ch.Telegram == nil {
		return nil
	}
	tok, err := s.Seal(ch.Telegram.BotToken)
	if err != nil {
		return fmt.Errorf("seal bot token: %w", err)
	}
	ch.Telegram.BotToken = tok
	return nil
}
