package channel

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"
)

// Opener decrypts sealed credentials.
type Opener interface {
	Decrypt(sealed string) (string, error)
}

type TelegramConfig struct {
	APIURL  string
	Timeout time.Duration
}

// chatRef addresses a chat by numeric id or @username.
type chatRef string

func (c chatRef) Recipient() string { return string(c) }

type telegramSender struct {
	bot *tele.Bot
	to  chatRef
	cfg Telegram
}

func (s *telegramSender) Send(ctx context.Context, text string) error {
	text = escapeFor(s.cfg.ParseMode, text)
	for _, chunk := range splitText(text, telegramTextLimit, s.cfg.ParseMode) {
		if err := ctx.Err(); err != nil {
			return err
		}
		opt := &tele.SendOptions{
			ParseMode:             s.cfg.ParseMode,
			ThreadID:              s.cfg.ThreadID,
			Protected:             s.cfg.ProtectContent,
			DisableNotification:   s.cfg.DisableNotification,
			DisableWebPagePreview: true,
		}
		if _, err := s.bot.Send(s.to, chunk, opt); err != nil {
			return err
		}
	}
	return nil
}

// TelegramFactory returns a Factory that opens the sealed bot token and reuses
// one bot client per token.
func TelegramFactory(opener Opener, cfg TelegramConfig) Factory {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	client := &http.Client{Timeout: cfg.Timeout}

	var (
		mu   sync.Mutex
		bots = map[string]*tele.Bot{}
	)

	return func(ch Channel) (Sender, error) {
		if ch.Telegram == nil {
			return nil, ErrInvalidChannel
		}
		if opener == nil {
			return nil, errors.New("telegram: no key to open bot token")
		}
		token, err := opener.Decrypt(ch.Telegram.BotToken)
		if err != nil {
			return nil, err
		}

		mu.Lock()
		defer mu.Unlock()
		b, ok := bots[token]
		if !ok {
			b, err = tele.NewBot(tele.Settings{
				Token:   token,
				URL:     strings.TrimRight(cfg.APIURL, "/"),
				Client:  client,
				Offline: true,
			})
			if err != nil {
				return nil, err
			}
			bots[token] = b
		}
		return &telegramSender{bot: b, to: chatRef(strings.TrimSpace(ch.Telegram.ChatID)), cfg: *ch.Telegram}, nil
	}
}
