package channel

import (
	"context"
	"errors"

	"gopkg.in/gomail.v2"
)

type EmailConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Username string
	Password string
	From     string
	Subject  string
}

type emailSender struct {
	dialer  *gomail.Dialer
	from    string
	to      string
	subject string
}

func (s *emailSender) Send(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m := gomail.NewMessage()
	m.SetHeader("From", s.from)
	m.SetHeader("To", s.to)
	m.SetHeader("Subject", s.subject)
	m.SetBody("text/plain", text)
	return s.dialer.DialAndSend(m)
}

// EmailFactory delivers reminders through a single SMTP relay.
func EmailFactory(cfg EmailConfig) Factory {
	subject := cfg.Subject
	if subject == "" {
		subject = "Todo reminder"
	}
	return func(ch Channel) (Sender, error) {
		if !cfg.Enabled {
			return nil, errors.New("email: smtp relay not configured")
		}
		if ch.Email == nil {
			return nil, ErrInvalidChannel
		}
		sub := subject
		if ch.Email.Subject != "" {
			sub = ch.Email.Subject
		}
		return &emailSender{
			dialer:  gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password),
			from:    cfg.From,
			to:      ch.Email.To,
			subject: sub,
		}, nil
	}
}
