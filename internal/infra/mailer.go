package infra

import (
	"context"
	"fmt"

	"github.com/riskwatch/platform/internal/domain"
	"gopkg.in/gomail.v2"
)

// Mailer sends second-factor codes over SMTP.
type Mailer struct {
	from   string
	dialer *gomail.Dialer
}

// NewMailer creates a Mailer from the SMTP settings in cfg.
func NewMailer(cfg *Config) (*Mailer, error) {
	if cfg.SMTPHost == "" {
		return nil, fmt.Errorf("missing SMTP_HOST")
	}
	if cfg.SMTPFrom == "" {
		return nil, fmt.Errorf("missing SMTP_FROM")
	}
	return &Mailer{
		from:   cfg.SMTPFrom,
		dialer: gomail.NewDialer(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUsername, cfg.SMTPPassword),
	}, nil
}

// SendCode mails code to the identity's address.
func (m *Mailer) SendCode(_ context.Context, id *domain.Identity, code string) error {
	if id.Email == "" {
		return fmt.Errorf("identity %s has no email address", id.ID)
	}

	msg := m.codeMessage(id.Email, code)
	if err := m.dialer.DialAndSend(msg); err != nil {
		return fmt.Errorf("send code: %w", err)
	}
	return nil
}

func (m *Mailer) codeMessage(to, code string) *gomail.Message {
	msg := gomail.NewMessage()
	msg.SetHeader("From", m.from)
	msg.SetHeader("To", to)
	msg.SetHeader("Subject", "Your verification code")
	msg.SetBody("text/plain", fmt.Sprintf("Your verification code is %s. It expires in a few minutes.\n\nIf you did not try to sign in, change your password.", code))
	return msg
}
