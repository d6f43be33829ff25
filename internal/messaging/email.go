package messaging

import (
	"context"
	"fmt"
	"io"

	"github.com/go-gomail/gomail"
	"github.com/google/uuid"
)

type EmailConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// EmailSender delivers messages over SMTP.
type EmailSender struct {
	from      string
	domain    string
	transport gomail.Sender
}

func NewEmailSender(cfg EmailConfig) *EmailSender {
	d := gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password)
	return NewEmailSenderWithTransport(cfg.From, cfg.Host, dialTransport{d: d})
}

// NewEmailSenderWithTransport sends through an existing gomail.Sender.
func NewEmailSenderWithTransport(from, domain string, transport gomail.Sender) *EmailSender {
	if domain == "" {
		domain = "localhost"
	}
	return &EmailSender{from: from, domain: domain, transport: transport}
}

// dialTransport opens one SMTP connection per message.
type dialTransport struct {
	d *gomail.Dialer
}

func (t dialTransport) Send(from string, to []string, msg io.WriterTo) error {
	sc, err := t.d.Dial()
	if err != nil {
		return fmt.Errorf("dial smtp: %w", err)
	}
	defer sc.Close()
	return sc.Send(from, to, msg)
}

func (s *EmailSender) Send(ctx context.Context, msg Message) (string, error) {
	if msg.To.Email == "" {
		return "", ErrMissingAddress
	}

	id := fmt.Sprintf("<%s@%s>", uuid.NewString(), s.domain)

	m := gomail.NewMessage()
	m.SetHeader("Message-ID", id)
	m.SetHeader("From", s.from)
	m.SetAddressHeader("To", msg.To.Email, msg.To.Name)
	m.SetHeader("Subject", msg.Subject)
	m.SetBody("text/plain", msg.Body)
	for _, a := range msg.Attachments {
		m.Attach(a.Path, gomail.Rename(a.Name))
	}

	done := make(chan error, 1)
	go func() {
		done <- gomail.Send(s.transport, m)
	}()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case err := <-done:
		if err != nil {
			return "", fmt.Errorf("send email: %w", err)
		}
	}
	return id, nil
}
