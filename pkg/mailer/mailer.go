package mailer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/wneessen/go-mail"
)

// Message is one outbound email. Text and HTML carry the same content.
type Message struct {
	To      string
	Subject string
	Text    string
	HTML    string
}

type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	// Secure selects implicit TLS (usually port 465). Otherwise STARTTLS is
	// used when the server offers it.
	Secure  bool
	From    string
	Timeout time.Duration
}

const DefaultPort = 587

// SMTPMailer sends through an SMTP relay, dialing once per message.
type SMTPMailer struct {
	cfg  SMTPConfig
	opts []mail.Option
}

func NewSMTPMailer(cfg SMTPConfig) (*SMTPMailer, error) {
	if cfg.Host == "" {
		return nil, errors.New("smtp host cannot be empty")
	}
	if cfg.From == "" {
		return nil, errors.New("from address cannot be empty")
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}

	opts := []mail.Option{mail.WithPort(cfg.Port)}
	if cfg.Username != "" || cfg.Password != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(cfg.Username),
			mail.WithPassword(cfg.Password),
		)
	}
	if cfg.Secure {
		opts = append(opts, mail.WithSSL())
	} else {
		opts = append(opts, mail.WithTLSPolicy(mail.TLSOpportunistic))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, mail.WithTimeout(cfg.Timeout))
	}

	return &SMTPMailer{cfg: cfg, opts: opts}, nil
}

func (m *SMTPMailer) Send(ctx context.Context, msg Message) error {
	mm, err := m.build(msg)
	if err != nil {
		return err
	}

	client, err := mail.NewClient(m.cfg.Host, m.opts...)
	if err != nil {
		return fmt.Errorf("create smtp client: %w", err)
	}
	if err := client.DialAndSendWithContext(ctx, mm); err != nil {
		return fmt.Errorf("send mail to %s: %w", msg.To, err)
	}
	return nil
}

func (m *SMTPMailer) build(msg Message) (*mail.Msg, error) {
	if msg.To == "" {
		return nil, errors.New("message has no recipient")
	}

	mm := mail.NewMsg()
	if err := mm.From(m.cfg.From); err != nil {
		return nil, fmt.Errorf("invalid from address %q: %w", m.cfg.From, err)
	}
	if err := mm.To(msg.To); err != nil {
		return nil, fmt.Errorf("invalid recipient %q: %w", msg.To, err)
	}
	mm.Subject(msg.Subject)
	mm.SetBodyString(mail.TypeTextPlain, msg.Text)
	if msg.HTML != "" {
		mm.AddAlternativeString(mail.TypeTextHTML, msg.HTML)
	}
	return mm, nil
}
