// Package mailer delivers login links by email.
package mailer

import (
	"context"
	"errors"
	"fmt"
	ht "html/template"
	"io"
	"log/slog"
	"strings"
	tt "text/template"
	"time"

	"github.com/wneessen/go-mail"
)

const (
	DefaultFrom         = "PingAI <noreply@pingai.com>"
	ConfirmEmailSubject = "Confirm your email address"
	defaultSMTPPort     = 465
	defaultSendTimeout  = 15 * time.Second
)

var (
	textBody = tt.Must(tt.New("text").Parse("Please click the link below to confirm your email address:\n{{.Link}}\n"))
	htmlBody = ht.Must(ht.New("html").Parse(`Please click the link below to confirm your email address:
<a href="{{.Link}}">{{.Link}}</a>
`))
)

// Sender delivers one magic link to email.
type Sender interface {
	SendMagicLink(ctx context.Context, email, link string) error
}

// SMTPConfig configures the SMTP relay. TLS means implicit TLS (port 465);
// otherwise STARTTLS is used when offered.
type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
	TLS      bool   `yaml:"tls"`
}

// Enabled reports whether a relay host is configured.
func (c SMTPConfig) Enabled() bool {
	return strings.TrimSpace(c.Host) != ""
}

// SMTPSender sends through an SMTP relay.
type SMTPSender struct {
	cfg SMTPConfig
}

func NewSMTPSender(cfg SMTPConfig) (*SMTPSender, error) {
	if !cfg.Enabled() {
		return nil, errors.New("smtp host is required")
	}
	if cfg.Port <= 0 {
		cfg.Port = defaultSMTPPort
	}
	if strings.TrimSpace(cfg.From) == "" {
		cfg.From = DefaultFrom
	}
	return &SMTPSender{cfg: cfg}, nil
}

func (s *SMTPSender) SendMagicLink(ctx context.Context, email, link string) error {
	msg, err := BuildMagicLinkMessage(s.cfg.From, email, link)
	if err != nil {
		return err
	}
	opts := []mail.Option{mail.WithPort(s.cfg.Port), mail.WithTimeout(defaultSendTimeout)}
	if s.cfg.TLS {
		opts = append(opts, mail.WithSSL())
	} else {
		opts = append(opts, mail.WithTLSPolicy(mail.TLSOpportunistic))
	}
	if s.cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(s.cfg.Username),
			mail.WithPassword(s.cfg.Password),
		)
	}
	client, err := mail.NewClient(s.cfg.Host, opts...)
	if err != nil {
		return fmt.Errorf("smtp client: %w", err)
	}
	if err := client.DialAndSendWithContext(ctx, msg); err != nil {
		return fmt.Errorf("send magic link: %w", err)
	}
	slog.Info("magic_link_mailed", "to", email)
	return nil
}

// BuildMagicLinkMessage renders the confirmation email with a plain-text body
// and an HTML alternative.
func BuildMagicLinkMessage(from, to, link string) (*mail.Msg, error) {
	msg := mail.NewMsg()
	if err := msg.From(from); err != nil {
		return nil, fmt.Errorf("invalid from address: %w", err)
	}
	if err := msg.To(to); err != nil {
		return nil, fmt.Errorf("invalid recipient: %w", err)
	}
	msg.Subject(ConfirmEmailSubject)
	data := struct{ Link string }{Link: link}
	if err := msg.SetBodyTextTemplate(textBody, data); err != nil {
		return nil, fmt.Errorf("render text body: %w", err)
	}
	if err := msg.AddAlternativeHTMLTemplate(htmlBody, data); err != nil {
		return nil, fmt.Errorf("render html body: %w", err)
	}
	return msg, nil
}

// LogSender only logs the link. Used when no SMTP relay is configured.
type LogSender struct {
	Out io.Writer
}

func (l LogSender) SendMagicLink(_ context.Context, email, link string) error {
	slog.Warn("smtp_disabled_magic_link_logged", "to", email)
	if l.Out != nil {
		_, err := fmt.Fprintf(l.Out, "magic link for %s: %s\n", email, link)
		return err
	}
	return nil
}

// New picks the SMTP sender when a host is configured and the log sender
// otherwise.
func New(cfg SMTPConfig, out io.Writer) (Sender, error) {
	if !cfg.Enabled() {
		return LogSender{Out: out}, nil
	}
	return NewSMTPSender(cfg)
}
