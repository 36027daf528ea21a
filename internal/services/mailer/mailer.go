// Package mailer sends HTML email over SMTP.
package mailer

import (
	"context"
	"fmt"

	"lessongen/internal/config"
	"lessongen/internal/observability"
	contextutils "lessongen/internal/utils"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gopkg.in/mail.v2"
)

// Message is one outgoing email
type Message struct {
	To       string
	Subject  string
	HTMLBody string
	TextBody string
}

// Mailer defines the interface for email sending functionality
type Mailer interface {
	// Send delivers msg, doing nothing when email is disabled
	Send(ctx context.Context, msg Message) error

	// IsEnabled returns whether email functionality is enabled
	IsEnabled() bool
}

// Sender is the part of *mail.Dialer used to deliver messages
type Sender interface {
	DialAndSend(m ...*mail.Message) error
}

// SMTPMailer implements Mailer using gomail
type SMTPMailer struct {
	cfg    config.EmailConfig
	sender Sender
	logger *observability.Logger
}

var _ Mailer = (*SMTPMailer)(nil)

// NewSMTPMailer creates a mailer from cfg. Without an SMTP host the mailer is disabled.
func NewSMTPMailer(cfg config.EmailConfig, logger *observability.Logger) *SMTPMailer {
	var sender Sender
	if cfg.Enabled && cfg.SMTP.Host != "" {
		sender = mail.NewDialer(cfg.SMTP.Host, cfg.SMTP.Port, cfg.SMTP.Username, cfg.SMTP.Password)
	}
	return &SMTPMailer{cfg: cfg, sender: sender, logger: logger}
}

// NewSMTPMailerWithSender creates an enabled mailer delivering through sender
func NewSMTPMailerWithSender(cfg config.EmailConfig, sender Sender, logger *observability.Logger) *SMTPMailer {
	cfg.Enabled = true
	return &SMTPMailer{cfg: cfg, sender: sender, logger: logger}
}

// IsEnabled reports whether email is configured
func (m *SMTPMailer) IsEnabled() bool {
	return m.cfg.Enabled && m.sender != nil
}

// Send delivers msg
func (m *SMTPMailer) Send(ctx context.Context, msg Message) (err error) {
	ctx, span := otel.Tracer("mailer").Start(ctx, "Send",
		trace.WithAttributes(
			attribute.String("email.to", msg.To),
			attribute.String("email.subject", msg.Subject),
		),
	)
	defer observability.FinishSpan(span, &err)

	if !m.IsEnabled() {
		m.logger.Info(ctx, "Email disabled, skipping email send", map[string]interface{}{"to": msg.To})
		return nil
	}
	if msg.To == "" {
		return contextutils.WrapError(contextutils.ErrInvalidInput, "email recipient is empty")
	}

	em := mail.NewMessage()
	em.SetHeader("From", fmt.Sprintf("%s <%s>", m.cfg.SMTP.FromName, m.cfg.SMTP.FromAddress))
	em.SetHeader("To", msg.To)
	em.SetHeader("Subject", msg.Subject)
	if msg.TextBody != "" {
		em.SetBody("text/plain", msg.TextBody)
		if msg.HTMLBody != "" {
			em.AddAlternative("text/html", msg.HTMLBody)
		}
	} else {
		em.SetBody("text/html", msg.HTMLBody)
	}

	if err = m.sender.DialAndSend(em); err != nil {
		m.logger.Error(ctx, "Failed to send email", err, map[string]interface{}{
			"to":      msg.To,
			"subject": msg.Subject,
		})
		return contextutils.WrapError(err, "failed to send email")
	}

	m.logger.Info(ctx, "Email sent successfully", map[string]interface{}{
		"to":      msg.To,
		"subject": msg.Subject,
	})
	return nil
}
