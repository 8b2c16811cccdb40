package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/wneessen/go-mail"

	"github.com/oshokin/lab-monitor/internal/config"
	"github.com/oshokin/lab-monitor/internal/logger"
)

// mailSender is the part of *mail.Client used by Mailer.
type mailSender interface {
	DialAndSendWithContext(ctx context.Context, messages ...*mail.Msg) error
}

// Mailer sends alerts as plain-text mail to a fixed recipient list.
type Mailer struct {
	// sender delivers built messages.
	sender mailSender
	// from is the envelope and header sender.
	from string
	// recipients receive every alert.
	recipients []string
}

var errMailNotConfigured = errors.New("mail host is not configured")

// NewMailer builds a Mailer from mail settings.
func NewMailer(cfg config.Mail) (*Mailer, error) {
	if cfg.Host == "" {
		return nil, errMailNotConfigured
	}

	options := []mail.Option{
		mail.WithPort(cfg.Port),
		mail.WithTimeout(cfg.Timeout),
		mail.WithTLSPortPolicy(mail.TLSOpportunistic),
	}

	if cfg.Username != "" {
		options = append(options,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(cfg.Username),
			mail.WithPassword(cfg.Password),
		)
	}

	client, err := mail.NewClient(cfg.Host, options...)
	if err != nil {
		return nil, fmt.Errorf("create mail client: %w", err)
	}

	return newMailer(client, cfg.From, cfg.Recipients), nil
}

func newMailer(sender mailSender, from string, recipients []string) *Mailer {
	return &Mailer{
		sender:     sender,
		from:       from,
		recipients: append([]string(nil), recipients...),
	}
}

// Notify sends event to every recipient in one message.
func (m *Mailer) Notify(ctx context.Context, event Event) error {
	msg, err := m.buildMessage(event)
	if err != nil {
		return err
	}

	if err = m.sender.DialAndSendWithContext(ctx, msg); err != nil {
		return fmt.Errorf("send mail: %w", err)
	}

	logger.InfoKV(ctx, "Email notification sent", "subject", event.Subject)

	return nil
}

// buildMessage turns an event into a plain-text message.
func (m *Mailer) buildMessage(event Event) (*mail.Msg, error) {
	msg := mail.NewMsg()

	if err := msg.From(m.from); err != nil {
		return nil, fmt.Errorf("set mail sender: %w", err)
	}

	if err := msg.To(m.recipients...); err != nil {
		return nil, fmt.Errorf("set mail recipients: %w", err)
	}

	msg.Subject(event.Subject)
	msg.SetBodyString(mail.TypeTextPlain, event.Body)

	if !event.Time.IsZero() {
		msg.SetDateWithValue(event.Time)
	}

	return msg, nil
}
