// Package mailtransport is the thin hand-off point between the
// scheduler's auto-send job (§4.G) and the actual mail delivery
// infrastructure, which spec.md places outside the core entirely
// ("hand off to the mail transport", §4.G). Transport is the seam: the
// scheduler renders a message and calls Send, and never otherwise
// concerns itself with SMTP.
package mailtransport

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"

	"github.com/pkg/errors"
)

// Message is a rendered auto-send email, ready to hand off.
type Message struct {
	To      string
	Subject string
	Body    string
}

// Transport delivers a rendered Message. The scheduler depends only on
// this interface so tests can substitute a recording fake.
type Transport interface {
	Send(ctx context.Context, msg Message) error
}

// SMTPConfig configures the default net/smtp-backed Transport.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// smtpTransport is a minimal net/smtp adapter. This core has no actual
// mail-service integration to speak of beyond "connect, authenticate,
// send" (the real delivery infrastructure is the inherited app's own
// concern, §1); none of this module's third-party dependency pack
// includes an email client, so the standard library's net/smtp is the
// correct, not a decorative, choice here.
type smtpTransport struct {
	cfg  SMTPConfig
	auth smtp.Auth
}

// NewSMTPTransport returns a Transport that delivers via cfg. auth is
// nil (unauthenticated) when cfg.Username is empty.
func NewSMTPTransport(cfg SMTPConfig) Transport {
	var auth smtp.Auth
	if cfg.Username != "" {
		auth = smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
	}
	return &smtpTransport{cfg: cfg, auth: auth}
}

func (t *smtpTransport) Send(ctx context.Context, msg Message) error {
	addr := fmt.Sprintf("%s:%d", t.cfg.Host, t.cfg.Port)

	headers := map[string]string{
		"From":         t.cfg.From,
		"To":           msg.To,
		"Subject":      msg.Subject,
		"MIME-Version": "1.0",
		"Content-Type": "text/plain; charset=\"utf-8\"",
	}

	var b strings.Builder
	for k, v := range headers {
		fmt.Fprintf(&b, "%s: %s\r\n", k, v)
	}
	b.WriteString("\r\n")
	b.WriteString(msg.Body)

	done := make(chan error, 1)
	go func() {
		done <- smtp.SendMail(addr, t.auth, t.cfg.From, []string{msg.To}, []byte(b.String()))
	}()

	select {
	case <-ctx.Done():
		return errors.WithStack(ctx.Err())
	case err := <-done:
		return errors.Wrap(err, "failed to send mail")
	}
}
