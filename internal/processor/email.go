package processor

import (
	"bytes"
	"context"
	"fmt"
	"mime/multipart"
	"net/smtp"
	"net/textproto"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"go-dispatch/internal/observability"
	"go-dispatch/pkg/models"
)

// Mailer delivers one email.
type Mailer interface {
	Send(ctx context.Context, msg models.EmailData) error
}

// LogMailer records the intent to send and succeeds.
type LogMailer struct {
	Logger *logrus.Logger
}

func (m LogMailer) Send(_ context.Context, msg models.EmailData) error {
	logger := m.Logger
	if logger == nil {
		logger = observability.GetLogger()
	}
	logger.WithFields(logrus.Fields{
		"to":      msg.To,
		"from":    msg.From,
		"subject": msg.Subject,
		"html":    msg.HTML != "",
	}).Info("Sending email")
	return nil
}

// SMTPMailer sends through a plain SMTP relay.
type SMTPMailer struct {
	Addr string
	Auth smtp.Auth

	// sendMail is smtp.SendMail unless replaced in tests.
	sendMail func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func NewSMTPMailer(host string, port int, username, password string) *SMTPMailer {
	var auth smtp.Auth
	if username != "" {
		auth = smtp.PlainAuth("", username, password, host)
	}
	return &SMTPMailer{
		Addr:     fmt.Sprintf("%s:%d", host, port),
		Auth:     auth,
		sendMail: smtp.SendMail,
	}
}

func (m *SMTPMailer) Send(ctx context.Context, msg models.EmailData) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	body, err := buildMIME(msg, time.Now())
	if err != nil {
		return fmt.Errorf("build email: %w", err)
	}
	send := m.sendMail
	if send == nil {
		send = smtp.SendMail
	}
	if err := send(m.Addr, m.Auth, msg.From, []string{msg.To}, body); err != nil {
		return fmt.Errorf("smtp send to %s: %w", msg.To, err)
	}
	return nil
}

// buildMIME renders a text/plain message, or multipart/alternative when HTML is present.
func buildMIME(msg models.EmailData, now time.Time) ([]byte, error) {
	var buf bytes.Buffer
	header := func(k, v string) { fmt.Fprintf(&buf, "%s: %s\r\n", k, v) }

	header("From", msg.From)
	header("To", msg.To)
	header("Subject", msg.Subject)
	header("Date", now.Format(time.RFC1123Z))
	header("Message-ID", fmt.Sprintf("<%s@go-dispatch>", uuid.NewString()))
	header("MIME-Version", "1.0")

	if msg.HTML == "" {
		header("Content-Type", "text/plain; charset=UTF-8")
		buf.WriteString("\r\n")
		buf.WriteString(normalizeCRLF(msg.Body))
		return buf.Bytes(), nil
	}

	var parts bytes.Buffer
	mw := multipart.NewWriter(&parts)
	header("Content-Type", "multipart/alternative; boundary="+mw.Boundary())
	buf.WriteString("\r\n")

	for _, p := range []struct{ ctype, content string }{
		{"text/plain; charset=UTF-8", msg.Body},
		{"text/html; charset=UTF-8", msg.HTML},
	} {
		w, err := mw.CreatePart(textproto.MIMEHeader{"Content-Type": {p.ctype}})
		if err != nil {
			return nil, err
		}
		if _, err := w.Write([]byte(normalizeCRLF(p.content))); err != nil {
			return nil, err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}
	buf.Write(parts.Bytes())
	return buf.Bytes(), nil
}

func normalizeCRLF(s string) string {
	return strings.ReplaceAll(strings.ReplaceAll(s, "\r\n", "\n"), "\n", "\r\n")
}

// Email hands email envelopes to a Mailer.
type Email struct {
	base
	mailer Mailer
}

func NewEmail(mailer Mailer, opts ...Option) *Email {
	e := &Email{base: newBase(models.TagEmail, opts), mailer: mailer}
	if e.mailer == nil {
		e.mailer = LogMailer{Logger: e.logger}
	}
	return e
}

func (e *Email) Process(ctx context.Context, env *models.Envelope) (err error) {
	if err := e.check(env); err != nil {
		return err
	}
	data, ok := env.Data().(models.EmailData)
	if !ok {
		return e.mismatch(env)
	}
	start := time.Now()
	defer func() { e.done(start, err, map[string]any{"to": data.To}) }()
	return e.mailer.Send(ctx, data)
}
