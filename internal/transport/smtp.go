package transport

import (
	"context"
	"crypto/tls"
	"fmt"

	"github.com/google/uuid"
	mail "github.com/go-mail/mail"
)

// SMTPTransport delivers mail over a shared SMTP connection.
type SMTPTransport struct {
	Host               string
	Port               int
	From               string
	User               string
	Pass               string
	TLSMode            string // "auto" | "starttls" | "ssl" | "none"
	InsecureSkipVerify bool
}

// NewSMTPTransport creates an SMTP transport with the given parameters.
func NewSMTPTransport(host string, port int, from, user, pass string) *SMTPTransport {
	return &SMTPTransport{
		Host:    host,
		Port:    port,
		From:    from,
		User:    user,
		Pass:    pass,
		TLSMode: "auto",
	}
}

// Open dials the SMTP server once. The returned Conn reuses the session for
// every message in the batch.
func (t *SMTPTransport) Open(ctx context.Context) (Conn, error) {
	d := mail.NewDialer(t.Host, t.Port, t.User, t.Pass)
	d.TLSConfig = &tls.Config{
		ServerName:         t.Host,
		InsecureSkipVerify: t.InsecureSkipVerify,
	}
	switch t.TLSMode {
	case "ssl":
		d.SSL = true
	case "none":
		d.TLSConfig = &tls.Config{InsecureSkipVerify: t.InsecureSkipVerify}
	default:
		// "auto"/"starttls": go-mail negotiates STARTTLS when offered.
	}

	sc, err := d.Dial()
	if err != nil {
		return nil, fmt.Errorf("smtp dial %s:%d: %w", t.Host, t.Port, err)
	}
	return &smtpConn{sender: sc, from: t.From}, nil
}

type smtpConn struct {
	sender mail.SendCloser
	from   string
}

func (c *smtpConn) Send(ctx context.Context, msg *Message) (*Result, error) {
	m := mail.NewMessage()

	from := msg.From
	if from == "" {
		from = c.from
	}
	m.SetHeader("From", from)
	if msg.ToName != "" {
		m.SetAddressHeader("To", msg.To, msg.ToName)
	} else {
		m.SetHeader("To", msg.To)
	}
	m.SetHeader("Subject", msg.Subject)
	if msg.ReplyTo != "" {
		m.SetHeader("Reply-To", msg.ReplyTo)
	}
	for name, value := range msg.Headers {
		m.SetHeader(name, value)
	}

	// Prefer multipart/alternative (txt + html).
	if msg.Body != "" {
		m.SetBody("text/plain", msg.Body)
	}
	if msg.HTMLBody != "" {
		if msg.Body == "" {
			m.SetBody("text/html", msg.HTMLBody)
		} else {
			m.AddAlternative("text/html", msg.HTMLBody)
		}
	}

	if err := mail.Send(c.sender, m); err != nil {
		return nil, fmt.Errorf("smtp send to %s: %w", msg.To, err)
	}
	return &Result{MessageID: uuid.NewString()}, nil
}

func (c *smtpConn) Close() error {
	return c.sender.Close()
}
