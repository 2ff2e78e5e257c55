package notify

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/wneessen/go-mail"
)

type Email struct {
	From    string
	To      []string
	Subject string
	Body    string
}

type Mailer interface {
	Send(ctx context.Context, e Email) error
}

// Builds a single-part plain text message.
func (e Email) Msg() (*mail.Msg, error) {
	m := mail.NewMsg()
	if err := m.From(e.From); err != nil {
		return nil, fmt.Errorf("invalid sender %q: %w", e.From, err)
	}
	if err := m.To(e.To...); err != nil {
		return nil, fmt.Errorf("invalid recipients: %w", err)
	}
	m.Subject(e.Subject)
	m.SetDate()
	m.SetMessageID()
	m.SetBodyString(mail.TypeTextPlain, e.Body)
	return m, nil
}

// Sends mail through an SMTP relay, upgrading with STARTTLS when offered.
type SMTPMailer struct {
	Addr     string
	Username string
	Password string
	// per connection; the send is also bounded by the context
	Timeout time.Duration
}

var _ Mailer = (*SMTPMailer)(nil)

func (m *SMTPMailer) client() (*mail.Client, error) {
	host, portStr, err := net.SplitHostPort(m.Addr)
	if err != nil {
		return nil, fmt.Errorf("invalid SMTP address %q: %w", m.Addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("invalid SMTP port %q: %w", portStr, err)
	}
	timeout := m.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	opts := []mail.Option{
		mail.WithPort(port),
		mail.WithTLSPolicy(mail.TLSOpportunistic),
		mail.WithTimeout(timeout),
	}
	if m.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(m.Username),
			mail.WithPassword(m.Password),
		)
	}
	return mail.NewClient(host, opts...)
}

func (m *SMTPMailer) Send(ctx context.Context, e Email) error {
	if len(e.To) == 0 {
		return fmt.Errorf("email has no recipients")
	}
	msg, err := e.Msg()
	if err != nil {
		return err
	}
	c, err := m.client()
	if err != nil {
		return err
	}
	if err := c.DialAndSendWithContext(ctx, msg); err != nil {
		return fmt.Errorf("sending email via %s: %w", m.Addr, err)
	}
	return nil
}

// Writes emails to the log instead of sending them. Used when no SMTP relay is configured.
type LogMailer struct {
	Logger *slog.Logger
}

var _ Mailer = (*LogMailer)(nil)

func (m *LogMailer) Send(ctx context.Context, e Email) error {
	logger := m.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("email (not sent)", "from", e.From, "to", e.To, "subject", e.Subject, "body", e.Body)
	return nil
}
