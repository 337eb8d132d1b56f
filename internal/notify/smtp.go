// Package notify delivers verification codes and account notices to identities.
package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"net/url"
	"strconv"
	"strings"
	"text/template"
	"time"

	"helpdesk.org/internal/auth"
)

// SMTPConfig holds the mail relay settings.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	// BaseURL prefixes the password reset link.
	BaseURL string
	// Timeout bounds one delivery, dial included. Zero means 10s.
	Timeout time.Duration
}

type sendFunc func(ctx context.Context, addr string, a smtp.Auth, from string, to []string, msg []byte) error

// SMTP sends plain-text mail through a relay.
type SMTP struct {
	cfg  SMTPConfig
	send sendFunc
	now  func() time.Time
}

var _ auth.Notifier = (*SMTP)(nil)

// NewSMTP validates cfg and returns a notifier.
func NewSMTP(cfg SMTPConfig) (*SMTP, error) {
	if strings.TrimSpace(cfg.Host) == "" || strings.TrimSpace(cfg.From) == "" {
		return nil, fmt.Errorf("notify: smtp host and from are required")
	}
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	s := &SMTP{cfg: cfg, now: time.Now}
	s.send = s.sendMail
	return s, nil
}

var (
	verificationTmpl = template.Must(template.New("verification").Parse(
		`Hello {{.Username}},

your helpdesk verification code is {{.Code}}.
It is valid for 24 hours. If you did not register, ignore this message.
`))
	passwordCodeTmpl = template.Must(template.New("password_code").Parse(
		`Hello {{.Username}},

your code to confirm the password change is {{.Code}}.
It is valid for 15 minutes. If you did not try to change your password, ignore this
message or contact an administrator.
`))
	passwordChangedTmpl = template.Must(template.New("password_changed").Parse(
		`Hello {{.Username}},

the password of your helpdesk account was changed at {{.Time}}.
If this was not you, reset your password and contact support.
`))
	passwordResetTmpl = template.Must(template.New("password_reset").Parse(
		`Hello {{.Username}},

a password reset was requested for your helpdesk account. Open the link below within one hour:

{{.Link}}

If you did not ask for this, ignore this message.
`))
)

func (s *SMTP) SendVerificationCode(ctx context.Context, id *auth.Identity, code string) error {
	return s.deliver(ctx, id.Email, "Verify your email address", verificationTmpl, map[string]string{
		"Username": id.Username,
		"Code":     code,
	})
}

func (s *SMTP) SendPasswordChangeCode(ctx context.Context, id *auth.Identity, code string) error {
	return s.deliver(ctx, id.Email, "Confirm your password change", passwordCodeTmpl, map[string]string{
		"Username": id.Username,
		"Code":     code,
	})
}

func (s *SMTP) SendPasswordChangedNotice(ctx context.Context, id *auth.Identity) error {
	return s.deliver(ctx, id.Email, "Your password was changed", passwordChangedTmpl, map[string]string{
		"Username": id.Username,
		"Time":     s.now().UTC().Format(time.RFC1123Z),
	})
}

func (s *SMTP) SendPasswordResetLink(ctx context.Context, id *auth.Identity, token string) error {
	link := strings.TrimRight(s.cfg.BaseURL, "/") + "/password-reset/confirm?token=" + url.QueryEscape(token)
	return s.deliver(ctx, id.Email, "Reset your password", passwordResetTmpl, map[string]string{
		"Username": id.Username,
		"Link":     link,
	})
}

func (s *SMTP) deliver(ctx context.Context, to, subject string, tmpl *template.Template, data map[string]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var body bytes.Buffer
	if err := tmpl.Execute(&body, data); err != nil {
		return fmt.Errorf("notify: render %s: %w", tmpl.Name(), err)
	}
	msg := s.compose(to, subject, body.Bytes())

	var a smtp.Auth
	if s.cfg.Username != "" {
		a = smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
	}
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	if err := s.send(ctx, addr, a, s.cfg.From, []string{to}, msg); err != nil {
		return fmt.Errorf("notify: send to %s: %w", to, err)
	}
	return nil
}

// sendMail is smtp.SendMail over a connection that dies with ctx or after cfg.Timeout,
// whichever comes first.
func (s *SMTP) sendMail(ctx context.Context, addr string, a smtp.Auth, from string, to []string, msg []byte) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	deadline, _ := ctx.Deadline()
	if err := conn.SetDeadline(deadline); err != nil {
		conn.Close()
		return err
	}
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	c, err := smtp.NewClient(conn, s.cfg.Host)
	if err != nil {
		conn.Close()
		return err
	}
	defer c.Close()
	if ok, _ := c.Extension("STARTTLS"); ok {
		if err := c.StartTLS(&tls.Config{ServerName: s.cfg.Host}); err != nil {
			return err
		}
	}
	if a != nil {
		if err := c.Auth(a); err != nil {
			return err
		}
	}
	if err := c.Mail(from); err != nil {
		return err
	}
	for _, rcpt := range to {
		if err := c.Rcpt(rcpt); err != nil {
			return err
		}
	}
	w, err := c.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(msg); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return c.Quit()
}

func (s *SMTP) compose(to, subject string, body []byte) []byte {
	var msg bytes.Buffer
	headers := [][2]string{
		{"From", s.cfg.From},
		{"To", to},
		{"Subject", subject},
		{"Date", s.now().Format(time.RFC1123Z)},
		{"MIME-Version", "1.0"},
		{"Content-Type", "text/plain; charset=UTF-8"},
	}
	for _, h := range headers {
		fmt.Fprintf(&msg, "%s: %s\r\n", h[0], h[1])
	}
	msg.WriteString("\r\n")
	msg.Write(bytes.ReplaceAll(body, []byte("\n"), []byte("\r\n")))
	return msg.Bytes()
}
