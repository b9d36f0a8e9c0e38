package alert

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"strings"
	"time"

	"github.com/alfops/alf-backup/pkg/config"
	"github.com/alfops/alf-backup/pkg/hints"
	"github.com/alfops/alf-backup/pkg/plog"
)

// ErrAlertingDisabled signals that no alert should be sent for this run.
var ErrAlertingDisabled = hints.New("email alerting is disabled")

// Mailer delivers run reports over SMTP with STARTTLS.
type Mailer struct {
	cfg         config.AlertConfig
	dialTimeout time.Duration

	// send is swapped out in tests.
	send func(ctx context.Context, to string, msg []byte) error
}

func NewMailer(cfg config.AlertConfig) *Mailer {
	m := &Mailer{
		cfg:         cfg,
		dialTimeout: 30 * time.Second,
	}
	m.send = m.sendSMTP
	return m
}

// Deliver sends the report when the alert mode asks for it. Skipped
// deliveries return a hint.
func (m *Mailer) Deliver(ctx context.Context, r *Report) error {
	switch m.cfg.Mode {
	case config.AlertNone:
		return ErrAlertingDisabled
	case config.AlertFailureOnly:
		if !r.Failed() {
			return hints.New("backup succeeded and alert mode is failure_only")
		}
	}
	if m.cfg.SMTP.Host == "" || m.cfg.SMTP.From == "" || m.cfg.SMTP.To == "" {
		return ErrAlertingDisabled
	}

	msg := m.buildMessage(r)
	if err := m.send(ctx, m.cfg.SMTP.To, msg); err != nil {
		return fmt.Errorf("could not deliver alert email: %w", err)
	}
	plog.Info("Alert email sent", "to", m.cfg.SMTP.To, "subject", r.Subject())
	return nil
}

func (m *Mailer) buildMessage(r *Report) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", m.cfg.SMTP.From)
	fmt.Fprintf(&b, "To: %s\r\n", m.cfg.SMTP.To)
	fmt.Fprintf(&b, "Subject: %s\r\n", r.Subject())
	fmt.Fprintf(&b, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&b, "Content-Type: text/plain; charset=UTF-8\r\n")
	fmt.Fprintf(&b, "\r\n")
	b.WriteString(strings.ReplaceAll(r.Body(), "\n", "\r\n"))
	return []byte(b.String())
}

func (m *Mailer) sendSMTP(ctx context.Context, to string, msg []byte) error {
	addr := fmt.Sprintf("%s:%d", m.cfg.SMTP.Host, m.cfg.SMTP.Port)

	dialer := &net.Dialer{Timeout: m.dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to connect to SMTP server: %w", err)
	}
	defer conn.Close()

	client, err := smtp.NewClient(conn, m.cfg.SMTP.Host)
	if err != nil {
		return fmt.Errorf("failed to create SMTP client: %w", err)
	}
	defer client.Close()

	// STARTTLS when the server offers it. Internal relays often don't.
	if ok, _ := client.Extension("STARTTLS"); ok {
		tlsConfig := &tls.Config{
			ServerName: m.cfg.SMTP.Host,
			MinVersion: tls.VersionTLS12,
		}
		if err := client.StartTLS(tlsConfig); err != nil {
			return fmt.Errorf("failed to start TLS: %w", err)
		}
	}

	if m.cfg.SMTP.User != "" && m.cfg.SMTP.Password != "" {
		_, mechanisms := client.Extension("AUTH")
		if err := client.Auth(m.authFor(mechanisms)); err != nil {
			return fmt.Errorf("SMTP authentication failed: %w", err)
		}
	}

	if err := client.Mail(m.cfg.SMTP.From); err != nil {
		return fmt.Errorf("failed to set sender: %w", err)
	}
	if err := client.Rcpt(to); err != nil {
		return fmt.Errorf("failed to set recipient: %w", err)
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("failed to open data writer: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		w.Close()
		return fmt.Errorf("failed to write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to finalize message: %w", err)
	}

	return client.Quit()
}

// authFor picks the SASL mechanism from the server's advertised AUTH
// extension. PLAIN is preferred, LOGIN covers relays (Exchange, older
// appliances) that only offer the legacy mechanism.
func (m *Mailer) authFor(mechanisms string) smtp.Auth {
	if !strings.Contains(mechanisms, "PLAIN") && strings.Contains(mechanisms, "LOGIN") {
		return &loginAuth{user: m.cfg.SMTP.User, password: m.cfg.SMTP.Password, host: m.cfg.SMTP.Host}
	}
	return smtp.PlainAuth("", m.cfg.SMTP.User, m.cfg.SMTP.Password, m.cfg.SMTP.Host)
}

// loginAuth implements the AUTH LOGIN exchange, which the stdlib smtp
// package does not ship.
type loginAuth struct {
	user, password, host string
}

func (a *loginAuth) Start(server *smtp.ServerInfo) (string, []byte, error) {
	if !server.TLS {
		return "", nil, fmt.Errorf("refusing LOGIN auth on an unencrypted connection to %s", server.Name)
	}
	if server.Name != a.host {
		return "", nil, fmt.Errorf("server name %s does not match configured host %s", server.Name, a.host)
	}
	return "LOGIN", nil, nil
}

func (a *loginAuth) Next(fromServer []byte, more bool) ([]byte, error) {
	if !more {
		return nil, nil
	}
	switch strings.ToLower(strings.TrimSpace(string(fromServer))) {
	case "username:":
		return []byte(a.user), nil
	case "password:":
		return []byte(a.password), nil
	}
	return nil, fmt.Errorf("unexpected LOGIN challenge %q", fromServer)
}
