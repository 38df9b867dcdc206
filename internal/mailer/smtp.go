package mailer

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/smtp"
	"net/textproto"
	"strconv"
	"time"

	"github.com/minipass/reconciler/internal/settings"
)

const sendTimeout = 30 * time.Second

// Transport delivers one composed message.
type Transport interface {
	Send(ctx context.Context, cfg settings.SMTPSettings, from string, to []string, msg []byte) error
}

// SMTPTransport speaks ESMTP with implicit TLS (MAIL_USE_SSL) or STARTTLS (MAIL_USE_TLS).
type SMTPTransport struct {
	Timeout time.Duration
	// TLSConfig overrides the client TLS configuration when set.
	TLSConfig *tls.Config
}

func (t *SMTPTransport) timeout() time.Duration {
	if t.Timeout > 0 {
		return t.Timeout
	}
	return sendTimeout
}

func (t *SMTPTransport) tlsConfig(host string) *tls.Config {
	if t.TLSConfig != nil {
		return t.TLSConfig.Clone()
	}
	return &tls.Config{ServerName: host, MinVersion: tls.VersionTLS12}
}

func (t *SMTPTransport) Send(ctx context.Context, cfg settings.SMTPSettings, from string, to []string, msg []byte) error {
	deadline := time.Now().Add(t.timeout())
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	dialer := &net.Dialer{Deadline: deadline}

	var conn net.Conn
	var err error
	if cfg.UseSSL {
		conn, err = tls.DialWithDialer(dialer, "tcp", addr, t.tlsConfig(cfg.Host))
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	if err := conn.SetDeadline(deadline); err != nil {
		conn.Close()
		return err
	}

	c, err := smtp.NewClient(conn, cfg.Host)
	if err != nil {
		conn.Close()
		return err
	}
	defer c.Close()

	if cfg.UseTLS {
		if ok, _ := c.Extension("STARTTLS"); !ok {
			return errors.New("server does not offer STARTTLS")
		}
		if err := c.StartTLS(t.tlsConfig(cfg.Host)); err != nil {
			return fmt.Errorf("starttls: %w", err)
		}
	}
	if cfg.Username != "" && cfg.Password != "" {
		if ok, _ := c.Extension("AUTH"); !ok {
			return errors.New("credentials configured but server does not offer AUTH")
		}
		if err := c.Auth(smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)); err != nil {
			return fmt.Errorf("auth: %w", err)
		}
	}
	if err := c.Mail(from); err != nil {
		return fmt.Errorf("mail from: %w", err)
	}
	for _, rcpt := range to {
		if err := c.Rcpt(rcpt); err != nil {
			return fmt.Errorf("rcpt to %s: %w", rcpt, err)
		}
	}
	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("data: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("data: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("data: %w", err)
	}
	return c.Quit()
}

// classifySendError labels a failure transient (4xx replies, network trouble) or permanent.
func classifySendError(err error) string {
	var tpErr *textproto.Error
	if errors.As(err, &tpErr) {
		if tpErr.Code >= 400 && tpErr.Code < 500 {
			return "transient: " + err.Error()
		}
		return "permanent: " + err.Error()
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, io.EOF) || errors.Is(err, context.DeadlineExceeded) {
		return "transient: " + err.Error()
	}
	return "permanent: " + err.Error()
}
