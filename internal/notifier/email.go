package notifier

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net"
	"net/mail"
	"net/smtp"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"siemalert/internal/core"
)

// EmailConfig configures the SMTP channel.
type EmailConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	// UseTLS dials with implicit TLS (port 465). Otherwise the connection is
	// plain with optional STARTTLS.
	UseTLS             bool
	UseStartTLS        bool
	InsecureSkipVerify bool
	DialTimeout        time.Duration
}

// EmailChannel sends one SMTP transaction per recipient.
type EmailChannel struct {
	cfg  EmailConfig
	now  func() time.Time
	dial func(ctx context.Context, network, addr string) (net.Conn, error)
}

func NewEmailChannel(cfg EmailConfig) (*EmailChannel, error) {
	if strings.TrimSpace(cfg.Host) == "" {
		return nil, errors.New("smtp host is required")
	}
	if _, err := mail.ParseAddress(cfg.From); err != nil {
		return nil, fmt.Errorf("smtp from %q: %w", cfg.From, err)
	}
	if cfg.Port <= 0 {
		if cfg.UseTLS {
			cfg.Port = 465
		} else {
			cfg.Port = 587
		}
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	d := &net.Dialer{Timeout: cfg.DialTimeout}
	return &EmailChannel{cfg: cfg, now: time.Now, dial: d.DialContext}, nil
}

func (e *EmailChannel) Name() string { return "email" }

func (e *EmailChannel) Accepts(recipient string) bool {
	r := strings.TrimPrefix(recipient, "mailto:")
	if strings.Contains(r, "://") || strings.HasPrefix(r, "tg:") {
		return false
	}
	_, err := mail.ParseAddress(r)
	return err == nil
}

func (e *EmailChannel) Send(ctx context.Context, recipient string, msg core.Message) error {
	to, err := mail.ParseAddress(strings.TrimPrefix(recipient, "mailto:"))
	if err != nil {
		return Permanent(fmt.Errorf("invalid address %q: %w", recipient, err))
	}
	raw, err := buildMIME(e.cfg.From, to.Address, msg, e.now())
	if err != nil {
		return Permanent(err)
	}

	addr := net.JoinHostPort(e.cfg.Host, strconv.Itoa(e.cfg.Port))
	tlsConfig := &tls.Config{
		InsecureSkipVerify: e.cfg.InsecureSkipVerify,
		ServerName:         e.cfg.Host,
	}

	conn, err := e.dial(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}
	if e.cfg.UseTLS {
		conn = tls.Client(conn, tlsConfig)
	}

	client, err := smtp.NewClient(conn, e.cfg.Host)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("failed to create SMTP client: %w", err)
	}
	defer client.Close()

	if !e.cfg.UseTLS && e.cfg.UseStartTLS {
		if err := client.StartTLS(tlsConfig); err != nil {
			return fmt.Errorf("failed to start TLS: %w", err)
		}
	}
	if e.cfg.Username != "" {
		auth := smtp.PlainAuth("", e.cfg.Username, e.cfg.Password, e.cfg.Host)
		if err := client.Auth(auth); err != nil {
			return Permanent(fmt.Errorf("failed to authenticate: %w", err))
		}
	}
	if err := client.Mail(e.cfg.From); err != nil {
		return smtpErr("failed to set sender", err)
	}
	if err := client.Rcpt(to.Address); err != nil {
		return smtpErr("failed to set recipient "+to.Address, err)
	}
	w, err := client.Data()
	if err != nil {
		return smtpErr("failed to get data writer", err)
	}
	if _, err := w.Write(raw); err != nil {
		_ = w.Close()
		return fmt.Errorf("failed to write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return smtpErr("failed to finish message", err)
	}
	return client.Quit()
}

// smtpErr marks 5xx replies as permanent.
func smtpErr(what string, err error) error {
	var te *textproto.Error
	if errors.As(err, &te) && te.Code >= 500 {
		return Permanent(fmt.Errorf("%s: %w", what, err))
	}
	return fmt.Errorf("%s: %w", what, err)
}

// buildMIME renders a multipart/mixed message; the body is text/html or
// text/plain depending on msg.HTML.
func buildMIME(from, to string, msg core.Message, now time.Time) ([]byte, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	hdr := func(k, v string) { fmt.Fprintf(&buf, "%s: %s\r\n", k, v) }
	hdr("From", from)
	hdr("To", to)
	hdr("Subject", mime.QEncoding.Encode("utf-8", msg.Subject))
	hdr("Date", now.Format(time.RFC1123Z))
	hdr("MIME-Version", "1.0")
	hdr("Content-Type", `multipart/mixed; boundary="`+mw.Boundary()+`"`)
	buf.WriteString("\r\n")

	ctype := "text/plain; charset=UTF-8"
	if msg.HTML {
		ctype = "text/html; charset=UTF-8"
	}
	part, err := mw.CreatePart(textproto.MIMEHeader{
		"Content-Type":              {ctype},
		"Content-Transfer-Encoding": {"base64"},
	})
	if err != nil {
		return nil, err
	}
	if err := writeBase64(part, []byte(msg.Body)); err != nil {
		return nil, err
	}

	for _, att := range msg.Attachments {
		ct := att.ContentType
		if ct == "" {
			ct = "application/octet-stream"
		}
		part, err := mw.CreatePart(textproto.MIMEHeader{
			"Content-Type":              {ct},
			"Content-Transfer-Encoding": {"base64"},
			"Content-Disposition":       {mime.FormatMediaType("attachment", map[string]string{"filename": att.Name})},
		})
		if err != nil {
			return nil, err
		}
		if err := writeBase64(part, att.Data); err != nil {
			return nil, err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// writeBase64 wraps lines at 76 characters as RFC 2045 requires.
func writeBase64(w io.Writer, data []byte) error {
	enc := base64.StdEncoding.EncodeToString(data)
	for len(enc) > 76 {
		if _, err := w.Write([]byte(enc[:76] + "\r\n")); err != nil {
			return err
		}
		enc = enc[76:]
	}
	_, err := w.Write([]byte(enc + "\r\n"))
	return err
}
