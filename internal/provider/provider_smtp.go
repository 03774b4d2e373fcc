package provider

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"os"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/emersion/go-message/mail"

	"github.com/example/notification-outbox/internal/channel"
	"github.com/example/notification-outbox/internal/identity"
)

type SMTPProvider struct {
	Host      string
	Port      int
	Username  string
	Password  string
	FromEmail string
	FromName  string

	dial func(ctx context.Context, network, addr string) (net.Conn, error)
}

func newSMTPProvider(ch channel.Channel, s Settings, deps Deps) (Provider, error) {
	if err := requireChannel("smtp", ch, channel.Mail); err != nil {
		return nil, err
	}
	return &SMTPProvider{
		Host:      s.String("host", ""),
		Port:      s.Int("port", 587),
		Username:  s.String("username", ""),
		Password:  s.String("password", ""),
		FromEmail: s.String("from_email", ""),
		FromName:  s.String("from_name", ""),
		dial:      (&net.Dialer{Timeout: 30 * time.Second}).DialContext,
	}, nil
}

func (p *SMTPProvider) Name() string { return "smtp" }

func (p *SMTPProvider) Available() bool { return p.Host != "" }

func (p *SMTPProvider) Health(context.Context) Health {
	return availability(p.Available(), "host missing")
}

func (p *SMTPProvider) Send(ctx context.Context, msg Message) (Result, error) {
	if msg.To == "" {
		return Result{Success: false, Message: "recipient email missing"}, nil
	}
	from := identity.Value(fromEmail(msg.Identity), p.FromEmail)
	if from == "" {
		return Result{}, backoff.Permanent(errors.New("smtp: no from address"))
	}
	raw, err := p.build(msg, from)
	if err != nil {
		return Result{}, backoff.Permanent(err)
	}

	addr := net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
	var auth smtp.Auth
	if p.Username != "" {
		auth = smtp.PlainAuth("", p.Username, p.Password, p.Host)
	}

	dial := p.dial
	if dial == nil {
		dial = (&net.Dialer{Timeout: 30 * time.Second}).DialContext
	}
	conn, err := dial(ctx, "tcp", addr)
	if err != nil {
		return Result{}, fmt.Errorf("smtp dial %s: %w", addr, err)
	}
	defer conn.Close()

	// The deadline covers every command, and cancellation unblocks a
	// server that stopped answering.
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	if err := p.deliver(conn, auth, from, msg.To, raw); err != nil {
		switch {
		case ctx.Err() != nil:
			err = ctx.Err()
		case errors.Is(err, os.ErrDeadlineExceeded):
			err = context.DeadlineExceeded
		}
		return Result{}, fmt.Errorf("smtp send: %w", err)
	}
	return Result{Success: true}, nil
}

func (p *SMTPProvider) deliver(conn net.Conn, auth smtp.Auth, from, to string, raw []byte) error {
	client, err := smtp.NewClient(conn, p.Host)
	if err != nil {
		return fmt.Errorf("creating SMTP client: %w", err)
	}
	defer client.Close()

	if ok, _ := client.Extension("STARTTLS"); ok {
		if err := client.StartTLS(&tls.Config{ServerName: p.Host}); err != nil {
			return fmt.Errorf("SMTP STARTTLS: %w", err)
		}
	}
	if auth != nil {
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("SMTP auth: %w", err)
		}
	}
	if err := client.Mail(from); err != nil {
		return fmt.Errorf("SMTP MAIL FROM: %w", err)
	}
	if err := client.Rcpt(to); err != nil {
		return fmt.Errorf("SMTP RCPT TO: %w", err)
	}
	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("SMTP DATA: %w", err)
	}
	if _, err := w.Write(raw); err != nil {
		return fmt.Errorf("writing message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("closing data writer: %w", err)
	}
	return client.Quit()
}

// build renders a single-part text message with the resolved sender identity.
func (p *SMTPProvider) build(msg Message, from string) ([]byte, error) {
	var h mail.Header
	h.SetDate(time.Now())
	h.SetAddressList("From", []*mail.Address{{
		Name:    identity.Value(fromName(msg.Identity), p.FromName),
		Address: from,
	}})
	h.SetAddressList("To", []*mail.Address{{Address: msg.To}})
	if msg.Identity != nil && msg.Identity.ReplyToEmail != nil {
		h.SetAddressList("Reply-To", []*mail.Address{{
			Name:    identity.Value(msg.Identity.ReplyToName, ""),
			Address: *msg.Identity.ReplyToEmail,
		}})
	}
	h.SetSubject(msg.String("subject"))
	if msg.ID != "" {
		h.SetMessageID(msg.ID + "@" + p.Host)
	}
	h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})

	var buf bytes.Buffer
	w, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("smtp header: %w", err)
	}
	if _, err := w.Write([]byte(msg.String("body"))); err != nil {
		return nil, fmt.Errorf("smtp body: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("smtp body: %w", err)
	}
	return buf.Bytes(), nil
}
