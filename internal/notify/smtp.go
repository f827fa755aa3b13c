package notify

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"net/textproto"
	"strings"
	"time"

	"bookingd/internal/model"
)

// SMTPConfig describes the outgoing mail relay.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// SendMailFunc matches smtp.SendMail.
type SendMailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// Email sends plain-text mail. smtp.SendMail upgrades to STARTTLS when the
// relay offers it.
type Email struct {
	cfg      SMTPConfig
	sendMail SendMailFunc
	now      func() time.Time
}

func NewEmail(cfg SMTPConfig) *Email {
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	if cfg.From == "" {
		cfg.From = "no-reply@bookingd.local"
	}
	return &Email{cfg: cfg, sendMail: smtp.SendMail, now: time.Now}
}

func (e *Email) Name() string { return "email" }

func (e *Email) Target(c model.Customer) string {
	addr := strings.TrimSpace(c.Email)
	if !strings.Contains(addr, "@") {
		return ""
	}
	return addr
}

func (e *Email) Send(ctx context.Context, target string, msg Message) error {
	if err := ctx.Err(); err != nil {
		return model.Transient(err)
	}

	var auth smtp.Auth
	if e.cfg.Username != "" {
		auth = smtp.PlainAuth("", e.cfg.Username, e.cfg.Password, e.cfg.Host)
	}
	addr := net.JoinHostPort(e.cfg.Host, fmt.Sprint(e.cfg.Port))

	err := e.sendMail(addr, auth, e.cfg.From, []string{target}, e.buildMessage(target, msg))
	if err == nil {
		return nil
	}
	var protoErr *textproto.Error
	if errors.As(err, &protoErr) && protoErr.Code >= 500 {
		return model.Permanent(fmt.Errorf("smtp: %w", err))
	}
	return model.Transient(fmt.Errorf("smtp: %w", err))
}

func (e *Email) buildMessage(to string, msg Message) []byte {
	subject := strings.NewReplacer("\r", " ", "\n", " ").Replace(msg.Subject)
	body := strings.ReplaceAll(msg.Body, "\n", "\r\n")
	return []byte(fmt.Sprintf(
		"From: %s\r\nTo: %s\r\nSubject: %s\r\nDate: %s\r\nMIME-Version: 1.0\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n%s\r\n",
		e.cfg.From, to, subject, e.now().Format(time.RFC1123Z), body,
	))
}
