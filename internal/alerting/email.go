package alerting

import (
	"context"
	"crypto/tls"
	"fmt"
	"mime"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"
)

// EmailConfig holds SMTP settings for the email channel.
type EmailConfig struct {
	Name     string
	Host     string
	Port     int
	Username string
	Password string
	From     string
	To       []string
}

// EmailChannel delivers notifications over SMTP.
type EmailChannel struct {
	config EmailConfig
}

// NewEmailChannel creates an email channel. Name defaults to "email".
func NewEmailChannel(config EmailConfig) (*EmailChannel, error) {
	if config.Name == "" {
		config.Name = "email"
	}
	if config.Host == "" || config.From == "" || len(config.To) == 0 {
		return nil, fmt.Errorf("%w: email requires host, from and at least one recipient", ErrChannelNotConfigured)
	}
	if config.Port == 0 {
		config.Port = 587
	}
	return &EmailChannel{config: config}, nil
}

func (c *EmailChannel) Name() string { return c.config.Name }

// Send implements NotificationChannel.Send
func (c *EmailChannel) Send(ctx context.Context, n Notification) error {
	addr := net.JoinHostPort(c.config.Host, strconv.Itoa(c.config.Port))

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to connect to smtp server: %w", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	client, err := smtp.NewClient(conn, c.config.Host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to create smtp client: %w", err)
	}
	defer client.Close()

	if ok, _ := client.Extension("STARTTLS"); ok {
		if err := client.StartTLS(&tls.Config{ServerName: c.config.Host}); err != nil {
			return fmt.Errorf("failed to start tls: %w", err)
		}
	}

	if c.config.Username != "" {
		if ok, _ := client.Extension("AUTH"); ok {
			auth := smtp.PlainAuth("", c.config.Username, c.config.Password, c.config.Host)
			if err := client.Auth(auth); err != nil {
				return fmt.Errorf("failed to authenticate: %w", err)
			}
		}
	}

	if err := client.Mail(c.config.From); err != nil {
		return fmt.Errorf("failed to set sender: %w", err)
	}
	for _, rcpt := range c.config.To {
		if err := client.Rcpt(rcpt); err != nil {
			return fmt.Errorf("failed to add recipient %s: %w", rcpt, err)
		}
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("failed to open message body: %w", err)
	}
	if _, err := w.Write(c.message(n, time.Now())); err != nil {
		w.Close()
		return fmt.Errorf("failed to write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}

	return client.Quit()
}

func (c *EmailChannel) message(n Notification, now time.Time) []byte {
	to := make([]string, len(c.config.To))
	for i, rcpt := range c.config.To {
		to[i] = headerValue(rcpt)
	}
	body := strings.NewReplacer("\r\n", "\n", "\r", "\n").Replace(n.Body)

	msg := fmt.Sprintf("From: %s\r\n"+
		"To: %s\r\n"+
		"Subject: %s\r\n"+
		"Date: %s\r\n"+
		"MIME-Version: 1.0\r\n"+
		"Content-Type: text/plain; charset=UTF-8\r\n"+
		"\r\n"+
		"%s\r\n",
		headerValue(c.config.From),
		strings.Join(to, ", "),
		mime.QEncoding.Encode("UTF-8", headerValue(n.Subject)),
		now.Format(time.RFC1123Z),
		strings.ReplaceAll(body, "\n", "\r\n"))
	return []byte(msg)
}

// headerValue folds line breaks into spaces so a value cannot start a new header.
func headerValue(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '\r' || r == '\n' {
			return ' '
		}
		return r
	}, s)
}
