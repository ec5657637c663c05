package notify

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"net/smtp"
	"net/textproto"
	"strings"
)

// SMTPChannel delivers notifications as plain-text email.
type SMTPChannel struct {
	addr string // host:port
	auth smtp.Auth
	from string
}

// Compile-time check that SMTPChannel implements Channel.
var _ Channel = (*SMTPChannel)(nil)

// NewSMTPChannel creates a channel sending through the given SMTP server.
// user may be empty for unauthenticated relays.
func NewSMTPChannel(addr, user, password, from string) *SMTPChannel {
	c := &SMTPChannel{addr: addr, from: from}
	if user != "" {
		host := addr
		if i := strings.IndexByte(addr, ':'); i >= 0 {
			host = addr[:i]
		}
		c.auth = smtp.PlainAuth("", user, password, host)
	}
	return c
}

// Send composes and sends one message. An unparseable recipient address and
// 5xx server replies are permanent; everything else (dial failures,
// timeouts, 4xx replies) is transient and left to the dispatcher's retry.
func (c *SMTPChannel) Send(ctx context.Context, address, subject, body string) error {
	if _, err := mail.ParseAddress(address); err != nil {
		return &PermanentError{Reason: "invalid recipient address", Err: err}
	}

	msg := []byte(fmt.Sprintf(
		"To: %s\r\nFrom: %s\r\nSubject: %s\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n%s",
		address, c.from, subject, body))

	// smtp.SendMail has no context hook; run it in a goroutine so a
	// cancelled worker is not pinned to a stuck dial.
	errCh := make(chan error, 1)
	go func() {
		errCh <- smtp.SendMail(c.addr, c.auth, c.from, []string{address}, msg)
	}()

	var err error
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err = <-errCh:
	}
	if err == nil {
		return nil
	}

	var proto *textproto.Error
	if errors.As(err, &proto) && proto.Code >= 500 {
		return &PermanentError{Reason: fmt.Sprintf("channel rejected message (%d)", proto.Code), Err: err}
	}
	return fmt.Errorf("smtp send: %w", err)
}
