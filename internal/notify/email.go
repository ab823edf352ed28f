package notify

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"
)

// EmailChannel sends alert messages over SMTP. Auth is optional; leave the
// username setting empty for an open relay (local dev).
type EmailChannel struct {
	name string
	addr string // host:port
	from string
	to   []string
	auth smtp.Auth

	// send is swapped in tests.
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewEmailChannel creates an email channel from its settings map. Required
// settings: host, port, from, to (comma-separated).
func NewEmailChannel(name string, settings map[string]string) (*EmailChannel, error) {
	if name == "" {
		name = "email"
	}
	host := settings["host"]
	port := settings["port"]
	from := settings["from"]
	to := settings["to"]
	if host == "" || port == "" || from == "" || to == "" {
		return nil, fmt.Errorf("email channel requires host, port, from and to settings")
	}

	var auth smtp.Auth
	if user := settings["username"]; user != "" {
		auth = smtp.PlainAuth("", user, settings["password"], host)
	}

	recipients := strings.Split(to, ",")
	for i := range recipients {
		recipients[i] = strings.TrimSpace(recipients[i])
	}

	return &EmailChannel{
		name: name,
		addr: host + ":" + port,
		from: from,
		to:   recipients,
		auth: auth,
		send: smtp.SendMail,
	}, nil
}

func (c *EmailChannel) Name() string { return c.name }

func (c *EmailChannel) Send(ctx context.Context, message string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", c.from)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(c.to, ", "))
	b.WriteString("Subject: Market alert\r\n")
	b.WriteString("\r\n")
	b.WriteString(message)
	b.WriteString("\r\n")

	if err := c.send(c.addr, c.auth, c.from, c.to, []byte(b.String())); err != nil {
		return fmt.Errorf("smtp send: %w", err)
	}
	return nil
}
