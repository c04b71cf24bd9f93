package notify

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"
)

type sendMailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// SMTPGateway renders the template locally and relays one message through
// an SMTP server. Auth is used only when a username is configured.
type SMTPGateway struct {
	addr     string
	host     string
	from     string
	auth     smtp.Auth
	sendMail sendMailFunc
}

func NewSMTPGateway(host, port, from, username, password string) *SMTPGateway {
	host = strings.TrimSpace(host)
	port = strings.TrimSpace(port)
	if port == "" {
		port = "25"
	}
	from = strings.TrimSpace(from)
	if from == "" {
		from = "no-reply@conventions.local"
	}
	g := &SMTPGateway{
		addr:     fmt.Sprintf("%s:%s", host, port),
		host:     host,
		from:     from,
		sendMail: smtp.SendMail,
	}
	if u := strings.TrimSpace(username); u != "" {
		g.auth = smtp.PlainAuth("", u, password, host)
	}
	return g
}

func (g *SMTPGateway) SendNotification(ctx context.Context, n Notification) error {
	if len(n.Recipients) == 0 {
		return fmt.Errorf("notification %s has no recipient", n.TemplateID)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	subject, body, err := Render(n.TemplateID, n.Params)
	if err != nil {
		return err
	}
	msg := buildMessage(g.from, n.Recipients, n.Cc, subject, body)
	rcpt := append(append([]string(nil), n.Recipients...), n.Cc...)
	if err := g.sendMail(g.addr, g.auth, g.from, rcpt, []byte(msg)); err != nil {
		return fmt.Errorf("smtp send %s: %w", n.TemplateID, err)
	}
	return nil
}

func buildMessage(from string, to, cc []string, subject, body string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", header(from))
	fmt.Fprintf(&b, "To: %s\r\n", header(strings.Join(to, ", ")))
	if len(cc) > 0 {
		fmt.Fprintf(&b, "Cc: %s\r\n", header(strings.Join(cc, ", ")))
	}
	fmt.Fprintf(&b, "Subject: %s\r\n", header(subject))
	b.WriteString("MIME-Version: 1.0\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n")
	b.WriteString(body)
	b.WriteString("\r\n")
	return b.String()
}

// header drops line breaks so a value cannot inject extra headers.
func header(v string) string {
	return strings.NewReplacer("\r", "", "\n", " ").Replace(v)
}
