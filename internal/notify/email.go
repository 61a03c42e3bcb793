// Package notify emails customers about their shipments.
package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"text/template"
	"time"

	"go.uber.org/zap"

	"erp/ecommerce/storefront/internal/shipping"
)

var (
	createdTmpl = template.Must(template.New("created").Parse(`Hi {{.Name}},

Your order {{.Order.ID}} is on its way.

Carrier:         {{.Shipment.Carrier}}
Tracking number: {{.Shipment.TrackingNumber}}
{{- if .Shipment.TrackingURL}}
Track it here:   {{.Shipment.TrackingURL}}
{{- end}}

Thanks for shopping with us.
`))
	deliveredTmpl = template.Must(template.New("delivered").Parse(`Hi {{.Name}},

Your order {{.Order.ID}} was delivered{{if .Shipment.DeliveredAt}} on {{.Shipment.DeliveredAt.Format "Jan 2, 2006"}}{{end}}.

Tracking number: {{.Shipment.TrackingNumber}}

Thanks for shopping with us.
`))
)

type message struct {
	To      string
	Subject string
	Body    string
}

func render(tmpl *template.Template, subject string, o shipping.Order, sh shipping.Shipment) (message, error) {
	name := o.CustomerName
	if name == "" {
		name = "there"
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, map[string]any{"Name": name, "Order": o, "Shipment": sh}); err != nil {
		return message{}, fmt.Errorf("render %s: %w", tmpl.Name(), err)
	}
	return message{To: o.CustomerEmail, Subject: subject, Body: buf.String()}, nil
}

// SMTPConfig configures the SMTP notifier.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string

	// Timeout bounds one delivery; zero means defaultTimeout.
	Timeout time.Duration
}

const defaultTimeout = 15 * time.Second

// SendFunc delivers one message; it must give up when ctx is done.
type SendFunc func(ctx context.Context, addr string, a smtp.Auth, from string, to []string, msg []byte) error

// SMTP sends plain-text mail through a relay.
type SMTP struct {
	cfg  SMTPConfig
	send SendFunc
	now  func() time.Time
}

func NewSMTP(cfg SMTPConfig) *SMTP {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &SMTP{cfg: cfg, send: sendMail, now: time.Now}
}

// WithSender replaces the transport, mainly for tests.
func (s *SMTP) WithSender(f SendFunc) *SMTP {
	s.send = f
	return s
}

func (s *SMTP) ShipmentCreated(ctx context.Context, o shipping.Order, sh shipping.Shipment) error {
	msg, err := render(createdTmpl, "Your order "+o.ID+" has shipped", o, sh)
	if err != nil {
		return err
	}
	return s.deliver(ctx, msg)
}

func (s *SMTP) ShipmentDelivered(ctx context.Context, o shipping.Order, sh shipping.Shipment) error {
	msg, err := render(deliveredTmpl, "Your order "+o.ID+" was delivered", o, sh)
	if err != nil {
		return err
	}
	return s.deliver(ctx, msg)
}

func (s *SMTP) deliver(ctx context.Context, m message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.ContainsAny(m.To, "\r\n") || strings.ContainsAny(m.Subject, "\r\n") {
		return fmt.Errorf("refusing header with line break for %q", m.To)
	}
	var auth smtp.Auth
	if s.cfg.Username != "" {
		auth = smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
	}
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()
	return s.send(ctx, addr, auth, s.cfg.From, []string{m.To}, s.compose(m))
}

// sendMail is smtp.SendMail with the connection bound to ctx.
func sendMail(ctx context.Context, addr string, a smtp.Auth, from string, to []string, msg []byte) error {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("smtp dial %s: %w", addr, err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			return err
		}
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Unix(1, 0)) })
	defer stop()

	c, err := smtp.NewClient(conn, host)
	if err != nil {
		return fmt.Errorf("smtp greeting: %w", err)
	}
	defer c.Close()
	if ok, _ := c.Extension("STARTTLS"); ok {
		if err := c.StartTLS(&tls.Config{ServerName: host}); err != nil {
			return fmt.Errorf("smtp starttls: %w", err)
		}
	}
	if a != nil {
		if ok, _ := c.Extension("AUTH"); !ok {
			return errors.New("smtp: server doesn't support AUTH")
		}
		if err := c.Auth(a); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}
	if err := c.Mail(from); err != nil {
		return fmt.Errorf("smtp mail: %w", err)
	}
	for _, rcpt := range to {
		if err := c.Rcpt(rcpt); err != nil {
			return fmt.Errorf("smtp rcpt: %w", err)
		}
	}
	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("smtp data: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("smtp data: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("smtp data: %w", err)
	}
	return c.Quit()
}

func (s *SMTP) compose(m message) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "From: %s\r\n", s.cfg.From)
	fmt.Fprintf(&b, "To: %s\r\n", m.To)
	fmt.Fprintf(&b, "Subject: %s\r\n", m.Subject)
	fmt.Fprintf(&b, "Date: %s\r\n", s.now().UTC().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n\r\n")
	b.WriteString(strings.ReplaceAll(m.Body, "\n", "\r\n"))
	return b.Bytes()
}

// Log writes notifications to the service log instead of sending them.
type Log struct {
	logger *zap.Logger
}

func NewLog(logger *zap.Logger) *Log { return &Log{logger: logger} }

func (l *Log) ShipmentCreated(_ context.Context, o shipping.Order, sh shipping.Shipment) error {
	return l.log(createdTmpl, "shipment created", o, sh)
}

func (l *Log) ShipmentDelivered(_ context.Context, o shipping.Order, sh shipping.Shipment) error {
	return l.log(deliveredTmpl, "shipment delivered", o, sh)
}

func (l *Log) log(tmpl *template.Template, subject string, o shipping.Order, sh shipping.Shipment) error {
	msg, err := render(tmpl, subject, o, sh)
	if err != nil {
		return err
	}
	l.logger.Info("customer notification (smtp disabled)",
		zap.String("to", msg.To),
		zap.String("subject", msg.Subject),
		zap.String("store_id", o.StoreID),
		zap.String("shipment_id", sh.ID),
	)
	return nil
}
