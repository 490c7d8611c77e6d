package queue

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"net/textproto"
	"strings"
	"sync"
	"time"
)

// Transport hands a message to the outside world. Implementations are
// external collaborators; the queue only needs at-least-once semantics
// and error classification via IsTemporaryFailure.
type Transport interface {
	// Deliver sends the message for one job. Blocking is expected; the
	// dispatcher calls it outside any queue lock with a deadline context.
	Deliver(ctx context.Context, job Job) error

	// Name identifies the transport in logs and events
	Name() string
}

// SMTPConfig configures the SMTP transport
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	UseTLS   bool
}

// SMTPTransport delivers messages over SMTP. This is a thin adapter;
// protocol-level concerns (DKIM, MX resolution, connection pooling)
// belong to a full MTA downstream.
type SMTPTransport struct {
	cfg SMTPConfig
}

// NewSMTPTransport creates an SMTP transport
func NewSMTPTransport(cfg SMTPConfig) *SMTPTransport {
	if cfg.Port == 0 {
		cfg.Port = 25
	}
	return &SMTPTransport{cfg: cfg}
}

// Name implements Transport
func (t *SMTPTransport) Name() string { return "smtp" }

// Deliver implements Transport
func (t *SMTPTransport) Deliver(ctx context.Context, job Job) error {
	addr := net.JoinHostPort(t.cfg.Host, fmt.Sprintf("%d", t.cfg.Port))

	dialer := &net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return TransientError(fmt.Errorf("failed to connect to %s: %w", addr, err))
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	client, err := smtp.NewClient(conn, t.cfg.Host)
	if err != nil {
		conn.Close()
		return TransientError(fmt.Errorf("smtp handshake failed: %w", err))
	}
	defer client.Close()

	if t.cfg.UseTLS {
		if ok, _ := client.Extension("STARTTLS"); ok {
			if err := client.StartTLS(&tls.Config{ServerName: t.cfg.Host}); err != nil {
				return TransientError(fmt.Errorf("starttls failed: %w", err))
			}
		}
	}

	if t.cfg.Username != "" {
		auth := smtp.PlainAuth("", t.cfg.Username, t.cfg.Password, t.cfg.Host)
		if err := client.Auth(auth); err != nil {
			return classifySMTPError("auth", err)
		}
	}

	if err := client.Mail(t.cfg.From); err != nil {
		return classifySMTPError("mail from", err)
	}
	if err := client.Rcpt(job.Recipient); err != nil {
		return classifySMTPError("rcpt to", err)
	}

	w, err := client.Data()
	if err != nil {
		return classifySMTPError("data", err)
	}

	msg := buildMessage(t.cfg.From, job)
	if _, err := w.Write([]byte(msg)); err != nil {
		w.Close()
		return TransientError(fmt.Errorf("failed to write message body: %w", err))
	}
	if err := w.Close(); err != nil {
		return classifySMTPError("data close", err)
	}

	return client.Quit()
}

// classifySMTPError maps SMTP reply codes onto the retry taxonomy:
// 4xx temporary, 5xx permanent, everything else temporary.
func classifySMTPError(stage string, err error) error {
	var proto *textproto.Error
	if ok := asTextprotoError(err, &proto); ok {
		wrapped := fmt.Errorf("smtp %s rejected: %w", stage, err)
		if proto.Code >= 500 {
			return PermanentError(wrapped)
		}
		return TransientError(wrapped)
	}
	return TransientError(fmt.Errorf("smtp %s failed: %w", stage, err))
}

func asTextprotoError(err error, target **textproto.Error) bool {
	for err != nil {
		if te, ok := err.(*textproto.Error); ok {
			*target = te
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

func buildMessage(from string, job Job) string {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", job.Recipient)
	fmt.Fprintf(&b, "Subject: %s\r\n", sanitizeHeader(job.Subject))
	fmt.Fprintf(&b, "Date: %s\r\n", time.Now().Format(time.RFC1123Z))
	fmt.Fprintf(&b, "X-Campaign-ID: %s\r\n", sanitizeHeader(job.CampaignID))
	b.WriteString("MIME-Version: 1.0\r\nContent-Type: text/html; charset=utf-8\r\n\r\n")
	b.WriteString(job.Body)
	b.WriteString("\r\n")
	return b.String()
}

// sanitizeHeader strips CR/LF so job fields cannot inject headers
func sanitizeHeader(s string) string {
	s = strings.ReplaceAll(s, "\r", " ")
	return strings.ReplaceAll(s, "\n", " ")
}

// MockTransport is an in-process transport for tests and local runs.
// The zero value accepts everything; set DeliverFunc to script outcomes.
type MockTransport struct {
	mu          sync.Mutex
	delivered   []Job
	DeliverFunc func(ctx context.Context, job Job) error
}

// NewMockTransport creates a transport that accepts every message
func NewMockTransport() *MockTransport {
	return &MockTransport{}
}

// Name implements Transport
func (t *MockTransport) Name() string { return "mock" }

// Deliver implements Transport
func (t *MockTransport) Deliver(ctx context.Context, job Job) error {
	if t.DeliverFunc != nil {
		if err := t.DeliverFunc(ctx, job); err != nil {
			return err
		}
	}

	t.mu.Lock()
	t.delivered = append(t.delivered, job)
	t.mu.Unlock()
	return nil
}

// Delivered returns a copy of the jobs accepted so far
func (t *MockTransport) Delivered() []Job {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Job(nil), t.delivered...)
}
