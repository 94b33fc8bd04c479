package mailer

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/mail"
	"net/smtp"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/gomail.v2"
)

const (
	implicitTLSPort       = 465
	defaultSMTPPhaseLimit = 15 * time.Second
)

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string

	RequireTLS  bool
	TLSInsecure bool

	ConnectTimeout  time.Duration
	GreetingTimeout time.Duration
	ResponseTimeout time.Duration
}

// SMTPTransport talks to a relay over a fresh connection per call.
type SMTPTransport struct {
	cfg  SMTPConfig
	from *mail.Address
	tls  *tls.Config
}

func NewSMTPTransport(cfg SMTPConfig) (*SMTPTransport, error) {
	if cfg.Host == "" {
		return nil, errors.New("mailer: smtp host is empty")
	}
	from, err := mail.ParseAddress(cfg.From)
	if err != nil {
		return nil, fmt.Errorf("mailer: bad sender %q: %w", cfg.From, err)
	}
	for _, d := range []*time.Duration{&cfg.ConnectTimeout, &cfg.GreetingTimeout, &cfg.ResponseTimeout} {
		if *d <= 0 {
			*d = defaultSMTPPhaseLimit
		}
	}

	return &SMTPTransport{
		cfg:  cfg,
		from: from,
		tls: &tls.Config{
			ServerName:         cfg.Host,
			InsecureSkipVerify: cfg.TLSInsecure, //nolint:gosec
			MinVersion:         tls.VersionTLS12,
		},
	}, nil
}

func (t *SMTPTransport) Channel() Channel {
	return ChannelSMTP
}

// Send runs MAIL, RCPT and DATA on a new session. QUIT failures after DATA
// was accepted are ignored.
func (t *SMTPTransport) Send(ctx context.Context, msg Message) (*Receipt, error) {
	if err := validateMessage(ChannelSMTP, msg); err != nil {
		return nil, err
	}
	to, _ := mail.ParseAddress(msg.To)

	s, err := t.open(ctx)
	if err != nil {
		return nil, err
	}
	defer s.close()

	c := s.client
	if err := s.run("mail", func() error { return c.Mail(t.from.Address) }); err != nil {
		return nil, err
	}
	if err := s.run("rcpt", func() error { return c.Rcpt(to.Address) }); err != nil {
		return nil, err
	}

	id := t.messageID()
	err = s.run("data", func() error {
		w, err := c.Data()
		if err != nil {
			return err
		}
		if _, err := t.compose(msg, id).WriteTo(w); err != nil {
			_ = w.Close()
			return err
		}
		return w.Close()
	})
	if err != nil {
		return nil, err
	}
	_ = s.run("quit", c.Quit)

	return &Receipt{Channel: ChannelSMTP, MessageID: id, AcceptedAt: time.Now()}, nil
}

// CheckHealth performs the handshake up to authentication and quits.
func (t *SMTPTransport) CheckHealth(ctx context.Context) (*HealthResult, error) {
	started := time.Now()
	res := &HealthResult{Channel: ChannelSMTP}

	s, err := t.open(ctx)
	if err != nil {
		res.Latency = time.Since(started)
		return res, err
	}
	defer s.close()

	err = s.run("quit", s.client.Quit)
	res.Latency = time.Since(started)
	return res, err
}

func (t *SMTPTransport) compose(msg Message, id string) *gomail.Message {
	m := gomail.NewMessage()
	m.SetAddressHeader("From", t.from.Address, t.from.Name)
	m.SetHeader("To", msg.To)
	m.SetHeader("Subject", msg.Subject)
	m.SetHeader("Message-ID", "<"+id+">")
	m.SetDateHeader("Date", time.Now())

	switch {
	case msg.Text != "" && msg.HTML != "":
		m.SetBody("text/plain", msg.Text)
		m.AddAlternative("text/html", msg.HTML)
	case msg.Text != "":
		m.SetBody("text/plain", msg.Text)
	default:
		m.SetBody("text/html", msg.HTML)
	}
	return m
}

func (t *SMTPTransport) messageID() string {
	domain := "localhost"
	if at := strings.LastIndexByte(t.from.Address, '@'); at >= 0 {
		domain = t.from.Address[at+1:]
	}
	return uuid.NewString() + "@" + domain
}

// open dials, reads the greeting, upgrades to TLS and authenticates.
func (t *SMTPTransport) open(ctx context.Context) (*smtpSession, error) {
	addr := net.JoinHostPort(t.cfg.Host, strconv.Itoa(t.cfg.Port))
	dialer := net.Dialer{Timeout: t.cfg.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, t.fail("connect", err)
	}

	implicitTLS := t.cfg.Port == implicitTLSPort
	if implicitTLS {
		// Handshake runs on the first read, under the greeting deadline.
		conn = tls.Client(conn, t.tls)
	}

	s := &smtpSession{t: t, ctx: ctx, conn: conn}
	s.stop = context.AfterFunc(ctx, func() { _ = conn.Close() })

	if err := s.deadline(t.cfg.GreetingTimeout); err != nil {
		s.close()
		return nil, t.fail("greeting", err)
	}
	client, err := smtp.NewClient(conn, t.cfg.Host)
	if err != nil {
		s.close()
		return nil, t.fail("greeting", s.cause(err))
	}
	s.client = client

	if err := s.run("ehlo", func() error { return client.Hello("localhost") }); err != nil {
		s.close()
		return nil, err
	}

	if !implicitTLS {
		if ok, _ := client.Extension("STARTTLS"); ok {
			if err := s.run("starttls", func() error { return client.StartTLS(t.tls) }); err != nil {
				s.close()
				return nil, err
			}
		} else if t.cfg.RequireTLS {
			s.close()
			return nil, &TransportError{
				Channel: ChannelSMTP,
				Op:      "starttls",
				Code:    CodeTLSRequired,
				Err:     errors.New("relay does not advertise STARTTLS"),
			}
		}
	}

	if t.cfg.Username != "" && t.cfg.Password != "" {
		auth := smtp.PlainAuth("", t.cfg.Username, t.cfg.Password, t.cfg.Host)
		if err := s.run("auth", func() error { return client.Auth(auth) }); err != nil {
			s.close()
			return nil, err
		}
	}
	return s, nil
}

func (t *SMTPTransport) fail(op string, err error) *TransportError {
	te := &TransportError{Channel: ChannelSMTP, Op: op, Err: err}

	var reply *textproto.Error
	var netErr net.Error
	switch {
	case errors.As(err, &reply):
		te.Code = strconv.Itoa(reply.Code)
		te.Retryable = reply.Code >= 400 && reply.Code < 500
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr) && netErr.Timeout():
		te.Code = CodeTimeout
		te.Retryable = true
	case errors.As(err, &netErr), errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, net.ErrClosed), errors.Is(err, context.Canceled):
		te.Code = CodeNetwork
		te.Retryable = true
	default:
		te.Code = "protocol"
	}
	return te
}

// smtpSession bounds every protocol step with its own connection deadline,
// capped by the caller's context deadline.
type smtpSession struct {
	t      *SMTPTransport
	ctx    context.Context
	conn   net.Conn
	client *smtp.Client
	stop   func() bool
}

func (s *smtpSession) deadline(limit time.Duration) error {
	dl := time.Now().Add(limit)
	if ctxDl, ok := s.ctx.Deadline(); ok && ctxDl.Before(dl) {
		dl = ctxDl
	}
	return s.conn.SetDeadline(dl)
}

func (s *smtpSession) run(op string, fn func() error) error {
	if err := s.deadline(s.t.cfg.ResponseTimeout); err != nil {
		return s.t.fail(op, s.cause(err))
	}
	if err := fn(); err != nil {
		return s.t.fail(op, s.cause(err))
	}
	return nil
}

// cause prefers the context error over the "closed connection" it triggered.
func (s *smtpSession) cause(err error) error {
	if ctxErr := s.ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return err
}

func (s *smtpSession) close() {
	s.stop()
	if s.client != nil {
		_ = s.client.Close()
		return
	}
	_ = s.conn.Close()
}
