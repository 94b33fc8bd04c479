package mailer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/mail"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/sendgrid/rest"
	"github.com/sendgrid/sendgrid-go"
	sgmail "github.com/sendgrid/sendgrid-go/helpers/mail"
)

const (
	sendGridDefaultHost = "https://api.sendgrid.com"
	sendGridSendPath    = "/v3/mail/send"
	sendGridScopesPath  = "/v3/scopes"
	defaultAPITimeout   = 10 * time.Second
	maxErrorDetail      = 200
)

type SendGridConfig struct {
	APIKey  string
	BaseURL string
	From    string
	Timeout time.Duration
}

// SendGridTransport issues exactly one API request per call; the SDK's own
// rate-limit retry loop is bypassed by talking to rest.Client directly.
type SendGridTransport struct {
	cfg    SendGridConfig
	from   *sgmail.Email
	client *rest.Client
}

func NewSendGridTransport(cfg SendGridConfig) (*SendGridTransport, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("mailer: sendgrid api key is empty")
	}
	from, err := mail.ParseAddress(cfg.From)
	if err != nil {
		return nil, fmt.Errorf("mailer: bad sender %q: %w", cfg.From, err)
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = sendGridDefaultHost
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultAPITimeout
	}

	return &SendGridTransport{
		cfg:    cfg,
		from:   sgmail.NewEmail(from.Name, from.Address),
		client: &rest.Client{HTTPClient: &http.Client{Timeout: cfg.Timeout}},
	}, nil
}

func (t *SendGridTransport) Channel() Channel {
	return ChannelSendGrid
}

func (t *SendGridTransport) Send(ctx context.Context, msg Message) (*Receipt, error) {
	if err := validateMessage(ChannelSendGrid, msg); err != nil {
		return nil, err
	}

	m := sgmail.NewV3Mail()
	m.SetFrom(t.from)
	m.Subject = msg.Subject
	p := sgmail.NewPersonalization()
	p.AddTos(sgmail.NewEmail("", msg.To))
	m.AddPersonalizations(p)
	if msg.Text != "" {
		m.AddContent(sgmail.NewContent("text/plain", msg.Text))
	}
	if msg.HTML != "" {
		m.AddContent(sgmail.NewContent("text/html", msg.HTML))
	}

	req := sendgrid.GetRequest(t.cfg.APIKey, sendGridSendPath, t.cfg.BaseURL)
	req.Method = rest.Post
	req.Body = sgmail.GetRequestBody(m)

	resp, err := t.do(ctx, "send", req)
	if err != nil {
		return nil, err
	}
	return &Receipt{
		Channel:    ChannelSendGrid,
		MessageID:  http.Header(resp.Headers).Get("X-Message-Id"),
		AcceptedAt: time.Now(),
	}, nil
}

// CheckHealth lists the key's scopes, which proves both reachability and a valid key.
func (t *SendGridTransport) CheckHealth(ctx context.Context) (*HealthResult, error) {
	started := time.Now()
	req := sendgrid.GetRequest(t.cfg.APIKey, sendGridScopesPath, t.cfg.BaseURL)
	req.Method = rest.Get

	_, err := t.do(ctx, "health", req)
	return &HealthResult{Channel: ChannelSendGrid, Latency: time.Since(started)}, err
}

func (t *SendGridTransport) do(ctx context.Context, op string, req rest.Request) (*rest.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, t.cfg.Timeout)
	defer cancel()

	resp, err := t.client.SendWithContext(ctx, req)
	if err != nil {
		te := &TransportError{Channel: ChannelSendGrid, Op: op, Code: CodeNetwork, Retryable: true, Err: err}
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			te.Code = CodeTimeout
		}
		return nil, te
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}

	te := &TransportError{
		Channel: ChannelSendGrid,
		Op:      op,
		Code:    strconv.Itoa(resp.StatusCode),
		Err:     fmt.Errorf("sendgrid responded %d: %s", resp.StatusCode, apiErrorDetail(resp.Body)),
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		te.Retryable = true
		te.RetryAfter = parseRetryAfter(http.Header(resp.Headers).Get("Retry-After"))
	}
	return nil, te
}

func isTimeout(err error) bool {
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}

// apiErrorDetail extracts the first message from the v3 error envelope.
func apiErrorDetail(body string) string {
	var envelope struct {
		Errors []struct {
			Message string `json:"message"`
			Field   string `json:"field"`
		} `json:"errors"`
	}
	if err := json.Unmarshal([]byte(body), &envelope); err == nil && len(envelope.Errors) > 0 {
		e := envelope.Errors[0]
		if e.Field != "" {
			return e.Field + ": " + e.Message
		}
		return e.Message
	}
	return truncateRunes(body, maxErrorDetail)
}

// truncateRunes cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncateRunes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
