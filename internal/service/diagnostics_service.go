package service

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/wetoo/backend/internal/config"
	"github.com/wetoo/backend/internal/mailer"
)

const probeTimeout = 20 * time.Second

// TransportLister отдаёт транспорты в порядке приоритета.
type TransportLister interface {
	Transports() []mailer.Transport
}

// EmailConfigReport - конфигурация доставки без секретов.
type EmailConfigReport struct {
	ActiveChannel   string      `json:"activeChannel"`
	RelayConfigured bool        `json:"relayConfigured"`
	APIConfigured   bool        `json:"apiConfigured"`
	SenderIdentity  string      `json:"senderIdentity"`
	Relay           RelayReport `json:"relay"`
}

type RelayReport struct {
	Host        string `json:"host"`
	Port        int    `json:"port"`
	UserSet     bool   `json:"userSet"`
	PasswordSet bool   `json:"passwordSet"`
}

// ProbeResult - результат проверки одного канала.
type ProbeResult struct {
	Channel   mailer.Channel `json:"channel"`
	OK        bool           `json:"ok"`
	LatencyMs int64          `json:"latencyMs"`
	Error     *ProbeError    `json:"error,omitempty"`
}

type ProbeError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// DiagnosticsService отвечает на административные запросы о состоянии почты.
type DiagnosticsService struct {
	mail       config.MailConfig
	transports TransportLister
	log        logrus.FieldLogger
}

func NewDiagnosticsService(mail config.MailConfig, transports TransportLister, log logrus.FieldLogger) *DiagnosticsService {
	return &DiagnosticsService{
		mail:       mail,
		transports: transports,
		log:        log.WithField("component", "mail_diagnostics"),
	}
}

// EmailConfig описывает текущую конфигурацию. Пароли и ключи не раскрываются.
func (d *DiagnosticsService) EmailConfig() EmailConfigReport {
	report := EmailConfigReport{
		ActiveChannel:   "none",
		RelayConfigured: d.mail.RelayConfigured(),
		APIConfigured:   d.mail.APIConfigured(),
		SenderIdentity:  d.mail.From,
		Relay: RelayReport{
			Host:        d.mail.SMTPHost,
			Port:        d.mail.SMTPPort,
			UserSet:     d.mail.SMTPUser != "",
			PasswordSet: d.mail.SMTPPass != "",
		},
	}
	if ts := d.transports.Transports(); len(ts) > 0 {
		report.ActiveChannel = string(ts[0].Channel())
	}
	return report
}

// Probe проверяет связь с каждым каналом, ничего не отправляя.
func (d *DiagnosticsService) Probe(ctx context.Context) []ProbeResult {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	transports := d.transports.Transports()
	results := make([]ProbeResult, 0, len(transports))
	for _, t := range transports {
		started := time.Now()
		res, err := t.CheckHealth(ctx)

		out := ProbeResult{Channel: t.Channel(), OK: err == nil}
		if res != nil {
			out.LatencyMs = res.Latency.Milliseconds()
		} else {
			out.LatencyMs = time.Since(started).Milliseconds()
		}
		if err != nil {
			out.Error = &ProbeError{Message: err.Error()}
			var te *mailer.TransportError
			if errors.As(err, &te) {
				out.Error.Code = te.Code
			}
		}

		d.log.WithFields(logrus.Fields{
			"channel":    out.Channel,
			"ok":         out.OK,
			"latency_ms": out.LatencyMs,
		}).Info("mail transport probed")
		results = append(results, out)
	}
	return results
}
