package main

import (
	"context"
	"errors"
	"io/fs"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"

	"github.com/wetoo/backend/internal/config"
	"github.com/wetoo/backend/internal/db"
	"github.com/wetoo/backend/internal/goroutine"
	httpHandlers "github.com/wetoo/backend/internal/http/handlers"
	httpRouter "github.com/wetoo/backend/internal/http/router"
	"github.com/wetoo/backend/internal/logger"
	"github.com/wetoo/backend/internal/mailer"
	"github.com/wetoo/backend/internal/otp"
	"github.com/wetoo/backend/internal/repository"
	"github.com/wetoo/backend/internal/service"
)

// errCredentialsUnavailable возвращается при сбросе пароля без базы аккаунтов.
var errCredentialsUnavailable = errors.New("credential store is not configured")

type noCredentials struct{}

func (noCredentials) UpdateCredential(context.Context, string, string) error {
	return errCredentialsUnavailable
}

func main() {
	// Готовим контекст для graceful shutdown.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("main: ошибка загрузки конфигурации: %v", err)
	}

	appLog := logger.New(cfg.LogLevel, cfg.Env)

	// Хранилище кодов.
	var (
		dbConn *sqlx.DB
		store  otp.Store
		creds  service.CredentialUpdater = noCredentials{}
	)
	switch cfg.OTPStore {
	case "memory":
		appLog.Warn("main: коды хранятся в памяти процесса, сброс пароля недоступен")
		store = repository.NewOTPMemoryRepository()
	default:
		dbConn, err = db.NewPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			appLog.WithError(err).Fatal("main: ошибка подключения к базе")
		}
		defer safeClose(appLog, dbConn)

		var migrations fs.FS = db.Migrations()
		if cfg.MigrationsPath != "" {
			migrations = os.DirFS(cfg.MigrationsPath)
		}
		if err := db.RunMigrations(ctx, dbConn, migrations); err != nil {
			appLog.WithError(err).Fatal("main: ошибка миграций")
		}
		store = repository.NewOTPRepository(dbConn)
		creds = repository.NewCredentialRepository(dbConn)
	}

	gen, err := otp.NewRandomGenerator(cfg.OTP.CodeLength, cfg.OTP.CodeAlphabet)
	if err != nil {
		appLog.WithError(err).Fatal("main: некорректные параметры генератора кодов")
	}
	hasher, err := otp.NewCodeHasher(cfg.OTP.HashSecret)
	if err != nil {
		appLog.WithError(err).Fatal("main: некорректный секрет кодов")
	}
	ledger := otp.NewLedger(store, gen, hasher, otp.Config{TTL: cfg.OTP.TTL, MaxAttempts: cfg.OTP.MaxAttempts}, appLog)

	orchestrator, err := buildMailer(cfg.Mail, appLog)
	if err != nil {
		appLog.WithError(err).Fatal("main: почта не настроена")
	}

	limiterStore, closeLimiter, err := service.NewLimiterStore(ctx, cfg.RedisURL, appLog)
	if err != nil {
		appLog.WithError(err).Fatal("main: не удалось подготовить хранилище лимитов")
	}
	defer func() {
		if err := closeLimiter(); err != nil {
			appLog.WithError(err).Warn("main: ошибка закрытия хранилища лимитов")
		}
	}()
	cooldown := service.NewCooldown(limiterStore, cfg.OTP.ResendCooldown, cfg.OTP.Window, cfg.OTP.MaxPerWindow)

	// Сервисы.
	tasks := goroutine.NewRecoveryHandler(appLog)
	verificationService := service.NewVerificationService(ledger, orchestrator, cooldown, creds, tasks, appLog)
	diagnosticsService := service.NewDiagnosticsService(cfg.Mail, orchestrator, appLog)
	service.NewOTPReaper(ledger, cfg.OTP.ReapInterval, cfg.OTP.Retention, tasks, appLog).Start(ctx)

	// HTTP слой.
	otpHandler := httpHandlers.NewOTPHandler(verificationService)
	healthHandler := httpHandlers.NewHealthHandler(dbConn, string(orchestrator.Primary()))
	var adminHandler *httpHandlers.AdminHandler
	if cfg.Diagnostics.Enabled {
		adminHandler = httpHandlers.NewAdminHandler(diagnosticsService)
	}

	engine := httpRouter.SetupRouter(cfg, appLog, limiterStore, otpHandler, adminHandler, healthHandler)

	server := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Завершаем сервер при получении сигнала.
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			appLog.WithError(err).Error("main: ошибка остановки http сервера")
		}
	}()

	appLog.WithFields(logrus.Fields{
		"port":    cfg.HTTPPort,
		"store":   cfg.OTPStore,
		"channel": orchestrator.Primary(),
	}).Info("main: HTTP сервер запущен")

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		appLog.WithError(err).Fatal("main: сервер завершился с ошибкой")
	}
}

// buildMailer собирает каналы доставки: SendGrid, если задан ключ, затем SMTP relay.
func buildMailer(mail config.MailConfig, log logrus.FieldLogger) (*mailer.Orchestrator, error) {
	var transports []mailer.Transport

	if mail.APIConfigured() {
		sg, err := mailer.NewSendGridTransport(mailer.SendGridConfig{
			APIKey:  mail.SendGridAPIKey,
			BaseURL: mail.SendGridBaseURL,
			From:    mail.From,
			Timeout: mail.SendGridTimeout,
		})
		if err != nil {
			return nil, err
		}
		transports = append(transports, sg)
	}

	if mail.RelayConfigured() {
		relay, err := mailer.NewSMTPTransport(mailer.SMTPConfig{
			Host:            mail.SMTPHost,
			Port:            mail.SMTPPort,
			Username:        mail.SMTPUser,
			Password:        mail.SMTPPass,
			From:            mail.From,
			RequireTLS:      mail.SMTPRequireTLS,
			TLSInsecure:     mail.SMTPTLSInsecure,
			ConnectTimeout:  mail.SMTPConnectTimeout,
			GreetingTimeout: mail.SMTPGreetTimeout,
			ResponseTimeout: mail.SMTPRespTimeout,
		})
		if err != nil {
			return nil, err
		}
		transports = append(transports, relay)
	}

	return mailer.NewOrchestrator(log, transports...)
}

// safeClose закрывает соединение с базой.
func safeClose(log logrus.FieldLogger, conn *sqlx.DB) {
	if err := conn.Close(); err != nil {
		log.WithError(err).Error("main: ошибка закрытия базы")
	}
}
