package config

import (
	"errors"
	"fmt"
	"log"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/joho/godotenv"
)

// ErrDeliveryMisconfigured возвращается, если не настроен ни SMTP relay, ни SendGrid.
var ErrDeliveryMisconfigured = errors.New("config: не настроен ни один канал доставки почты (SMTP_HOST или SENDGRID_API_KEY)")

// Config хранит все параметры запуска приложения.
type Config struct {
	Env             string
	HTTPPort        string
	LogLevel        string
	DatabaseURL     string
	MigrationsPath  string
	OTPStore        string
	RedisURL        string
	AllowedOrigins  []string
	RateLimitLimit  int64
	RateLimitPeriod time.Duration

	Mail        MailConfig
	OTP         OTPConfig
	Diagnostics DiagnosticsConfig
}

// MailConfig - настройки каналов доставки.
type MailConfig struct {
	From string

	SMTPHost           string
	SMTPPort           int
	SMTPUser           string
	SMTPPass           string
	SMTPRequireTLS     bool
	SMTPTLSInsecure    bool
	SMTPConnectTimeout time.Duration
	SMTPGreetTimeout   time.Duration
	SMTPRespTimeout    time.Duration

	SendGridAPIKey  string
	SendGridBaseURL string
	SendGridTimeout time.Duration
}

// RelayConfigured сообщает, задан ли SMTP relay.
func (m MailConfig) RelayConfigured() bool {
	return m.SMTPHost != ""
}

// APIConfigured сообщает, задан ли ключ SendGrid.
func (m MailConfig) APIConfigured() bool {
	return m.SendGridAPIKey != ""
}

// OTPConfig - параметры выпуска и проверки одноразовых кодов.
type OTPConfig struct {
	TTL            time.Duration
	CodeLength     int
	CodeAlphabet   string
	MaxAttempts    int
	ResendCooldown time.Duration
	Window         time.Duration
	MaxPerWindow   int64
	HashSecret     string
	ReapInterval   time.Duration
	Retention      time.Duration
}

// DiagnosticsConfig - доступ к административной диагностике почты.
type DiagnosticsConfig struct {
	Enabled bool
	Token   string
}

// Load читает переменные окружения и возвращает готовую конфигурацию.
func Load() (*Config, error) {
	// Загружаем .env только если он существует, иначе используем системные переменные.
	if err := godotenv.Load(".env"); err != nil {
		log.Printf("config: .env не найден, используем переменные окружения: %v", err)
	}

	env := getEnv("APP_ENV", "development")

	cfg := &Config{
		Env:            env,
		HTTPPort:       getEnv("HTTP_PORT", "8080"),
		LogLevel:       getEnv("LOG_LEVEL", ""),
		DatabaseURL:    getDatabaseURL(),
		MigrationsPath: getEnv("MIGRATIONS_PATH", ""),
		OTPStore:       strings.ToLower(getEnv("OTP_STORE", "postgres")),
		RedisURL:       getEnv("REDIS_URL", ""),
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
		if env == "development" {
			cfg.LogLevel = "debug"
		}
	}

	// CORS allowed origins
	originsStr := getEnv("CORS_ALLOWED_ORIGINS", "")
	if originsStr == "" {
		if env == "production" {
			return nil, fmt.Errorf("config: CORS_ALLOWED_ORIGINS обязателен в production")
		}
		cfg.AllowedOrigins = []string{"http://localhost:3000", "http://localhost:5173"}
	} else {
		cfg.AllowedOrigins = strings.Split(originsStr, ",")
		for i, origin := range cfg.AllowedOrigins {
			cfg.AllowedOrigins[i] = strings.TrimSpace(origin)
		}
	}

	var err error
	if cfg.RateLimitLimit, err = parseInt64("RATE_LIMIT_LIMIT", "10"); err != nil {
		return nil, err
	}
	if cfg.RateLimitPeriod, err = parseDuration("RATE_LIMIT_PERIOD", "1m"); err != nil {
		return nil, err
	}

	if cfg.Mail, err = loadMail(env); err != nil {
		return nil, err
	}
	if cfg.OTP, err = loadOTP(env); err != nil {
		return nil, err
	}

	cfg.Diagnostics = DiagnosticsConfig{
		Enabled: getEnv("ENABLE_ADMIN_ROUTES", "false") == "true",
		Token:   getEnv("MAIL_DIAG_TOKEN", ""),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadMail(env string) (MailConfig, error) {
	m := MailConfig{
		From:            getEnv("EMAIL_FROM", "WE TOO <noreply@wetoo.local>"),
		SMTPHost:        getEnv("SMTP_HOST", ""),
		SMTPUser:        getEnv("SMTP_USER", ""),
		SMTPPass:        getEnv("SMTP_PASS", ""),
		SMTPRequireTLS:  getEnv("SMTP_REQUIRE_TLS", "false") == "true",
		SMTPTLSInsecure: getEnv("SMTP_TLS_INSECURE", "false") == "true",
		SendGridAPIKey:  getEnv("SENDGRID_API_KEY", ""),
		SendGridBaseURL: getEnv("SENDGRID_BASE_URL", "https://api.sendgrid.com"),
	}
	// В development по умолчанию используем локальный mailhog.
	if m.SMTPHost == "" && env == "development" {
		m.SMTPHost = "localhost"
	}

	port, err := parseInt64("SMTP_PORT", "1025")
	if err != nil {
		return m, err
	}
	m.SMTPPort = int(port)

	if m.SMTPConnectTimeout, err = parseDuration("SMTP_CONNECT_TIMEOUT", "10s"); err != nil {
		return m, err
	}
	if m.SMTPGreetTimeout, err = parseDuration("SMTP_GREETING_TIMEOUT", "10s"); err != nil {
		return m, err
	}
	if m.SMTPRespTimeout, err = parseDuration("SMTP_RESPONSE_TIMEOUT", "15s"); err != nil {
		return m, err
	}
	if m.SendGridTimeout, err = parseDuration("SENDGRID_TIMEOUT", "10s"); err != nil {
		return m, err
	}
	return m, nil
}

func loadOTP(env string) (OTPConfig, error) {
	o := OTPConfig{
		CodeAlphabet: getEnv("OTP_CODE_ALPHABET", "0123456789"),
		HashSecret:   getEnv("OTP_HASH_SECRET", ""),
	}

	var err error
	if o.TTL, err = parseDuration("OTP_TTL", "10m"); err != nil {
		return o, err
	}
	if o.ResendCooldown, err = parseDuration("OTP_RESEND_COOLDOWN", "45s"); err != nil {
		return o, err
	}
	if o.Window, err = parseDuration("OTP_WINDOW", "10m"); err != nil {
		return o, err
	}
	if o.ReapInterval, err = parseDuration("OTP_REAP_INTERVAL", "15m"); err != nil {
		return o, err
	}
	if o.Retention, err = parseDuration("OTP_RETENTION", "24h"); err != nil {
		return o, err
	}

	length, err := parseInt64("OTP_CODE_LENGTH", "6")
	if err != nil {
		return o, err
	}
	o.CodeLength = int(length)

	attempts, err := parseInt64("OTP_MAX_ATTEMPTS", "5")
	if err != nil {
		return o, err
	}
	o.MaxAttempts = int(attempts)

	if o.MaxPerWindow, err = parseInt64("OTP_MAX_PER_WINDOW", "5"); err != nil {
		return o, err
	}

	if o.HashSecret == "" {
		if env == "production" {
			return o, fmt.Errorf("config: OTP_HASH_SECRET обязателен в production")
		}
		o.HashSecret = "otp-hash-secret-development-only-change-in-production"
		log.Printf("config: WARNING - используется дефолтный OTP_HASH_SECRET, измените в production!")
	}
	return o, nil
}

// Validate проверяет согласованность настроек. Ошибка здесь фатальна при старте.
func (c *Config) Validate() error {
	if !c.Mail.RelayConfigured() && !c.Mail.APIConfigured() {
		return ErrDeliveryMisconfigured
	}
	if c.Mail.RelayConfigured() && (c.Mail.SMTPPort <= 0 || c.Mail.SMTPPort > 65535) {
		return fmt.Errorf("config: некорректный SMTP_PORT %d", c.Mail.SMTPPort)
	}
	if c.OTP.CodeLength < 4 || c.OTP.CodeLength > 32 {
		return fmt.Errorf("config: OTP_CODE_LENGTH должен быть от 4 до 32, получено %d", c.OTP.CodeLength)
	}
	if !utf8.ValidString(c.OTP.CodeAlphabet) || utf8.RuneCountInString(c.OTP.CodeAlphabet) < 2 {
		return fmt.Errorf("config: OTP_CODE_ALPHABET должен содержать минимум 2 символа в UTF-8")
	}
	if c.OTP.TTL <= 0 || c.OTP.TTL > time.Hour {
		return fmt.Errorf("config: OTP_TTL должен быть в пределах (0, 1h], получено %s", c.OTP.TTL)
	}
	if c.OTP.MaxAttempts <= 0 {
		return fmt.Errorf("config: OTP_MAX_ATTEMPTS должен быть положительным")
	}
	if c.OTPStore != "postgres" && c.OTPStore != "memory" {
		return fmt.Errorf("config: неизвестный OTP_STORE %q", c.OTPStore)
	}
	if c.Diagnostics.Enabled && c.Diagnostics.Token == "" {
		return fmt.Errorf("config: MAIL_DIAG_TOKEN обязателен при ENABLE_ADMIN_ROUTES=true")
	}
	return nil
}

// getEnv возвращает значение переменной окружения или дефолт.
func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

// getDatabaseURL возвращает DATABASE_URL либо из переменной, либо собирает из отдельных переменных.
func getDatabaseURL() string {
	if dbURL := getEnv("DATABASE_URL", ""); dbURL != "" {
		return dbURL
	}

	host := getEnv("POSTGRESQL_HOST", "")
	port := getEnv("POSTGRESQL_PORT", "5432")
	user := getEnv("POSTGRESQL_USER", "")
	password := getEnv("POSTGRESQL_PASSWORD", "")
	dbname := getEnv("POSTGRESQL_DBNAME", "")

	if host != "" && user != "" && dbname != "" {
		userInfo := url.UserPassword(user, password)
		return fmt.Sprintf("postgres://%s@%s:%s/%s?sslmode=disable",
			userInfo.String(), host, port, dbname)
	}

	return "postgres://backend_wetoo_user@localhost:5432/backend_wetoo?sslmode=disable"
}

// parseDuration читает длительность из окружения.
func parseDuration(key, fallback string) (time.Duration, error) {
	v := getEnv(key, fallback)
	dur, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("config: не удалось распарсить длительность %s=%q: %w", key, v, err)
	}
	return dur, nil
}

// parseInt64 читает целое число из окружения.
func parseInt64(key, fallback string) (int64, error) {
	v := getEnv(key, fallback)
	num, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("config: не удалось распарсить число %s=%q: %w", key, v, err)
	}
	return num, nil
}
