package router

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/ulule/limiter/v3"

	"github.com/wetoo/backend/internal/config"
	"github.com/wetoo/backend/internal/http/handlers"
	"github.com/wetoo/backend/internal/http/middleware"
)

// SetupRouter собирает HTTP поверхность. adminHandler равен nil, если
// административные маршруты выключены: тогда они отвечают обычным 404.
func SetupRouter(
	cfg *config.Config,
	log logrus.FieldLogger,
	limiterStore limiter.Store,
	otpHandler *handlers.OTPHandler,
	adminHandler *handlers.AdminHandler,
	healthHandler *handlers.HealthHandler,
) *gin.Engine {
	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.Default()
	r.Use(middleware.ErrorHandler(log))
	r.Use(middleware.CORSMiddleware(cfg.AllowedOrigins))

	r.GET("/health", healthHandler.Health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api")
	rateLimit := middleware.RateLimitMiddleware(limiterStore, cfg.RateLimitLimit, cfg.RateLimitPeriod)

	otpGroup := api.Group("/otp")
	otpGroup.Use(rateLimit)
	{
		otpGroup.POST("/request", otpHandler.Request)
		otpGroup.POST("/verify", otpHandler.Verify)
		otpGroup.POST("/reset", otpHandler.Reset)
	}

	// Старые пути восстановления пароля.
	forgot := api.Group("/auth/forgot")
	forgot.Use(rateLimit)
	{
		forgot.POST("", otpHandler.Forgot)
		forgot.POST("/verify", otpHandler.ForgotVerify)
		forgot.POST("/reset", otpHandler.ForgotReset)
	}

	if cfg.Diagnostics.Enabled && adminHandler != nil {
		admin := api.Group("/admin")
		admin.Use(middleware.AdminToken(cfg.Diagnostics.Token))
		{
			admin.GET("/email-config", adminHandler.EmailConfig)
			admin.GET("/email-verify", adminHandler.EmailVerify)
		}
	}

	return r
}
