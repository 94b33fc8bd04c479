package middleware

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/wetoo/backend/internal/http/response"
	"github.com/wetoo/backend/internal/pkg/apperror"
)

// ErrorHandler обрабатывает ошибки централизованно.
// Handler кладёт ошибку в c.Error, middleware логирует её и отдаёт клиенту безопасный ответ.
func ErrorHandler(log logrus.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}

		err := c.Errors.Last().Err
		var appErr *apperror.AppError
		if !errors.As(err, &appErr) && (errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)) {
			err = apperror.Wrap(err, apperror.ErrCodeTimeout, apperror.ErrTimeout.Message)
		}
		status := http.StatusInternalServerError
		code := string(apperror.ErrCodeInternal)
		if errors.As(err, &appErr) {
			status = appErr.HTTPStatus
			code = string(appErr.Code)
		}

		entry := log.WithFields(logrus.Fields{
			"path":   c.FullPath(),
			"method": c.Request.Method,
			"status": status,
			"code":   code,
			"error":  err.Error(),
		})
		if status >= http.StatusInternalServerError {
			entry.Error("request failed")
		} else {
			entry.Debug("request rejected")
		}

		response.Error(c, err)
	}
}
