package common

import (
	"github.com/gin-gonic/gin"

	"github.com/wetoo/backend/internal/pkg/apperror"
)

// BindJSON разбирает тело запроса. При ошибке кладёт VALIDATION_ERROR в c.Error
// и возвращает false; handler должен сразу завершиться.
func BindJSON(c *gin.Context, req interface{}) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		_ = c.Error(apperror.Wrap(err, apperror.ErrCodeValidation, "некорректное тело запроса"))
		return false
	}
	return true
}

// Fail передаёт ошибку в ErrorHandler.
func Fail(c *gin.Context, err error) {
	_ = c.Error(err)
}
