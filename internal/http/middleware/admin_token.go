package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
)

// AdminTokenHeader - заголовок с токеном диагностики.
const AdminTokenHeader = "X-Admin-Token"

// AdminToken пропускает запрос только с точным токеном. Иначе ответ
// неотличим от несуществующего маршрута.
func AdminToken(token string) gin.HandlerFunc {
	expected := []byte(token)
	return func(c *gin.Context) {
		got := []byte(c.GetHeader(AdminTokenHeader))
		if len(expected) == 0 || subtle.ConstantTimeCompare(got, expected) != 1 {
			c.String(http.StatusNotFound, "404 page not found")
			c.Abort()
			return
		}
		c.Next()
	}
}
