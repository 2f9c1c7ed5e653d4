package middleware

import (
	"crypto/subtle"
	"net/http"

	"custodex.com/pkg/common"
	"github.com/gin-gonic/gin"
)

const HeaderAdminToken = "X-Admin-Token"

// AdminToken 静态 token 校验，token 为空时接口整体关闭
func AdminToken(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token == "" {
			common.Fail(c, http.StatusForbidden, http.StatusForbidden, "admin api disabled")
			c.Abort()
			return
		}
		got := c.GetHeader(HeaderAdminToken)
		if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			common.Fail(c, http.StatusUnauthorized, http.StatusUnauthorized, "未授权")
			c.Abort()
			return
		}
		c.Next()
	}
}
