package common

import (
	"context"

	"custodex.com/pkg/logger"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	HeaderRequestID = "X-Request-Id"
	CtxKeyRequestID = logger.RequestIdKey
)

func New() string { return uuid.NewString() }

func RequestIDFromGin(c *gin.Context) string {
	if v, ok := c.Get(CtxKeyRequestID); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func RequestIDFromCtx(ctx context.Context) string {
	if s, ok := ctx.Value(CtxKeyRequestID).(string); ok {
		return s
	}
	return ""
}
