package common

import (
	"net/http"

	"custodex.com/pkg/logger"
	"custodex.com/pkg/xerr"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// 定义http返回格式
type Response struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data"`
}

func Success(ctx *gin.Context, data interface{}) {
	ctx.JSON(http.StatusOK, Response{
		Code:    http.StatusOK,
		Message: http.StatusText(http.StatusOK),
		Data:    data,
	})
}

func Fail(c *gin.Context, httpStatus int, code int, message string) {
	c.JSON(httpStatus, Response{
		Code:    code,
		Message: message,
		Data:    nil,
	})
}

// FailFromErr 按 xerr 码映射 http 状态，对外只回固定文案
func FailFromErr(c *gin.Context, err error) {
	code := xerr.CodeOf(err)
	httpStatus := http.StatusInternalServerError
	switch code {
	case xerr.RequestParamsError:
		httpStatus = http.StatusBadRequest
	case xerr.RecordNotFound:
		httpStatus = http.StatusNotFound
	case xerr.StateConflict:
		httpStatus = http.StatusConflict
	}

	logger.Warn(c.Request.Context(), "http error",
		zap.String("method", c.Request.Method),
		zap.String("path", c.Request.URL.Path),
		zap.Int("biz_code", code),
		zap.Error(err),
	)
	Fail(c, httpStatus, code, xerr.MapErrMsg(code))
}
