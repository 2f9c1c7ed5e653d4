package xerr

import (
	"errors"
	"fmt"
)

// 常用错误码定义
const (
	OK                 = 200
	RequestParamsError = 400
	RecordNotFound     = 404
	StateConflict      = 409 // 状态机守卫更新未命中
	LedgerRejected     = 422 // 下游账本明确拒绝
	ServerCommonError  = 500
	DbError            = 501
	ChainRpcError      = 502
	LedgerError        = 503
)

type CodeError struct {
	Code  int    `json:"code"`
	Msg   string `json:"msg"`
	cause error
}

func (e *CodeError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("ErrCode:%d, Msg:%s, Cause:%v", e.Code, e.Msg, e.cause)
	}
	return fmt.Sprintf("ErrCode:%d, Msg:%s", e.Code, e.Msg)
}

func (e *CodeError) Unwrap() error { return e.cause }

func New(code int, msg string) error {
	return &CodeError{Code: code, Msg: msg}
}

// Wrap 给底层错误挂上业务码，保留 errors.Is/As 链路
func Wrap(err error, code int, msg string) error {
	if err == nil {
		return nil
	}
	return &CodeError{Code: code, Msg: msg, cause: err}
}

// CodeOf 取链路上第一个 CodeError 的码，没有则返回 ServerCommonError
func CodeOf(err error) int {
	if err == nil {
		return OK
	}
	var ce *CodeError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ServerCommonError
}

func IsCode(err error, code int) bool {
	var ce *CodeError
	return errors.As(err, &ce) && ce.Code == code
}

// IsBusiness 业务可预期的错误，不代表依赖不健康
func IsBusiness(err error) bool {
	switch CodeOf(err) {
	case RequestParamsError, RecordNotFound, StateConflict, LedgerRejected:
		return true
	default:
		return false
	}
}

func MapErrMsg(code int) string {
	switch code {
	case ServerCommonError:
		return "服务器开小差了"
	case RequestParamsError:
		return "参数错误"
	case DbError:
		return "数据库繁忙"
	case RecordNotFound:
		return "记录不存在"
	case StateConflict:
		return "状态已变更"
	case ChainRpcError:
		return "链节点异常"
	case LedgerError, LedgerRejected:
		return "账本服务异常"
	default:
		return "未知错误"
	}
}
