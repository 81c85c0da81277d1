// Package errors 定义统一错误码
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// Code 错误码
type Code string

// 错误码定义
const (
	// 通用错误
	CodeOK           Code = "OK"
	CodeUnknown      Code = "UNKNOWN"
	CodeInvalidParam Code = "INVALID_PARAM"
	CodeNotFound     Code = "NOT_FOUND"
	CodeInternal     Code = "INTERNAL"
	CodeUnavailable  Code = "UNAVAILABLE"
	CodeTimeout      Code = "TIMEOUT"

	// 订单
	CodeOrderNotFound        Code = "ORDER_NOT_FOUND"
	CodeOrderAlreadyCanceled Code = "ORDER_ALREADY_CANCELED"

	// 库存
	CodeSKUNotFound          Code = "SKU_NOT_FOUND"
	CodeInsufficientStock    Code = "INSUFFICIENT_STOCK"
	CodeInsufficientReserved Code = "INSUFFICIENT_RESERVED"

	// Saga
	CodeLogWriteFailure     Code = "LOG_WRITE_FAILURE"
	CodeCompensationFailure Code = "COMPENSATION_FAILURE"
)

// Error 业务错误
type Error struct {
	Code      Code   `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
	RequestID string `json:"requestId,omitempty"`

	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap 返回底层错误
func (e *Error) Unwrap() error {
	return e.cause
}

// Is 按错误码匹配，使 errors.Is(err, ErrInsufficientStock) 在包装链中生效
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || t == nil {
		return false
	}
	return e.Code == t.Code
}

// New 创建错误
func New(code Code, message string) *Error {
	return &Error{
		Code:      code,
		Message:   message,
		Retryable: isRetryable(code),
	}
}

// Newf 创建格式化错误
func Newf(code Code, format string, args ...interface{}) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap 创建带底层原因的错误
func Wrap(code Code, message string, cause error) *Error {
	e := New(code, message)
	e.cause = cause
	return e
}

// WithRequestID 添加请求 ID
func (e *Error) WithRequestID(requestID string) *Error {
	e.RequestID = requestID
	return e
}

// HTTPStatus 返回对应的 HTTP 状态码
func (e *Error) HTTPStatus() int {
	return httpStatus(e.Code)
}

// CodeOf 返回错误链中第一个业务错误的错误码
func CodeOf(err error) Code {
	if err == nil {
		return CodeOK
	}
	var e *Error
	if stderrors.As(err, &e) {
		return e.Code
	}
	return CodeUnknown
}

// MessageOf 返回面向用户的错误信息
func MessageOf(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if stderrors.As(err, &e) {
		return e.Message
	}
	return err.Error()
}

// isRetryable 判断是否可重试
func isRetryable(code Code) bool {
	switch code {
	case CodeTimeout, CodeUnavailable:
		return true
	default:
		return false
	}
}

// httpStatus 错误码对应的 HTTP 状态码
func httpStatus(code Code) int {
	switch code {
	case CodeOK:
		return http.StatusOK
	case CodeInvalidParam:
		return http.StatusBadRequest
	case CodeNotFound, CodeOrderNotFound, CodeSKUNotFound:
		return http.StatusNotFound
	case CodeOrderAlreadyCanceled, CodeInsufficientStock, CodeInsufficientReserved:
		return http.StatusConflict
	case CodeInternal, CodeUnknown, CodeLogWriteFailure, CodeCompensationFailure:
		return http.StatusInternalServerError
	case CodeUnavailable:
		return http.StatusServiceUnavailable
	case CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// 预定义错误，用于 errors.Is 判断
var (
	ErrInvalidParam         = New(CodeInvalidParam, "invalid parameter")
	ErrNotFound             = New(CodeNotFound, "not found")
	ErrOrderNotFound        = New(CodeOrderNotFound, "order not found")
	ErrOrderAlreadyCanceled = New(CodeOrderAlreadyCanceled, "order already cancelled")
	ErrSKUNotFound          = New(CodeSKUNotFound, "product not found")
	ErrInsufficientStock    = New(CodeInsufficientStock, "Insufficient stock")
	ErrInsufficientReserved = New(CodeInsufficientReserved, "insufficient reserved stock")
	ErrUnavailable          = New(CodeUnavailable, "store unavailable")
	ErrLogWriteFailure      = New(CodeLogWriteFailure, "saga log write failed")
	ErrCompensationFailure  = New(CodeCompensationFailure, "compensation failed")
)
