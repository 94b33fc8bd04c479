package apperror

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

type ErrorCode string

const (
	ErrCodeNotFound              ErrorCode = "NOT_FOUND"
	ErrCodeBadRequest            ErrorCode = "BAD_REQUEST"
	ErrCodeInternal              ErrorCode = "INTERNAL_ERROR"
	ErrCodeValidation            ErrorCode = "VALIDATION_ERROR"
	ErrCodeDatabaseError         ErrorCode = "DATABASE_ERROR"
	ErrCodeOTPNotFound           ErrorCode = "OTP_NOT_FOUND"
	ErrCodeOTPExpired            ErrorCode = "OTP_EXPIRED"
	ErrCodeOTPMismatch           ErrorCode = "OTP_MISMATCH"
	ErrCodeOTPConsumed           ErrorCode = "OTP_CONSUMED"
	ErrCodeRateLimited           ErrorCode = "RATE_LIMITED"
	ErrCodeDeliveryFailed        ErrorCode = "DELIVERY_FAILED"
	ErrCodeDeliveryMisconfigured ErrorCode = "DELIVERY_MISCONFIGURED"
	ErrCodeTimeout               ErrorCode = "REQUEST_TIMEOUT"
)

type AppError struct {
	Code       ErrorCode
	Message    string
	HTTPStatus int
	Cause      error
	// RetryAfter заполняется только для RATE_LIMITED.
	RetryAfter time.Duration
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: codeToHTTPStatus(code),
	}
}

func Wrap(err error, code ErrorCode, message string) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: codeToHTTPStatus(code),
		Cause:      err,
	}
}

// RateLimited возвращает ошибку о том, что повторный запрос кода пока невозможен.
func RateLimited(retryAfter time.Duration) *AppError {
	e := New(ErrCodeRateLimited, "слишком частые запросы кода, попробуйте позже")
	e.RetryAfter = retryAfter
	return e
}

// DeliveryFailed оборачивает внутреннюю ошибку доставки, не раскрывая её текст клиенту.
func DeliveryFailed(cause error) *AppError {
	return Wrap(cause, ErrCodeDeliveryFailed, "не удалось отправить письмо с кодом, попробуйте ещё раз")
}

func codeToHTTPStatus(code ErrorCode) int {
	switch code {
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeBadRequest, ErrCodeValidation,
		ErrCodeOTPNotFound, ErrCodeOTPExpired, ErrCodeOTPMismatch, ErrCodeOTPConsumed:
		return http.StatusBadRequest
	case ErrCodeRateLimited:
		return http.StatusTooManyRequests
	case ErrCodeDeliveryFailed:
		return http.StatusServiceUnavailable
	case ErrCodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func Is(err error, code ErrorCode) bool {
	var appErr *AppError
	return errors.As(err, &appErr) && appErr.Code == code
}

var (
	ErrOTPNotFound = New(ErrCodeOTPNotFound, "код не найден, запросите новый")
	ErrOTPExpired  = New(ErrCodeOTPExpired, "срок действия кода истёк, запросите новый")
	// ErrOTPLocked для клиента неотличим от ErrOTPExpired.
	ErrOTPLocked   = New(ErrCodeOTPExpired, "срок действия кода истёк, запросите новый")
	ErrOTPMismatch = New(ErrCodeOTPMismatch, "неверный код")
	ErrOTPConsumed = New(ErrCodeOTPConsumed, "код уже использован, запросите новый")

	ErrDeliveryMisconfigured = New(ErrCodeDeliveryMisconfigured, "не настроен ни один канал доставки почты")
	ErrInternal              = New(ErrCodeInternal, "внутренняя ошибка сервера")
	ErrTimeout               = New(ErrCodeTimeout, "запрос не успел завершиться, письмо может прийти позже")
)
