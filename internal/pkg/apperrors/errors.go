package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

type ErrorType string

const (
	ErrConnection        ErrorType = "CONNECTION_ERROR"
	ErrProtocol          ErrorType = "PROTOCOL_ERROR"
	ErrUnknownInstrument ErrorType = "UNKNOWN_INSTRUMENT"
	ErrCallback          ErrorType = "CALLBACK_ERROR"
	ErrInvalidRequest    ErrorType = "INVALID_REQUEST"
	ErrSnapshotFailed    ErrorType = "SNAPSHOT_FAILED"
	ErrRateLimited       ErrorType = "RATE_LIMITED"
	ErrInternal          ErrorType = "INTERNAL_ERROR"
)

// AppError is the standard error struct for the relay. Type doubles as the
// machine-readable code on client-facing error messages.
type AppError struct {
	Type       ErrorType `json:"code"`
	Message    string    `json:"message"`
	HTTPStatus int       `json:"-"`
	Cause      error     `json:"-"`
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

func New(errType ErrorType, msg string, cause error) *AppError {
	return &AppError{
		Type:       errType,
		Message:    msg,
		Cause:      cause,
		HTTPStatus: mapTypeToStatus(errType),
	}
}

func NewConnection(msg string, cause error) *AppError {
	return New(ErrConnection, msg, cause)
}

func NewUnknownInstrument(pair string) *AppError {
	return New(ErrUnknownInstrument, fmt.Sprintf("unknown instrument: %s", pair), nil)
}

func NewInvalidRequest(msg string) *AppError {
	return New(ErrInvalidRequest, msg, nil)
}

func Wrap(err error) *AppError {
	if err == nil {
		return nil
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return New(ErrInternal, err.Error(), err)
}

// Code extracts the machine-readable code from any error, defaulting to
// INTERNAL_ERROR for untyped causes.
func Code(err error) ErrorType {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type
	}
	return ErrInternal
}

func mapTypeToStatus(t ErrorType) int {
	switch t {
	case ErrInvalidRequest, ErrProtocol:
		return http.StatusBadRequest
	case ErrUnknownInstrument:
		return http.StatusNotFound
	case ErrRateLimited:
		return http.StatusTooManyRequests
	case ErrConnection, ErrSnapshotFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
